package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"approvline/internal/domain"
)

// Sink receives committed events from the relay. Publish must be safe to
// retry: the relay redelivers a batch from the first failed event.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt domain.Event) error
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Publish(_ context.Context, evt domain.Event) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("workflow event",
		zap.Int64("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("company_id", evt.CompanyID),
		zap.String("instance_id", evt.InstanceID),
		zap.String("execution_id", evt.ExecutionID),
		zap.String("actor_id", evt.ActorID),
		zap.String("payload", evt.Payload),
	)
	return nil
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in delivery order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// Message is the wire body shared by the webhook and NATS sinks.
type Message struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	CompanyID   string          `json:"company_id"`
	InstanceID  string          `json:"instance_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:          evt.ID,
		Type:        evt.Type,
		CompanyID:   evt.CompanyID,
		InstanceID:  evt.InstanceID,
		ExecutionID: evt.ExecutionID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
		PayloadRaw:  raw,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and prefix wildcards such as "step.*".
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}

var errSinkClosed = errors.New("sink closed")
