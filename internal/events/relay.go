package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"approvline/internal/metrics"
	"approvline/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// Relay polls the events table and pushes new rows to each sink. Every sink
// has its own cursor in relay_cursors, so a failing sink only delays itself
// and resumes where it stopped after a restart.
type Relay struct {
	Repo     repo.Repo
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	// Replay delivers the existing backlog to sinks that have no stored
	// cursor yet. Otherwise a new sink starts at the latest event.
	Replay  bool
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Run dispatches until ctx is cancelled.
func (r Relay) Run(ctx context.Context) {
	if len(r.Sinks) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one delivery pass over every sink and returns the number
// of events delivered.
func (r Relay) DispatchOnce(ctx context.Context) int {
	total := 0
	for _, sink := range r.Sinks {
		n, err := r.dispatch(ctx, sink)
		total += n
		if err != nil {
			r.logger().Warn("relay delivery failed", zap.String("sink", sink.Name()), zap.Error(err))
			r.Metrics.RelayFailed(sink.Name())
		}
	}
	return total
}

func (r Relay) dispatch(ctx context.Context, sink Sink) (int, error) {
	cursor, err := r.cursorFor(ctx, sink.Name())
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	events, err := r.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, evt := range events {
		if err := sink.Publish(ctx, evt); err != nil {
			return delivered, err
		}
		if err := r.Repo.SetRelayCursor(ctx, sink.Name(), evt.ID, r.ts()); err != nil {
			return delivered, err
		}
		delivered++
		r.Metrics.RelayDelivered(sink.Name())
	}
	return delivered, nil
}

func (r Relay) cursorFor(ctx context.Context, name string) (int64, error) {
	cur, ok, err := r.Repo.RelayCursor(ctx, name)
	if err != nil || ok {
		return cur, err
	}
	if r.Replay {
		return 0, nil
	}
	cur, err = r.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, r.Repo.SetRelayCursor(ctx, name, cur, r.ts())
}

func (r Relay) ts() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r Relay) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
