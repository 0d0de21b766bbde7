package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"approvline/internal/config"
	"approvline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts events to one configured endpoint. Repeated failures open
// a circuit breaker so a dead endpoint stops stalling the relay.
type WebhookSink struct {
	hook    config.WebhookConfig
	filter  eventFilter
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook:" + hook.URL,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s *WebhookSink) Publish(ctx context.Context, evt domain.Event) error {
	if !s.filter.match(evt.Type) {
		return nil
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, evt)
	})
	return err
}

func (s *WebhookSink) post(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Approvline-Event", evt.Type)
	req.Header.Set("X-Approvline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Approvline-Company", evt.CompanyID)
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Approvline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
