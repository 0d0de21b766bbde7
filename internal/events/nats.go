package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"approvline/internal/domain"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event on <prefix>.<event type>.
type NATSSink struct {
	Conn   Publisher
	Prefix string
}

// ConnectNATS dials the broker with unlimited reconnects.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("approvline"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (s NATSSink) Name() string { return "nats" }

func (s NATSSink) Subject(evtType string) string {
	prefix := strings.TrimSuffix(s.Prefix, ".")
	if prefix == "" {
		prefix = "approvline.events"
	}
	return prefix + "." + evtType
}

func (s NATSSink) Publish(_ context.Context, evt domain.Event) error {
	if s.Conn == nil {
		return errSinkClosed
	}
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject(evt.Type), data)
}
