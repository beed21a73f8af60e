package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes alerts as JSON on <subject>.<severity>.
type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// DialNATS connects to url with unlimited reconnects and returns a sink publishing
// under subject.
func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("liqsentry"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := NewNATSSink(nc, subject)
	s.conn = nc
	return s, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = "liqsentry.alerts"
	}
	return &NATSSink{pub: pub, subject: strings.TrimSuffix(subject, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

// Send publishes the alert. Publishing is buffered by the client; ctx only guards the
// encoding step.
func (s *NATSSink) Send(ctx context.Context, a models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	subject := s.subject + "." + a.Severity.String()
	if err := s.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying connection if the sink owns one.
func (s *NATSSink) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
		}
	}
}
