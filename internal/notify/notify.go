// Package notify delivers alerts to external sinks without blocking the scan.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/metrics"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// Sink delivers one alert. Retrying is the sink's own business.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert models.Alert) error
}

// Multi fans an alert out to every sink. All sinks are attempted; the joined error
// names each failure.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Send(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, s := range m {
		err := s.Send(ctx, alert)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		metrics.AlertDeliveries.WithLabelValues(s.Name(), result).Inc()
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the log. Used when no external sink is configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, a models.Alert) error {
	logger.Info("ALERT [%s] %s borrower=%s: %s", a.Severity, a.Type, a.BorrowerID, a.Message)
	return nil
}

// DefaultQueueSize bounds the delivery queue when none is configured.
const DefaultQueueSize = 256

// Queue hands alerts to a sink on a background goroutine. Enqueue never blocks: when
// the buffer is full the alert is dropped and counted.
type Queue struct {
	sink        Sink
	ch          chan models.Alert
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue of the given capacity in front of sink. Call Run to start
// delivery.
func NewQueue(sink Sink, size int, sendTimeout time.Duration) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Queue{
		sink:        sink,
		ch:          make(chan models.Alert, size),
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
	}
}

// Enqueue reports whether the alert was accepted.
func (q *Queue) Enqueue(a models.Alert) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		logger.Warn("Alert queue closed, dropping %s alert for %s", a.Type, a.BorrowerID)
		return false
	}
	select {
	case q.ch <- a:
		return true
	default:
		metrics.AlertQueueDropped.Inc()
		logger.Warn("Alert queue full, dropping %s alert for %s", a.Type, a.BorrowerID)
		return false
	}
}

// Len returns the number of queued alerts.
func (q *Queue) Len() int { return len(q.ch) }

// Run delivers queued alerts until Close is called and the buffer is drained, or ctx
// is cancelled.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q.ch:
			if !ok {
				return
			}
			q.deliver(ctx, a)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, a models.Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	defer cancel()
	if err := q.sink.Send(sendCtx, a); err != nil {
		logger.Error("Failed to deliver %s alert %s for %s: %v", a.Type, a.ID, a.BorrowerID, err)
		return
	}
	logger.Debug("Delivered %s alert %s for %s", a.Type, a.ID, a.BorrowerID)
}

// Close stops accepting alerts and waits for Run to drain the buffer, up to ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
