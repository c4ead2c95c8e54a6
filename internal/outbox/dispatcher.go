// Package outbox drains pending events from the message store into the
// event bus.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/msgstore"
)

// EventSink is the publishing surface the dispatcher needs.
type EventSink interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher polls the outbox and publishes pending events. Failed
// publishes are retried with a fixed backoff; the JetStream duplicate
// window absorbs any double delivery.
type Dispatcher struct {
	Store        *msgstore.Store
	Sink         EventSink
	BatchSize    int
	PollInterval time.Duration
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func New(store *msgstore.Store, sink EventSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Store:        store,
		Sink:         sink,
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
		Logger:       logger,
	}
}

// Run blocks, draining the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.drainOnce(ctx)
		if err != nil {
			d.Logger.Error("outbox drain failed", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			d.sleep(ctx, d.PollInterval)
		}
	}
}

// drainOnce dequeues and publishes one batch, returning how many messages
// it handled.
func (d *Dispatcher) drainOnce(ctx context.Context) (int, error) {
	messages, err := d.Store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Sink.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.Logger.Warn("publish failed, scheduling retry",
				zap.Int64("outbox_id", msg.ID),
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if rerr := d.Store.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); rerr != nil {
				d.Logger.Error("failed to mark outbox retry", zap.Error(rerr))
			}
			continue
		}
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			d.Logger.Error("failed to mark outbox entry published",
				zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}

	return len(messages), nil
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
