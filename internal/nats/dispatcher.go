package natsjs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

// EventPublisher sends one outbox message
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into NATS
type Dispatcher struct {
	outbox store.Outbox
	pub    EventPublisher
	log    logrus.FieldLogger

	BatchSize  int
	Idle       time.Duration
	RetryAfter time.Duration
}

// NewDispatcher creates a dispatcher with the default pacing
func NewDispatcher(outbox store.Outbox, pub EventPublisher, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		outbox:     outbox,
		pub:        pub,
		log:        log.WithField("component", "outbox-dispatcher"),
		BatchSize:  100,
		Idle:       500 * time.Millisecond,
		RetryAfter: 10 * time.Second,
	}
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("outbox dispatcher started")
	defer d.log.Info("outbox dispatcher stopped")

	for {
		n, err := d.DispatchOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.WithError(err).Error("failed to dequeue outbox")
			wait = time.Second
		case n == 0:
			wait = d.Idle
		}
		if wait == 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// DispatchOnce publishes one batch and returns how many messages were dequeued.
// A message that fails to publish is rescheduled after RetryAfter.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		log := d.log.WithFields(logrus.Fields{"outbox_id": msg.ID, "subject": msg.Subject})
		if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.WithError(err).Warn("publish failed, will retry")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.RetryAfter); err != nil {
				log.WithError(err).Error("failed to reschedule outbox message")
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("failed to mark outbox message published")
		}
	}
	return len(messages), nil
}
