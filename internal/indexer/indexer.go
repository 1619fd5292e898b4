// Package indexer drains the store's outbox into NATS so the search
// consumer sees every inserted message exactly once. The outbox rows are
// written inside the snapshot transaction; this dispatcher only moves them.
package indexer

import (
	"context"
	"log"
	"time"

	"github.com/Meridian-dev/m365-vault-infra/internal/snapstore"
)

// Publisher is the transport the dispatcher pushes into. Satisfied by
// natsjs.Publisher.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves pending outbox entries to the publisher with per-entry
// retry backoff.
type Dispatcher struct {
	Store     *snapstore.Store
	Publisher Publisher

	// BatchSize caps entries fetched per pass. Zero means 100.
	BatchSize int
	// RetryBackoff defers a failed entry. Zero means 10s.
	RetryBackoff time.Duration
	// IdleSleep is the pause when the outbox is empty. Zero means 500ms.
	IdleSleep time.Duration
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.IdleSleep
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			log.Printf("Error dequeuing outbox: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleepCtx(ctx, idle)
		}
	}
}

// DispatchOnce performs a single outbox pass and returns the number of
// entries it attempted.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	backoff := d.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	messages, err := d.Store.DequeueOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Printf("Error publishing outbox entry %d: %v", msg.ID, err)
			_ = d.Store.MarkOutboxRetry(ctx, msg.ID, backoff)
			continue
		}
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			log.Printf("Error marking outbox entry %d as published: %v", msg.ID, err)
		}
	}
	return len(messages), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
