package audit

import (
	"context"
	"time"
)

// Publisher is the sink for lifecycle audit events. Emission is
// fail-open: the reconciler logs a failed emit and carries on, since an
// audit gap must not block a mailbox transition.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}

// Store is an append-only event sink used by the store-backed
// publisher; tests swap in the memory implementation.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// StorePublisher persists events through a Store.
type StorePublisher struct {
	store Store
}

func NewStorePublisher(store Store) *StorePublisher {
	return &StorePublisher{store: store}
}

func (p *StorePublisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return p.store.Append(ctx, event)
}

func (p *StorePublisher) Close() error { return nil }
