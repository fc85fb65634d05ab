package state

import (
	"context"
	"time"
)

// Idempotency records which event ids have completed their side
// effects. Marker TTL must exceed broker retention or a replay from
// the DLQ could re-execute a processed event.
type Idempotency struct {
	store Store
	ttl   time.Duration
}

// NewIdempotency builds the marker helper.
func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

// Seen reports whether eventID already produced its side effects.
func (i *Idempotency) Seen(ctx context.Context, eventID string) (bool, error) {
	return i.store.Exists(ctx, IdemKey(eventID))
}

// Mark records completion. Idempotent itself: marking twice is a
// no-op.
func (i *Idempotency) Mark(ctx context.Context, eventID string) error {
	_, err := i.store.SetNX(ctx, IdemKey(eventID), []byte("1"), i.ttl)
	return err
}
