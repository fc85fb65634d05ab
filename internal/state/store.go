// Package state is the shared durable KV layer: cooldowns, interaction
// sessions, rate buckets, tenant config and idempotency markers all
// live behind the Store interface. The Redis implementation is the
// production one; Memory backs tests and development fallback.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("state: key not found")

// Store is the atomic KV contract every cross-process structure is
// built on. Counters and SETNX are strictly atomic; nothing in the
// pipeline reads a counter without writing it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent. Reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments an integer key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// PTTL returns the remaining lifetime, 0 when the key has no
	// expiry, ErrNotFound when it does not exist.
	PTTL(ctx context.Context, key string) (time.Duration, error)

	// Update applies fn to the current value of key under optimistic
	// concurrency: concurrent writers cause a retry, not a lost update.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) error

	// Publish/Subscribe back the tenant invalidation channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for a channel and returns an
	// unsubscribe function. The handler runs on its own goroutine.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	Close() error
}
