package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arrakis/gateway/internal/logging"
)

// Redis implements Store on go-redis v9.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects using a redis:// URL and verifies connectivity
// before returning.
func NewRedis(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("state: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("state: redis ping failed (%s): %w", logging.MaskURL(rawURL), err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *Redis) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis maps "no key" to -2ms and "no expiry" to -1ms.
	switch {
	case d == -2*time.Millisecond:
		return 0, ErrNotFound
	case d == -1*time.Millisecond:
		return 0, nil
	}
	return d, nil
}

// Update retries on write conflicts using WATCH, so concurrent
// mutations of the same key serialize instead of clobbering.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) error {
	const maxAttempts = 5

	txn := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		found := true
		if err == redis.Nil {
			old, found = nil, false
		} else if err != nil {
			return err
		}
		next, err := fn(old, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxAttempts; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("state: update of %s lost %d races", key, maxAttempts)
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a handler for messages on a pub/sub channel and
// returns an unsubscribe function.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("state: subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
