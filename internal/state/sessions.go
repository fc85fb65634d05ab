package state

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// DefaultSessionTTL bounds how long a multi-step UI flow stays
// resumable.
const DefaultSessionTTL = 5 * time.Minute

// Sessions stores the resumable state of multi-step UI flows, keyed by
// {kind, user}. Handlers share this one implementation instead of
// inventing key formats.
type Sessions struct {
	store Store
	ttl   time.Duration
}

// NewSessions builds a session helper. ttl <= 0 uses the default.
func NewSessions(store Store, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{store: store, ttl: ttl}
}

// Get loads a session into dest. ErrNotFound when absent or expired.
func (s *Sessions) Get(ctx context.Context, kind, userID string, dest interface{}) error {
	raw, err := s.store.Get(ctx, SessionKey(kind, userID))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Put stores a session, resetting its TTL.
func (s *Sessions) Put(ctx context.Context, kind, userID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, SessionKey(kind, userID), raw, s.ttl)
}

// Close removes a session explicitly, before its TTL.
func (s *Sessions) Close(ctx context.Context, kind, userID string) error {
	return s.store.Del(ctx, SessionKey(kind, userID))
}

// Cooldowns tracks the last successful invocation of a command per
// user. A live key means the command is still cooling down.
type Cooldowns struct {
	store Store
}

// NewCooldowns builds a cooldown helper.
func NewCooldowns(store Store) *Cooldowns {
	return &Cooldowns{store: store}
}

// Start records a successful invocation with the command's window.
func (c *Cooldowns) Start(ctx context.Context, command, userID string, window time.Duration) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return c.store.Set(ctx, CooldownKey(command, userID), []byte(now), window)
}

// Remaining reports how long the user must wait, or 0 when the
// cooldown has lapsed.
func (c *Cooldowns) Remaining(ctx context.Context, command, userID string) (time.Duration, error) {
	d, err := c.store.PTTL(ctx, CooldownKey(command, userID))
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Clear lifts a cooldown early.
func (c *Cooldowns) Clear(ctx context.Context, command, userID string) error {
	return c.store.Del(ctx, CooldownKey(command, userID))
}
