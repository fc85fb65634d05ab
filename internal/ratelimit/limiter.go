package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/arrakis/gateway/internal/errs"
	"github.com/arrakis/gateway/internal/state"
	"github.com/arrakis/gateway/internal/tenant"
)

// Canonical action names looked up in tenant rate limit tables.
const (
	ActionCommand          = "command"
	ActionButton           = "button"
	ActionSelect           = "select"
	ActionModal            = "modal"
	ActionAutocomplete     = "autocomplete"
	ActionEligibilityCheck = "eligibility_check"
	ActionRoleSync         = "role_sync"
)

// Result is the outcome of a single rate limit check.
type Result struct {
	Allowed      bool
	Limit        int64
	Remaining    int64
	RetryAfterMS int64
}

// Unlimited marks actions with no configured ceiling.
var Unlimited = Result{Allowed: true, Limit: -1, Remaining: -1}

// Limiter enforces per-tenant, per-action fixed-window rate limits.
//
// Windows are keyed by their absolute index (unix millis divided by the
// window length) so every process lands on the same counter without
// coordination. Counters carry the window's TTL, so nothing needs
// garbage collection.
type Limiter struct {
	store state.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewLimiter(store state.Store, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, log: log, now: time.Now}
}

// Check consumes one unit of the tenant's budget for the action. Actions
// absent from the tenant config, and actions with a negative ceiling, are
// unlimited. A denial carries the wait until the window rolls over, and
// that wait is always positive.
func (l *Limiter) Check(ctx context.Context, tcx *tenant.Context, action string) (Result, error) {
	limit, ok := tcx.Config.RateLimits[action]
	if !ok || limit.Max < 0 || limit.WindowMS <= 0 {
		return Unlimited, nil
	}

	nowMS := l.now().UnixMilli()
	window := nowMS / limit.WindowMS
	key := state.RateKey(tcx.TenantID, action, window)

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return Result{}, errs.New(errs.Transient, "ratelimit.check", err)
	}
	if n == 1 {
		// First hit of the window owns the expiry.
		if err := l.store.Expire(ctx, key, time.Duration(limit.WindowMS)*time.Millisecond); err != nil {
			l.log.Warn("Rate limit window expiry failed", "key", key, "error", err)
		}
	}

	if n > limit.Max {
		return Result{
			Allowed:      false,
			Limit:        limit.Max,
			RetryAfterMS: l.retryAfter(ctx, key, limit.WindowMS, nowMS),
		}, nil
	}
	return Result{Allowed: true, Limit: limit.Max, Remaining: limit.Max - n}, nil
}

// retryAfter reports how long a denied caller should wait. The counter's
// TTL is authoritative; when it is unreadable the time left in the current
// window stands in.
func (l *Limiter) retryAfter(ctx context.Context, key string, windowMS, nowMS int64) int64 {
	if ttl, err := l.store.PTTL(ctx, key); err == nil && ttl.Milliseconds() > 0 {
		return ttl.Milliseconds()
	}
	remain := windowMS - nowMS%windowMS
	if remain <= 0 {
		remain = 1
	}
	return remain
}

// Reset clears the tenant's current window for the action.
func (l *Limiter) Reset(ctx context.Context, tcx *tenant.Context, action string) error {
	limit, ok := tcx.Config.RateLimits[action]
	if !ok || limit.WindowMS <= 0 {
		return nil
	}
	window := l.now().UnixMilli() / limit.WindowMS
	return l.store.Del(ctx, state.RateKey(tcx.TenantID, action, window))
}
