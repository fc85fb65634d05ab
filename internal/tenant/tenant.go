// Package tenant resolves per-guild configuration: tier, rate limits
// and feature flags. Configs live in the state store (L2) behind a
// small in-process TTL cache (L1) that pub/sub invalidations keep
// honest across workers.
package tenant

import (
	"context"
	"errors"
)

// Tier names. The tier decides rate limits and feature flags.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tenant lifecycle states.
const (
	StatusActive     = "active"
	StatusOnboarding = "onboarding"
	StatusDisabled   = "disabled"
)

// Known feature flags. Stores may carry flags this build does not know
// about; those are ignored with a warning, never an error.
const (
	FlagAdvancedAnalytics = "advancedAnalytics"
	FlagUnlimitedCommands = "unlimitedCommands"
)

var knownFlags = map[string]bool{
	FlagAdvancedAnalytics: true,
	FlagUnlimitedCommands: true,
}

// Limit is one action's rate-limit window. Max -1 means unlimited.
type Limit struct {
	WindowMS int64 `json:"window_ms" yaml:"window_ms"`
	Max      int64 `json:"max" yaml:"max"`
}

// Config is a guild's stored configuration.
type Config struct {
	GuildID    string           `json:"guild_id"`
	Tier       Tier             `json:"tier"`
	Status     string           `json:"status"`
	RateLimits map[string]Limit `json:"rate_limits"`
	Features   map[string]bool  `json:"features"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Feature reports a flag, false for anything unset or unknown.
func (c *Config) Feature(name string) bool {
	return c.Features[name]
}

// Active reports whether events for this tenant should be processed.
func (c *Config) Active() bool {
	return c.Status == StatusActive
}

// Context is what dispatch hands to handlers: the resolved tenant plus
// the invoking user.
type Context struct {
	TenantID string
	UserID   string
	Tier     Tier
	Config   *Config
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKeyType int

const tenantContextKey contextKeyType = iota

// WithContext attaches a resolved tenant to ctx.
func WithContext(ctx context.Context, tcx *Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, tcx)
}

// FromContext extracts the resolved tenant.
func FromContext(ctx context.Context) (*Context, error) {
	tcx, ok := ctx.Value(tenantContextKey).(*Context)
	if !ok || tcx == nil {
		return nil, errors.New("tenant context missing")
	}
	return tcx, nil
}
