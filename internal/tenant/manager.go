package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/arrakis/gateway/internal/errs"
	"github.com/arrakis/gateway/internal/state"
)

// L1 defaults. The TTL bounds staleness after an invalidation is
// missed; the size cap bounds memory on wide deployments.
const (
	DefaultL1Size = 10000
	DefaultL1TTL  = 60 * time.Second
)

// Manager is the two-layer tenant config cache. L1 is an in-process
// expirable LRU; L2 is the state store. First sight of a guild creates
// a free-tier default exactly once across all workers.
type Manager struct {
	store state.Store
	tiers TierTable
	l1    *expirable.LRU[string, *Config]
	sf    singleflight.Group
	log   *slog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	l1Size int
	l1TTL  time.Duration
	tiers  TierTable
	log    *slog.Logger
}

// WithL1 overrides the L1 size and TTL.
func WithL1(size int, ttl time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.l1Size = size
		o.l1TTL = ttl
	}
}

// WithTiers overrides the built-in tier table.
func WithTiers(t TierTable) ManagerOption {
	return func(o *managerOptions) { o.tiers = t }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = log }
}

// NewManager builds a tenant manager on the given store.
func NewManager(store state.Store, opts ...ManagerOption) *Manager {
	o := &managerOptions{
		l1Size: DefaultL1Size,
		l1TTL:  DefaultL1TTL,
		tiers:  DefaultTiers(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Manager{
		store: store,
		tiers: o.tiers,
		l1:    expirable.NewLRU[string, *Config](o.l1Size, nil, o.l1TTL),
		log:   o.log,
	}
}

// GetContext resolves the tenant for a guild and user. Concurrent
// misses for the same guild collapse into one load.
func (m *Manager) GetContext(ctx context.Context, guildID, userID string) (*Context, error) {
	if guildID == "" {
		return nil, errs.New(errs.Permanent, "tenant.get", errors.New("missing guild id"))
	}

	if cfg, ok := m.l1.Get(guildID); ok {
		return &Context{TenantID: guildID, UserID: userID, Tier: cfg.Tier, Config: cfg}, nil
	}

	v, err, _ := m.sf.Do(guildID, func() (interface{}, error) {
		return m.load(ctx, guildID)
	})
	if err != nil {
		return nil, err
	}

	cfg := v.(*Config)
	m.l1.Add(guildID, cfg)
	return &Context{TenantID: guildID, UserID: userID, Tier: cfg.Tier, Config: cfg}, nil
}

// load reads L2, creating the free-tier default on first sight.
func (m *Manager) load(ctx context.Context, guildID string) (*Config, error) {
	key := state.TenantConfigKey(guildID)

	raw, err := m.store.Get(ctx, key)
	if err == state.ErrNotFound {
		return m.createDefault(ctx, guildID)
	}
	if err != nil {
		return nil, errs.New(errs.Transient, "tenant.load", err)
	}
	return m.decode(guildID, raw)
}

func (m *Manager) createDefault(ctx context.Context, guildID string) (*Config, error) {
	cfg := m.tiers.NewConfig(guildID, TierFree)
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, errs.New(errs.Permanent, "tenant.create", err)
	}

	created, err := m.store.SetNX(ctx, state.TenantConfigKey(guildID), body, 0)
	if err != nil {
		return nil, errs.New(errs.Transient, "tenant.create", err)
	}
	if created {
		m.log.Info("Tenant created", "guild_id", guildID, "tier", cfg.Tier)
		return cfg, nil
	}

	// Lost the create race; the winner's config is authoritative.
	raw, err := m.store.Get(ctx, state.TenantConfigKey(guildID))
	if err != nil {
		return nil, errs.New(errs.Transient, "tenant.create", err)
	}
	return m.decode(guildID, raw)
}

func (m *Manager) decode(guildID string, raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Newf(errs.Permanent, "tenant.decode", "guild %s: %v", guildID, err)
	}
	if cfg.Status == "" {
		cfg.Status = StatusActive
	}
	for flag := range cfg.Features {
		if !knownFlags[flag] {
			m.log.Warn("Ignoring unknown feature flag", "guild_id", guildID, "flag", flag)
			delete(cfg.Features, flag)
		}
	}
	return &cfg, nil
}

// UpgradeTier moves a guild to a new tier atomically at L2 and
// broadcasts the invalidation. The returned config is the stored one.
func (m *Manager) UpgradeTier(ctx context.Context, guildID string, tier Tier) (*Config, error) {
	spec, ok := m.tiers[tier]
	if !ok {
		return nil, errs.Newf(errs.Permanent, "tenant.upgrade", "unknown tier %q", tier)
	}

	var result *Config
	key := state.TenantConfigKey(guildID)
	err := m.store.Update(ctx, key, 0, func(old []byte, found bool) ([]byte, error) {
		cfg := m.tiers.NewConfig(guildID, tier)
		if found {
			decoded, err := m.decode(guildID, old)
			if err != nil {
				return nil, err
			}
			cfg = decoded
			cfg.Tier = tier
			cfg.RateLimits = make(map[string]Limit, len(spec.RateLimits))
			for k, v := range spec.RateLimits {
				cfg.RateLimits[k] = v
			}
			// Tier flags win; known flags set outside the tier spec
			// survive the upgrade.
			merged := make(map[string]bool, len(spec.Features))
			for k, v := range cfg.Features {
				merged[k] = v
			}
			for k, v := range spec.Features {
				merged[k] = v
			}
			cfg.Features = merged
			cfg.UpdatedAt = time.Now().UnixMilli()
		}
		result = cfg
		return json.Marshal(cfg)
	})
	if err != nil {
		return nil, errs.New(errs.Transient, "tenant.upgrade", err)
	}

	m.EvictL1(guildID)
	if err := m.PublishReload(ctx, guildID); err != nil {
		// The write landed; peers converge within their L1 TTL.
		m.log.Warn("Tenant reload publish failed", "guild_id", guildID, "error", err)
	}

	m.log.Info("Tenant upgraded", "guild_id", guildID, "tier", tier)
	return result, nil
}

// PublishReload broadcasts an invalidation for one guild.
func (m *Manager) PublishReload(ctx context.Context, guildID string) error {
	return m.store.Publish(ctx, state.ReloadChannel, []byte(guildID))
}

// PublishReloadAll broadcasts a global invalidation.
func (m *Manager) PublishReloadAll(ctx context.Context) error {
	return m.store.Publish(ctx, state.ReloadChannel, []byte(state.ReloadAll))
}

// EvictL1 drops one guild from the in-process cache.
func (m *Manager) EvictL1(guildID string) {
	m.l1.Remove(guildID)
}

// PurgeL1 clears the in-process cache.
func (m *Manager) PurgeL1() {
	m.l1.Purge()
}

// L1Len is exposed for tests and debugging.
func (m *Manager) L1Len() int {
	return m.l1.Len()
}
