package tenant

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/gateway/internal/state"
)

// countingStore counts L2 operations to observe cache behavior.
type countingStore struct {
	state.Store
	gets   atomic.Int64
	setNXs atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, key)
}

func (c *countingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.setNXs.Add(1)
	return c.Store.SetNX(ctx, key, value, ttl)
}

func TestGetContextCreatesFreeDefault(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: state.NewMemory()}
	m := NewManager(store)

	tcx, err := m.GetContext(ctx, "g1", "u1")
	require.NoError(t, err)

	assert.Equal(t, "g1", tcx.TenantID)
	assert.Equal(t, "u1", tcx.UserID)
	assert.Equal(t, TierFree, tcx.Tier)
	assert.Equal(t, StatusActive, tcx.Config.Status)
	assert.Equal(t, int64(10), tcx.Config.RateLimits["command"].Max)
	assert.Equal(t, int64(100), tcx.Config.RateLimits["eligibility_check"].Max)
	assert.False(t, tcx.Config.Feature(FlagAdvancedAnalytics))

	// The default persisted to L2.
	raw, err := store.Store.Get(ctx, state.TenantConfigKey("g1"))
	require.NoError(t, err)
	var stored Config
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, TierFree, stored.Tier)
}

func TestGetContextUsesL1(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: state.NewMemory()}
	m := NewManager(store)

	_, err := m.GetContext(ctx, "g1", "u1")
	require.NoError(t, err)
	loads := store.gets.Load()

	for i := 0; i < 10; i++ {
		_, err := m.GetContext(ctx, "g1", "u1")
		require.NoError(t, err)
	}

	assert.Equal(t, loads, store.gets.Load(), "L1 hits must not touch L2")
	assert.Equal(t, 1, m.L1Len())
}

func TestConcurrentMissesCreateOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: state.NewMemory()}
	m := NewManager(store)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tcx, err := m.GetContext(ctx, "g1", "u1")
			assert.NoError(t, err)
			assert.Equal(t, TierFree, tcx.Tier)
		}()
	}
	wg.Wait()

	// Singleflight collapses the stampede; SETNX makes any stragglers
	// harmless. Either way only one create can win.
	assert.LessOrEqual(t, store.setNXs.Load(), int64(2))
}

func TestUnknownFlagsIgnored(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()

	cfg := DefaultTiers().NewConfig("g1", TierPro)
	cfg.Features["mysteryFlag"] = true
	raw, _ := json.Marshal(cfg)
	require.NoError(t, store.Set(ctx, state.TenantConfigKey("g1"), raw, 0))

	m := NewManager(store)
	tcx, err := m.GetContext(ctx, "g1", "u1")
	require.NoError(t, err)

	assert.True(t, tcx.Config.Feature(FlagAdvancedAnalytics))
	assert.False(t, tcx.Config.Feature("mysteryFlag"))
}

func TestStatusDefaultsToActive(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	require.NoError(t, store.Set(ctx, state.TenantConfigKey("g1"),
		[]byte(`{"guild_id":"g1","tier":"free"}`), 0))

	m := NewManager(store)
	tcx, err := m.GetContext(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.True(t, tcx.Config.Active())
}

func TestGetContextRequiresGuild(t *testing.T) {
	m := NewManager(state.NewMemory())
	_, err := m.GetContext(context.Background(), "", "u1")
	assert.Error(t, err)
}

func TestUpgradeTier(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	m := NewManager(store)

	reloads := make(chan string, 1)
	unsub, err := store.Subscribe(ctx, state.ReloadChannel, func(b []byte) { reloads <- string(b) })
	require.NoError(t, err)
	defer unsub()

	// Seed at free, then upgrade.
	_, err = m.GetContext(ctx, "g2", "u1")
	require.NoError(t, err)

	upgraded, err := m.UpgradeTier(ctx, "g2", TierPro)
	require.NoError(t, err)
	assert.Equal(t, TierPro, upgraded.Tier)
	assert.Equal(t, int64(100), upgraded.RateLimits["command"].Max)
	assert.True(t, upgraded.Features[FlagAdvancedAnalytics])

	select {
	case msg := <-reloads:
		assert.Equal(t, "g2", msg)
	case <-time.After(time.Second):
		t.Fatal("reload never published")
	}

	// The next resolve sees the new tier.
	tcx, err := m.GetContext(ctx, "g2", "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tcx.Tier)
}

func TestUpgradeTierUnknownTier(t *testing.T) {
	m := NewManager(state.NewMemory())
	_, err := m.UpgradeTier(context.Background(), "g1", Tier("platinum"))
	assert.Error(t, err)
}

func TestReloaderEvictsAndPurges(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	m := NewManager(store)

	r := NewReloader(store, m, nil)
	stop, err := r.Start(ctx)
	require.NoError(t, err)
	defer stop()

	_, err = m.GetContext(ctx, "g1", "u1")
	require.NoError(t, err)
	_, err = m.GetContext(ctx, "g2", "u1")
	require.NoError(t, err)
	require.Equal(t, 2, m.L1Len())

	require.NoError(t, m.PublishReload(ctx, "g1"))
	require.Eventually(t, func() bool { return m.L1Len() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, m.PublishReloadAll(ctx))
	require.Eventually(t, func() bool { return m.L1Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestDefaultTierTable(t *testing.T) {
	tiers := DefaultTiers()

	free := tiers[TierFree]
	assert.Equal(t, int64(10), free.RateLimits["command"].Max)
	assert.Equal(t, minuteMS, free.RateLimits["command"].WindowMS)
	assert.Equal(t, int64(100), free.RateLimits["eligibility_check"].Max)
	assert.Equal(t, hourMS, free.RateLimits["eligibility_check"].WindowMS)
	assert.Empty(t, free.Features)

	pro := tiers[TierPro]
	assert.Equal(t, int64(100), pro.RateLimits["command"].Max)
	assert.Equal(t, int64(1000), pro.RateLimits["eligibility_check"].Max)
	assert.True(t, pro.Features[FlagAdvancedAnalytics])
	assert.False(t, pro.Features[FlagUnlimitedCommands])

	ent := tiers[TierEnterprise]
	assert.Equal(t, int64(-1), ent.RateLimits["command"].Max)
	assert.Equal(t, int64(-1), ent.RateLimits["eligibility_check"].Max)
	assert.True(t, ent.Features[FlagAdvancedAnalytics])
	assert.True(t, ent.Features[FlagUnlimitedCommands])
}

func TestLoadTierFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pro:
  rate_limits:
    command:
      window_ms: 60000
      max: 250
  features:
    advancedAnalytics: true
`), 0o644))

	table, err := LoadTierFile(path)
	require.NoError(t, err)

	// Overridden tier.
	assert.Equal(t, int64(250), table[TierPro].RateLimits["command"].Max)
	// Untouched tiers keep builtins.
	assert.Equal(t, int64(10), table[TierFree].RateLimits["command"].Max)
	assert.Equal(t, int64(-1), table[TierEnterprise].RateLimits["command"].Max)
}

func TestLoadTierFileRejectsUnknownTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platinum:\n  features: {}\n"), 0o644))

	_, err := LoadTierFile(path)
	assert.Error(t, err)
}
