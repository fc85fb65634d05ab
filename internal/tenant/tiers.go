package tenant

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// TierSpec is one tier's limits and flags.
type TierSpec struct {
	RateLimits map[string]Limit `yaml:"rate_limits"`
	Features   map[string]bool  `yaml:"features"`
}

// TierTable maps tier name to spec. The zero table is invalid; use
// DefaultTiers or LoadTierFile.
type TierTable map[Tier]TierSpec

const (
	minuteMS = int64(time.Minute / time.Millisecond)
	hourMS   = int64(time.Hour / time.Millisecond)
)

// DefaultTiers is the authoritative built-in table.
func DefaultTiers() TierTable {
	return TierTable{
		TierFree: {
			RateLimits: map[string]Limit{
				"command":           {WindowMS: minuteMS, Max: 10},
				"eligibility_check": {WindowMS: hourMS, Max: 100},
			},
			Features: map[string]bool{},
		},
		TierPro: {
			RateLimits: map[string]Limit{
				"command":           {WindowMS: minuteMS, Max: 100},
				"eligibility_check": {WindowMS: hourMS, Max: 1000},
			},
			Features: map[string]bool{
				FlagAdvancedAnalytics: true,
			},
		},
		TierEnterprise: {
			RateLimits: map[string]Limit{
				"command":           {WindowMS: minuteMS, Max: -1},
				"eligibility_check": {WindowMS: hourMS, Max: -1},
			},
			Features: map[string]bool{
				FlagAdvancedAnalytics: true,
				FlagUnlimitedCommands: true,
			},
		},
	}
}

// LoadTierFile reads a YAML override for the tier table. Tiers absent
// from the file keep their built-in spec.
func LoadTierFile(path string) (TierTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw map[string]TierSpec
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("tenant: parse tier file %s: %w", path, err)
	}

	table := DefaultTiers()
	for name, spec := range raw {
		tier := Tier(name)
		switch tier {
		case TierFree, TierPro, TierEnterprise:
			table[tier] = spec
		default:
			return nil, fmt.Errorf("tenant: tier file %s names unknown tier %q", path, name)
		}
	}
	return table, nil
}

// NewConfig builds a fresh config for a guild at the given tier.
func (t TierTable) NewConfig(guildID string, tier Tier) *Config {
	spec, ok := t[tier]
	if !ok {
		spec = t[TierFree]
	}
	now := time.Now().UnixMilli()

	limits := make(map[string]Limit, len(spec.RateLimits))
	for k, v := range spec.RateLimits {
		limits[k] = v
	}
	features := make(map[string]bool, len(spec.Features))
	for k, v := range spec.Features {
		features[k] = v
	}

	return &Config{
		GuildID:    guildID,
		Tier:       tier,
		Status:     StatusActive,
		RateLimits: limits,
		Features:   features,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
