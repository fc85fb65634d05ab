package state

import (
	"fmt"
	"strconv"
)

// The shared key space. Everything cross-process lives under these
// prefixes; nothing else writes to the store.
const (
	// ReloadChannel carries tenant invalidations: a guild id, or "*"
	// for a global flush.
	ReloadChannel = "tenant:reload"

	// ReloadAll is the global invalidation payload.
	ReloadAll = "*"
)

// TenantConfigKey keys a tenant's JSON config. No TTL.
func TenantConfigKey(guildID string) string {
	return "tenant:config:" + guildID
}

// CooldownKey keys a user's per-command cooldown.
func CooldownKey(command, userID string) string {
	return fmt.Sprintf("cd:%s:%s", command, userID)
}

// SessionKey keys a user's multi-step UI session state.
func SessionKey(kind, userID string) string {
	return fmt.Sprintf("sess:%s:%s", kind, userID)
}

// RateKey keys one fixed rate-limit window.
func RateKey(tenantID, action string, window int64) string {
	return fmt.Sprintf("rl:%s:%s:%s", tenantID, action, strconv.FormatInt(window, 10))
}

// IdemKey keys an idempotency marker.
func IdemKey(eventID string) string {
	return "idem:" + eventID
}
