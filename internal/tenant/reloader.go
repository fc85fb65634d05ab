package tenant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arrakis/gateway/internal/state"
)

// Reloader applies tenant invalidations from the store's pub/sub
// channel to a Manager's L1. Messages carry one guild id, or "*" for a
// global flush. Handling never blocks the publisher: the subscription
// delivers on its own goroutine.
type Reloader struct {
	store   state.Store
	manager *Manager
	log     *slog.Logger
}

// NewReloader wires a reloader to a manager.
func NewReloader(store state.Store, manager *Manager, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{store: store, manager: manager, log: log}
}

// Start subscribes and returns the unsubscribe function.
func (r *Reloader) Start(ctx context.Context) (func(), error) {
	unsub, err := r.store.Subscribe(ctx, state.ReloadChannel, r.handle)
	if err != nil {
		return nil, err
	}
	r.log.Info("Tenant reload subscription active", "channel", state.ReloadChannel)
	return unsub, nil
}

func (r *Reloader) handle(payload []byte) {
	msg := strings.TrimSpace(string(payload))
	switch msg {
	case "":
		return
	case state.ReloadAll:
		r.manager.PurgeL1()
		r.log.Info("Tenant cache purged")
	default:
		r.manager.EvictL1(msg)
		r.log.Debug("Tenant cache entry evicted", "guild_id", msg)
	}
}
