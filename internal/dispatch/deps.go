package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/arrakis/gateway/internal/discord"
	"github.com/arrakis/gateway/internal/ratelimit"
	"github.com/arrakis/gateway/internal/state"
)

// Replier is the REST surface handlers and the dispatcher reply
// through. *discord.Replier implements it; tests use a stub.
type Replier interface {
	DeferReply(ctx context.Context, interactionID, token string, ephemeral bool) error
	DeferUpdate(ctx context.Context, interactionID, token string) error
	Respond(ctx context.Context, interactionID, token string, msg *discord.Message) error
	RespondError(ctx context.Context, interactionID, token, description string) error
	RespondAutocomplete(ctx context.Context, interactionID, token string, choices []discord.Choice) error
	UpdateMessage(ctx context.Context, interactionID, token string, msg *discord.Message) error
	SendFollowup(ctx context.Context, token string, msg *discord.Message) error
	EditOriginal(ctx context.Context, token string, msg *discord.Message) error
	SendDM(ctx context.Context, userID string, msg *discord.Message) error
	AssignRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Deps is everything a handler may reach for. Handlers receive it
// through their context instead of importing each other, which is what
// keeps the registry a seam.
type Deps struct {
	Replier   Replier
	Store     state.Store
	Sessions  *state.Sessions
	Cooldowns *state.Cooldowns
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger

	// Nil when the worker runs without DATABASE_URL.
	DB *sql.DB
}

type depsKeyType int

const depsKey depsKeyType = iota

// WithDeps attaches the handler dependencies to ctx.
func WithDeps(ctx context.Context, d Deps) context.Context {
	return context.WithValue(ctx, depsKey, d)
}

// DepsFrom extracts the handler dependencies.
func DepsFrom(ctx context.Context) (Deps, error) {
	d, ok := ctx.Value(depsKey).(Deps)
	if !ok {
		return Deps{}, errors.New("dispatch: deps missing from context")
	}
	return d, nil
}
