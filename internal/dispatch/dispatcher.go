package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/discord"
	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/errs"
	"github.com/arrakis/gateway/internal/metrics"
	"github.com/arrakis/gateway/internal/ratelimit"
	"github.com/arrakis/gateway/internal/tenant"
	"github.com/arrakis/gateway/internal/tracing"
)

// Budgets measured from the envelope timestamp, i.e. gateway receipt.
// The platform rejects interaction callbacks after 3s; deferring by
// 2.5s leaves headroom for clock skew and the REST round trip.
const (
	DeferBudget   = 2500 * time.Millisecond
	HandlerBudget = 15 * time.Second
)

// Stable user-visible strings. Tests pin these; changing one is a
// behavior change, not a copy edit.
const (
	MsgAdminRequired = "Administrator permissions required"
	MsgRateLimited   = "Rate limit exceeded; retry in %d ms"
	MsgNotConfigured = "This server is not configured yet"
	MsgOnboarding    = "This server is still onboarding"
	MsgUnknown       = "Unknown command"
	MsgSessionGone   = "Session expired"
)

// Config wires a Dispatcher.
type Config struct {
	Registry *Registry
	Tenants  *tenant.Manager
	Limiter  *ratelimit.Limiter
	Replier  Replier
	Deps     Deps
	Metrics  *metrics.Worker
	Logger   *slog.Logger
}

// Dispatcher turns consumed envelopes into handler invocations. It is
// the only place that converts failures into broker dispositions.
type Dispatcher struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewDispatcher builds a dispatcher. Registry, Tenants, Limiter and
// Replier are required.
func NewDispatcher(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		log:    log.With("component", "dispatcher"),
		tracer: otel.Tracer("arrakis/dispatch"),
		now:    time.Now,
	}
}

// Handle is the consumer's HandlerFunc: one envelope in, one
// disposition out.
func (d *Dispatcher) Handle(ctx context.Context, env *envelope.Envelope) broker.Disposition {
	ctx = tracing.WithRemote(ctx, env.Trace)
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("event.id", env.EventID),
			attribute.String("event.type", env.EventType),
			attribute.String("guild.id", env.GuildID),
		))
	defer span.End()

	log := d.log.With("event_id", env.EventID, "guild_id", env.GuildID, "event_type", env.EventType)

	if env.GuildID == "" {
		// DMs are rejected at the ingestor; anything without a tenant
		// key that still got here is a no-op.
		log.Debug("Envelope without guild dropped")
		return broker.Drop
	}

	interaction := env.IsInteraction()
	var data *envelope.InteractionData
	if interaction {
		var err error
		data, err = env.Interaction()
		if err != nil {
			d.fail(log, errs.New(errs.Permanent, "dispatch.decode", err))
			return broker.Reject
		}
		// An interaction without its id/token pair cannot be replied
		// to; processing it would only burn the retry budget.
		if env.InteractionID == "" {
			log.Warn("Interaction without id and token acked")
			return broker.Ack
		}
	}

	tcx, err := d.cfg.Tenants.GetContext(ctx, env.GuildID, env.UserID)
	if err != nil {
		d.fail(log, err)
		if errs.IsRetriable(err) {
			return broker.Retry
		}
		return broker.Reject
	}

	if !tcx.Config.Active() {
		if !interaction {
			return broker.Drop
		}
		msg := MsgNotConfigured
		if tcx.Config.Status == tenant.StatusOnboarding {
			msg = MsgOnboarding
		}
		d.respondError(ctx, env, msg, log)
		return broker.Ack
	}

	if interaction && isAdminCommand(env.EventType) {
		if data.Member == nil || !discord.HasAdministrator(data.Member.Permissions) {
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.AdminDenied.Inc()
			}
			log.Info("Admin command denied", "user_id", env.UserID)
			d.respondError(ctx, env, MsgAdminRequired, log)
			return broker.Ack
		}
	}

	if interaction {
		action := actionFor(env.EventType, data)
		res, err := d.cfg.Limiter.Check(ctx, tcx, action)
		if err != nil {
			d.fail(log, err)
			return broker.Retry
		}
		if !res.Allowed {
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.RecordRateLimited(action)
			}
			d.respondError(ctx, env, fmt.Sprintf(MsgRateLimited, res.RetryAfterMS), log)
			return broker.Ack
		}
	}

	// Autocomplete has no deferral; its handler's response is the
	// callback and runs under the same budget via the handler context.
	if interaction && !strings.HasPrefix(env.EventType, envelope.PrefixAutocomplete) {
		if disp, ok := d.deferInteraction(ctx, env, log); !ok {
			return disp
		}
	}

	hctx := tenant.WithContext(ctx, tcx)
	hctx = WithDeps(hctx, d.cfg.Deps)
	hctx, cancel := context.WithDeadline(hctx, env.ReceivedAt().Add(HandlerBudget))
	defer cancel()

	handler, ok := d.cfg.Registry.Lookup(env.EventType)
	if !ok {
		if interaction {
			d.unknown(hctx, env, log)
			return broker.Ack
		}
		// Unregistered event kinds are permanent: requeueing cannot
		// make a handler appear.
		d.fail(log, errs.Newf(errs.Permanent, "dispatch.route", "no handler for %s", env.EventType))
		return broker.Reject
	}

	start := d.now()
	disp, herr := handler(hctx, env)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ObserveHandler(env.EventType, d.now().Sub(start).Seconds())
	}
	if herr != nil {
		d.fail(log.With("disposition", disp.String()), herr)
	}
	return disp
}

// deferInteraction performs the first REST call under the hard budget.
// ok=false carries the disposition to return instead of running the
// handler.
func (d *Dispatcher) deferInteraction(ctx context.Context, env *envelope.Envelope, log *slog.Logger) (broker.Disposition, bool) {
	deadline := env.ReceivedAt().Add(DeferBudget)
	if !d.now().Before(deadline) {
		// The platform already rejected this interaction; a followup
		// would bounce too.
		d.missDeadline(log, env, "expired before dispatch")
		return broker.Reject, false
	}

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var err error
	if strings.HasPrefix(env.EventType, envelope.PrefixButton) {
		err = d.cfg.Replier.DeferUpdate(dctx, env.InteractionID, env.InteractionToken)
	} else {
		err = d.cfg.Replier.DeferReply(dctx, env.InteractionID, env.InteractionToken, false)
	}
	if err != nil {
		// A redelivered interaction was already deferred on its first
		// pass; the handler still owes its reply.
		if discord.IsAlreadyAcknowledged(err) {
			log.Debug("Interaction already acknowledged, running handler")
			return broker.Ack, true
		}
		if errs.IsRetriable(err) && d.now().Before(deadline) {
			// The broker redelivery may still make the window.
			d.fail(log, err)
			return broker.Retry, false
		}
		d.missDeadline(log, env, err.Error())
		return broker.Reject, false
	}
	return broker.Ack, true
}

func (d *Dispatcher) missDeadline(log *slog.Logger, env *envelope.Envelope, reason string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DeadlineMisses.Inc()
		d.cfg.Metrics.RecordHandlerError(errs.DeadlineMiss.String())
	}
	log.Error("Interaction deferral deadline missed",
		"age_ms", d.now().Sub(env.ReceivedAt()).Milliseconds(), "reason", reason)
}

// respondError sends the stable error embed as the interaction's
// immediate callback. Best effort: a failed reply only logs.
func (d *Dispatcher) respondError(ctx context.Context, env *envelope.Envelope, description string, log *slog.Logger) {
	if env.InteractionID == "" {
		return
	}
	if err := d.cfg.Replier.RespondError(ctx, env.InteractionID, env.InteractionToken, description); err != nil {
		log.Warn("Error reply failed", "error", err)
	}
}

// unknown answers an unregistered interaction after the deferral with
// the fallback embed.
func (d *Dispatcher) unknown(ctx context.Context, env *envelope.Envelope, log *slog.Logger) {
	log.Warn("No handler registered, replying unknown")
	if strings.HasPrefix(env.EventType, envelope.PrefixAutocomplete) {
		// Empty choices are the autocomplete equivalent of a shrug.
		if err := d.cfg.Replier.RespondAutocomplete(ctx, env.InteractionID, env.InteractionToken, nil); err != nil {
			log.Warn("Autocomplete fallback failed", "error", err)
		}
		return
	}
	if err := d.cfg.Replier.SendFollowup(ctx, env.InteractionToken, discord.ErrorEmbed(MsgUnknown)); err != nil {
		log.Warn("Unknown command reply failed", "error", err)
	}
}

func (d *Dispatcher) fail(log *slog.Logger, err error) {
	kind := errs.KindOf(err)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordHandlerError(kind.String())
	}
	switch kind {
	case errs.Permanent, errs.Fatal:
		log.Error("Dispatch failed", "kind", kind.String(), "error", err)
	default:
		log.Warn("Dispatch failed", "kind", kind.String(), "error", err)
	}
}

// isAdminCommand reports whether a command requires the administrator
// bit: the "admin" command itself and anything namespaced under it.
func isAdminCommand(eventType string) bool {
	name := strings.TrimPrefix(eventType, envelope.PrefixCommand)
	if name == eventType {
		return false
	}
	return name == "admin" || strings.HasPrefix(name, "admin-") || strings.HasPrefix(name, "admin_")
}

// actionFor maps an interaction kind onto its rate-limit action.
// Buttons and selects share an event family; the component type in the
// payload tells them apart.
func actionFor(eventType string, data *envelope.InteractionData) string {
	switch {
	case strings.HasPrefix(eventType, envelope.PrefixCommand):
		return ratelimit.ActionCommand
	case strings.HasPrefix(eventType, envelope.PrefixModal):
		return ratelimit.ActionModal
	case strings.HasPrefix(eventType, envelope.PrefixAutocomplete):
		return ratelimit.ActionAutocomplete
	case strings.HasPrefix(eventType, envelope.PrefixButton):
		if data != nil && data.ComponentType >= envelope.ComponentStringSelect {
			return ratelimit.ActionSelect
		}
		return ratelimit.ActionButton
	default:
		return ratelimit.ActionCommand
	}
}
