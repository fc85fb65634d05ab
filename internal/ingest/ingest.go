// Package ingest turns raw gateway dispatch frames into envelopes and
// pushes them at the broker, applying the drop-versus-retry policy on
// publish failure. It holds no event state: every frame either becomes
// exactly one envelope or is dropped with a counter.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/metrics"
	"github.com/arrakis/gateway/internal/tracing"
)

// Drop reasons, used as metric label values.
const (
	DropBufferFull    = "buffer_full"
	DropPublishFailed = "publish_failed"
	DropDMInteraction = "dm_interaction"
	DropDM            = "dm"
	DropUnsupported   = "unsupported"
	DropMalformed     = "malformed"
)

// MsgPublishFailed is the best-effort reply for an interaction whose
// envelope never reached the broker.
const MsgPublishFailed = "Service is temporarily unavailable; please try again"

// Non-interaction publish failures retry in the background: at most
// three attempts inside a one second budget.
const (
	maxPublishAttempts = 3
	publishRetryDelay  = 150 * time.Millisecond
)

// Publisher is the broker seam. *broker.Publisher implements it.
type Publisher interface {
	Publish(env *envelope.Envelope) error
}

// ErrorReplier is the one REST call the ingestor ever makes: a
// synchronous error back to the user when an interaction cannot be
// enqueued. *discord.Replier implements it.
type ErrorReplier interface {
	RespondError(ctx context.Context, interactionID, token, description string) error
}

// Config wires an Ingestor.
type Config struct {
	ShardID int
	Errors  ErrorReplier // optional; nil drops silently
	Metrics *metrics.Ingestor
	Logger  *slog.Logger
}

// Ingestor classifies gateway frames and publishes envelopes. OnEvent
// runs on the gateway read loop and never blocks: the publisher's
// intake is bounded and failures are settled asynchronously through
// OnResult.
type Ingestor struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	pub     Publisher
	results chan broker.Result
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New builds an ingestor. Start binds the publisher and launches the
// retry loop.
func New(cfg Config) *Ingestor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		cfg:     cfg,
		log:     log.With("component", "ingest", "shard_id", cfg.ShardID),
		tracer:  otel.Tracer("arrakis/ingest"),
		results: make(chan broker.Result, 256),
		done:    make(chan struct{}),
	}
}

// Start attaches the publisher and runs the failure loop until ctx
// ends or Close is called.
func (i *Ingestor) Start(ctx context.Context, pub Publisher) {
	i.pub = pub
	i.wg.Add(1)
	go i.failureLoop(ctx)
}

// Close stops the failure loop.
func (i *Ingestor) Close() {
	i.once.Do(func() { close(i.done) })
	i.wg.Wait()
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// OnEvent is the gateway's dispatch callback. It must stay fast and
// non-blocking; anything slow happens downstream of the publish buffer.
// Each forwarded event opens the root span; the envelope carries its
// ids so worker spans join the same trace.
func (i *Ingestor) OnEvent(eventType string, data json.RawMessage) {
	ctx, span := i.tracer.Start(context.Background(), "ingest",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("gateway.dispatch", eventType)))
	defer span.End()

	env, reason := i.classify(ctx, eventType, data)
	if env == nil {
		if reason != "" {
			span.SetAttributes(attribute.String("drop.reason", reason))
			i.drop(reason)
		}
		return
	}

	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
	)
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.RecordReceived(strconv.Itoa(i.cfg.ShardID), env.EventType)
	}

	if err := i.pub.Publish(env); err != nil {
		// Back-pressure: interactions get a best-effort synchronous
		// error, everything else is shed so the read loop never stalls.
		reason := DropPublishFailed
		if errors.Is(err, broker.ErrBufferFull) {
			reason = DropBufferFull
		}
		if env.IsInteraction() {
			i.replyPublishFailure(env)
		} else {
			i.log.Warn("Event publish failed at intake",
				"event_type", env.EventType, "reason", reason, "error", err)
		}
		i.drop(reason)
	}
}

// classify builds the envelope for one frame, or reports why none was
// built. An empty reason means the frame is simply not forwarded
// (other shards' noise, unsupported dispatch types the intent set
// still leaks).
func (i *Ingestor) classify(ctx context.Context, eventType string, data json.RawMessage) (*envelope.Envelope, string) {
	switch eventType {
	case "INTERACTION_CREATE":
		return i.classifyInteraction(ctx, data)
	case "GUILD_MEMBER_ADD":
		return i.classifyMember(ctx, envelope.KindMemberJoin, data)
	case "GUILD_MEMBER_REMOVE":
		return i.classifyMember(ctx, envelope.KindMemberLeave, data)
	case "GUILD_MEMBER_UPDATE":
		return i.classifyMember(ctx, envelope.KindMemberUpdate, data)
	case "GUILD_CREATE":
		return i.classifyGuild(ctx, envelope.KindGuildJoin, data)
	case "GUILD_DELETE":
		return i.classifyGuild(ctx, envelope.KindGuildLeave, data)
	case "MESSAGE_CREATE":
		return i.classifyMessage(ctx, data)
	default:
		return nil, ""
	}
}

// Interaction wire types.
const (
	interactionPing         = 1
	interactionCommand      = 2
	interactionComponent    = 3
	interactionAutocomplete = 4
	interactionModal        = 5
)

type wireUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Bot           bool   `json:"bot"`
}

type wireMember struct {
	User        *wireUser `json:"user"`
	Permissions string    `json:"permissions"`
	Roles       []string  `json:"roles"`
	Nick        string    `json:"nick"`
}

type wireInteraction struct {
	ID        string      `json:"id"`
	Type      int         `json:"type"`
	Token     string      `json:"token"`
	GuildID   string      `json:"guild_id"`
	ChannelID string      `json:"channel_id"`
	Member    *wireMember `json:"member"`
	User      *wireUser   `json:"user"`
	Data      struct {
		Name          string          `json:"name"`
		CustomID      string          `json:"custom_id"`
		ComponentType int             `json:"component_type"`
		Options       json.RawMessage `json:"options"`
		Values        []string        `json:"values"`
	} `json:"data"`
}

func (i *Ingestor) classifyInteraction(ctx context.Context, data json.RawMessage) (*envelope.Envelope, string) {
	var in wireInteraction
	if err := json.Unmarshal(data, &in); err != nil {
		i.log.Error("Interaction decode failed", "error", err)
		return nil, DropMalformed
	}
	if in.Type == interactionPing {
		return nil, ""
	}
	// DM interactions have no tenant key and are rejected here, before
	// the broker ever sees them.
	if in.GuildID == "" {
		i.log.Debug("DM interaction rejected")
		return nil, DropDMInteraction
	}

	var eventType string
	switch in.Type {
	case interactionCommand:
		eventType = envelope.TypeCommand(in.Data.Name)
	case interactionComponent:
		eventType = envelope.TypeButton(in.Data.CustomID)
	case interactionAutocomplete:
		eventType = envelope.TypeAutocomplete(in.Data.Name)
	case interactionModal:
		eventType = envelope.TypeModal(in.Data.CustomID)
	default:
		return nil, DropUnsupported
	}

	env := i.newEnvelope(ctx, eventType)
	env.GuildID = in.GuildID
	env.ChannelID = in.ChannelID
	env.InteractionID = in.ID
	env.InteractionToken = in.Token

	payload := envelope.InteractionData{
		Name:          in.Data.Name,
		CustomID:      in.Data.CustomID,
		ComponentType: in.Data.ComponentType,
		Options:       in.Data.Options,
		Values:        in.Data.Values,
	}
	if in.Member != nil {
		payload.Member = &envelope.Member{
			Permissions: in.Member.Permissions,
			Roles:       in.Member.Roles,
			Nick:        in.Member.Nick,
		}
		if in.Member.User != nil {
			env.UserID = in.Member.User.ID
		}
	}
	if env.UserID == "" && in.User != nil {
		env.UserID = in.User.ID
	}
	if err := env.SetData(&payload); err != nil {
		i.log.Error("Interaction payload encode failed", "error", err)
		return nil, DropMalformed
	}
	return env, ""
}

type wireMemberEvent struct {
	GuildID string    `json:"guild_id"`
	User    *wireUser `json:"user"`
	Roles   []string  `json:"roles"`
	Nick    string    `json:"nick"`
}

func (i *Ingestor) classifyMember(ctx context.Context, kind string, data json.RawMessage) (*envelope.Envelope, string) {
	var ev wireMemberEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		i.log.Error("Member event decode failed", "kind", kind, "error", err)
		return nil, DropMalformed
	}
	if ev.GuildID == "" {
		return nil, DropDM
	}

	env := i.newEnvelope(ctx, kind)
	env.GuildID = ev.GuildID
	payload := envelope.MemberEventData{Roles: ev.Roles, Nick: ev.Nick}
	if ev.User != nil {
		env.UserID = ev.User.ID
		payload.Username = ev.User.Username
		payload.Discriminator = ev.User.Discriminator
	}
	if err := env.SetData(&payload); err != nil {
		return nil, DropMalformed
	}
	return env, ""
}

type wireGuildEvent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
	Unavailable bool   `json:"unavailable"`
}

func (i *Ingestor) classifyGuild(ctx context.Context, kind string, data json.RawMessage) (*envelope.Envelope, string) {
	var ev wireGuildEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		i.log.Error("Guild event decode failed", "kind", kind, "error", err)
		return nil, DropMalformed
	}
	// An unavailable delete is a platform outage, not a guild leaving.
	if ev.Unavailable && kind == envelope.KindGuildLeave {
		return nil, ""
	}

	env := i.newEnvelope(ctx, kind)
	env.GuildID = ev.ID
	if err := env.SetData(&envelope.GuildEventData{Name: ev.Name, MemberCount: ev.MemberCount}); err != nil {
		return nil, DropMalformed
	}
	return env, ""
}

type wireMessage struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	Author    *wireUser `json:"author"`
	Content   string    `json:"content"`
}

func (i *Ingestor) classifyMessage(ctx context.Context, data json.RawMessage) (*envelope.Envelope, string) {
	var ev wireMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		i.log.Error("Message decode failed", "error", err)
		return nil, DropMalformed
	}
	if ev.GuildID == "" {
		return nil, DropDM
	}
	// Bot traffic would loop the pipeline back into itself.
	if ev.Author != nil && ev.Author.Bot {
		return nil, ""
	}

	env := i.newEnvelope(ctx, envelope.KindMessageCreate)
	env.GuildID = ev.GuildID
	env.ChannelID = ev.ChannelID
	if ev.Author != nil {
		env.UserID = ev.Author.ID
	}
	if err := env.SetData(map[string]string{"message_id": ev.ID, "content": ev.Content}); err != nil {
		return nil, DropMalformed
	}
	return env, ""
}

func (i *Ingestor) newEnvelope(ctx context.Context, eventType string) *envelope.Envelope {
	env := envelope.New(eventType, i.cfg.ShardID)
	env.Trace = tracing.SpanTrace(ctx)
	return env
}

// ============================================================================
// FAILURE POLICY
// ============================================================================

// OnResult receives every settled publish from the publisher's writer
// goroutine. It must not block; a full results channel sheds straight
// to the drop counter.
func (i *Ingestor) OnResult(res broker.Result) {
	select {
	case i.results <- res:
	default:
		if res.Err != nil {
			i.drop(DropPublishFailed)
		}
	}
}

// failureLoop settles failed publishes: interactions answer the user
// once and drop, everything else retries inside the bounded budget.
func (i *Ingestor) failureLoop(ctx context.Context) {
	defer i.wg.Done()
	attempts := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.done:
			return
		case res := <-i.results:
			if res.Err == nil {
				delete(attempts, res.Env.EventID)
				continue
			}

			if res.Env.IsInteraction() {
				delete(attempts, res.Env.EventID)
				i.log.Error("Interaction publish failed, dropping",
					"event_id", res.Env.EventID, "event_type", res.Env.EventType, "error", res.Err)
				i.replyPublishFailure(res.Env)
				i.drop(DropPublishFailed)
				continue
			}

			n := attempts[res.Env.EventID] + 1
			if n >= maxPublishAttempts {
				delete(attempts, res.Env.EventID)
				i.log.Warn("Event publish failed after retries, dropping",
					"event_id", res.Env.EventID, "event_type", res.Env.EventType, "error", res.Err)
				i.drop(DropPublishFailed)
				continue
			}
			attempts[res.Env.EventID] = n

			select {
			case <-time.After(time.Duration(n) * publishRetryDelay):
			case <-ctx.Done():
				return
			case <-i.done:
				return
			}
			if err := i.pub.Publish(res.Env); err != nil {
				delete(attempts, res.Env.EventID)
				i.drop(DropPublishFailed)
			}
		}
	}
}

// replyPublishFailure tells the user their interaction is lost, if the
// callback window is still open. The gateway session is never touched.
func (i *Ingestor) replyPublishFailure(env *envelope.Envelope) {
	if i.cfg.Errors == nil || env.InteractionID == "" {
		return
	}
	deadline := env.ReceivedAt().Add(DeferBudgetMargin)
	if !time.Now().Before(deadline) {
		return
	}
	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		if err := i.cfg.Errors.RespondError(ctx, env.InteractionID, env.InteractionToken, MsgPublishFailed); err != nil {
			i.log.Warn("Interaction failure reply failed", "event_id", env.EventID, "error", err)
		}
	}()
}

// DeferBudgetMargin bounds the best-effort error reply to the same
// window the worker would have had to defer in.
const DeferBudgetMargin = 2500 * time.Millisecond

func (i *Ingestor) drop(reason string) {
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.RecordDropped(reason)
	}
}
