package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/metrics"
)

// recordingPublisher captures published envelopes and can fail on demand.
type recordingPublisher struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	err  error
}

func (p *recordingPublisher) Publish(env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) published() []*envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*envelope.Envelope(nil), p.envs...)
}

type recordingReplier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReplier) RespondError(ctx context.Context, id, token, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, description)
	return nil
}

func (r *recordingReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newIngestor(t *testing.T, pub Publisher) (*Ingestor, *metrics.Ingestor) {
	t.Helper()
	m := metrics.NewIngestor(prometheus.NewRegistry())
	ing := New(Config{ShardID: 0, Metrics: m})
	ing.pub = pub
	return ing, m
}

func rawCommandInteraction(name string) json.RawMessage {
	return json.RawMessage(`{
		"id": "int-1", "type": 2, "token": "tok-1",
		"guild_id": "g1", "channel_id": "c1",
		"member": {"user": {"id": "u1"}, "permissions": "8", "roles": ["r1"]},
		"data": {"name": "` + name + `"}
	}`)
}

func TestInteractionCommandBecomesEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ing.OnEvent("INTERACTION_CREATE", rawCommandInteraction("stats"))

	envs := pub.published()
	require.Len(t, envs, 1)
	env := envs[0]
	assert.Equal(t, "interaction.command.stats", env.EventType)
	assert.Equal(t, "g1", env.GuildID)
	assert.Equal(t, "c1", env.ChannelID)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, "int-1", env.InteractionID)
	assert.Equal(t, "tok-1", env.InteractionToken)
	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.Trace.TraceID)
	assert.Greater(t, env.Timestamp, int64(0))

	data, err := env.Interaction()
	require.NoError(t, err)
	assert.Equal(t, "stats", data.Name)
	require.NotNil(t, data.Member)
	assert.Equal(t, "8", data.Member.Permissions)
}

func TestComponentTypesMapToEventFamilies(t *testing.T) {
	cases := []struct {
		wireType int
		field    string
		value    string
		want     string
	}{
		{3, "custom_id", "page_next_2", "interaction.button.page_next_2"},
		{4, "name", "stats", "interaction.autocomplete.stats"},
		{5, "custom_id", "prefs_form", "interaction.modal.prefs_form"},
	}
	for _, tc := range cases {
		pub := &recordingPublisher{}
		ing, _ := newIngestor(t, pub)

		raw := json.RawMessage(`{"id":"i","type":` + strconv.Itoa(tc.wireType) +
			`,"token":"t","guild_id":"g1","data":{"` + tc.field + `":"` + tc.value + `"}}`)
		ing.OnEvent("INTERACTION_CREATE", raw)

		envs := pub.published()
		require.Len(t, envs, 1, "wire type %d", tc.wireType)
		assert.Equal(t, tc.want, envs[0].EventType)
	}
}

func TestPingIsIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("INTERACTION_CREATE", json.RawMessage(`{"id":"i","type":1,"token":"t"}`))

	assert.Empty(t, pub.published())
	assert.Zero(t, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropDMInteraction)))
}

func TestDMInteractionRejected(t *testing.T) {
	pub := &recordingPublisher{}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("INTERACTION_CREATE", json.RawMessage(
		`{"id":"i","type":2,"token":"t","user":{"id":"u1"},"data":{"name":"stats"}}`))

	assert.Empty(t, pub.published(), "DM interactions never reach the broker")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropDMInteraction)))
}

func TestMemberEvents(t *testing.T) {
	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ing.OnEvent("GUILD_MEMBER_ADD", json.RawMessage(
		`{"guild_id":"g1","user":{"id":"u1","username":"paul","discriminator":"0001"}}`))
	ing.OnEvent("GUILD_MEMBER_REMOVE", json.RawMessage(`{"guild_id":"g1","user":{"id":"u2"}}`))
	ing.OnEvent("GUILD_MEMBER_UPDATE", json.RawMessage(
		`{"guild_id":"g1","user":{"id":"u3"},"roles":["r1","r2"],"nick":"muaddib"}`))

	envs := pub.published()
	require.Len(t, envs, 3)
	assert.Equal(t, envelope.KindMemberJoin, envs[0].EventType)
	assert.Equal(t, "u1", envs[0].UserID)

	data, err := envs[0].MemberEvent()
	require.NoError(t, err)
	assert.Equal(t, "paul", data.Username)
	assert.Equal(t, "0001", data.Discriminator)

	assert.Equal(t, envelope.KindMemberLeave, envs[1].EventType)

	assert.Equal(t, envelope.KindMemberUpdate, envs[2].EventType)
	update, err := envs[2].MemberEvent()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, update.Roles)
	assert.Equal(t, "muaddib", update.Nick)
}

func TestGuildEvents(t *testing.T) {
	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ing.OnEvent("GUILD_CREATE", json.RawMessage(`{"id":"g1","name":"Sietch","member_count":1200}`))
	ing.OnEvent("GUILD_DELETE", json.RawMessage(`{"id":"g1"}`))
	// Unavailable deletes are outages, not departures.
	ing.OnEvent("GUILD_DELETE", json.RawMessage(`{"id":"g2","unavailable":true}`))

	envs := pub.published()
	require.Len(t, envs, 2)
	assert.Equal(t, envelope.KindGuildJoin, envs[0].EventType)
	assert.Equal(t, "g1", envs[0].GuildID)

	data, err := envs[0].GuildEvent()
	require.NoError(t, err)
	assert.Equal(t, "Sietch", data.Name)
	assert.Equal(t, 1200, data.MemberCount)

	assert.Equal(t, envelope.KindGuildLeave, envs[1].EventType)
}

func TestMessageCreate(t *testing.T) {
	pub := &recordingPublisher{}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("MESSAGE_CREATE", json.RawMessage(
		`{"id":"m1","guild_id":"g1","channel_id":"c1","author":{"id":"u1"},"content":"hi"}`))
	// Bot and DM messages are not forwarded.
	ing.OnEvent("MESSAGE_CREATE", json.RawMessage(
		`{"id":"m2","guild_id":"g1","channel_id":"c1","author":{"id":"b1","bot":true}}`))
	ing.OnEvent("MESSAGE_CREATE", json.RawMessage(
		`{"id":"m3","channel_id":"c9","author":{"id":"u1"}}`))

	envs := pub.published()
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindMessageCreate, envs[0].EventType)
	assert.Equal(t, "u1", envs[0].UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropDM)))
}

func TestUnknownDispatchTypesIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ing.OnEvent("TYPING_START", json.RawMessage(`{"guild_id":"g1"}`))
	ing.OnEvent("PRESENCE_UPDATE", json.RawMessage(`{}`))

	assert.Empty(t, pub.published())
}

func TestBufferFullDropsEvent(t *testing.T) {
	pub := &recordingPublisher{err: broker.ErrBufferFull}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("MESSAGE_CREATE", json.RawMessage(
		`{"id":"m1","guild_id":"g1","channel_id":"c1","author":{"id":"u1"}}`))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropBufferFull)))
	assert.Zero(t, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropPublishFailed)))
}

func TestClosedPublisherDropsAsPublishFailed(t *testing.T) {
	pub := &recordingPublisher{err: broker.ErrClosed}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("MESSAGE_CREATE", json.RawMessage(
		`{"id":"m1","guild_id":"g1","channel_id":"c1","author":{"id":"u1"}}`))

	// Only back-pressure counts as buffer_full; everything else is a
	// publish failure.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropPublishFailed)))
	assert.Zero(t, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropBufferFull)))
}

func TestEnvelopeCarriesRootSpanIdentity(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ing.OnEvent("INTERACTION_CREATE", rawCommandInteraction("stats"))

	envs := pub.published()
	require.Len(t, envs, 1)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ingest", spans[0].Name())
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), envs[0].Trace.TraceID)
	assert.Equal(t, spans[0].SpanContext().SpanID().String(), envs[0].Trace.SpanID)
}

func TestInteractionPublishFailureRepliesOnce(t *testing.T) {
	pub := &recordingPublisher{}
	replier := &recordingReplier{}
	m := metrics.NewIngestor(prometheus.NewRegistry())
	ing := New(Config{ShardID: 0, Errors: replier, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx, pub)
	defer ing.Close()

	env := envelope.New("interaction.command.stats", 0)
	env.GuildID = "g1"
	env.InteractionID = "int-1"
	env.InteractionToken = "tok-1"

	ing.OnResult(broker.Result{Env: env, Err: errors.New("channel gone")})

	require.Eventually(t, func() bool { return replier.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, MsgPublishFailed, replier.calls[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropPublishFailed)))
	assert.Empty(t, pub.published(), "interactions are never re-published")
}

func TestEventPublishFailureRetriesThenDrops(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("still down")}
	m := metrics.NewIngestor(prometheus.NewRegistry())
	ing := New(Config{ShardID: 0, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx, pub)
	defer ing.Close()

	env := envelope.New(envelope.KindMemberJoin, 0)
	env.GuildID = "g1"

	// First failure comes back from the writer; the retry publish also
	// fails synchronously, so one result settles the event.
	ing.OnResult(broker.Result{Env: env, Err: errors.New("confirm timeout")})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropPublishFailed)) == 1.0
	}, time.Second, 10*time.Millisecond)
}

func TestEventPublishRetrySucceeds(t *testing.T) {
	pub := &recordingPublisher{}
	ing, _ := newIngestor(t, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx, pub)
	defer ing.Close()

	env := envelope.New(envelope.KindGuildJoin, 0)
	env.GuildID = "g1"

	ing.OnResult(broker.Result{Env: env, Err: errors.New("confirm timeout")})

	require.Eventually(t, func() bool { return len(pub.published()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, env.EventID, pub.published()[0].EventID, "the same envelope is retried, not a copy")
}

func TestReceivedMetricCountsByKind(t *testing.T) {
	pub := &recordingPublisher{}
	ing, m := newIngestor(t, pub)

	ing.OnEvent("INTERACTION_CREATE", rawCommandInteraction("stats"))
	ing.OnEvent("INTERACTION_CREATE", rawCommandInteraction("stats"))

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.EventsReceived.WithLabelValues("0", "interaction.command.stats")))
}
