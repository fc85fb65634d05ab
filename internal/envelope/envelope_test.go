package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireFormatFieldNames(t *testing.T) {
	env := New(TypeCommand("stats"), 2)
	env.GuildID = "g1"
	env.ChannelID = "c1"
	env.UserID = "u1"
	env.InteractionID = "int-1"
	env.InteractionToken = "tok-1"
	env.Trace = Trace{TraceID: "t1", SpanID: "s1", ParentSpanID: "p1"}
	require.NoError(t, env.SetData(map[string]string{"name": "stats"}))

	body, err := env.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))

	for _, field := range []string{
		"event_id", "event_type", "timestamp", "shard_id", "guild_id",
		"channel_id", "user_id", "interaction_id", "interaction_token",
		"trace", "data",
	} {
		assert.Contains(t, raw, field, "missing wire field %q", field)
	}

	// The token field is interaction_token, never a bare token.
	assert.NotContains(t, raw, "token")
	assert.NotContains(t, raw, "type")
	assert.NotContains(t, raw, "eventType")

	var tr map[string]string
	require.NoError(t, json.Unmarshal(raw["trace"], &tr))
	assert.Equal(t, "t1", tr["trace_id"])
	assert.Equal(t, "s1", tr["span_id"])
	assert.Equal(t, "p1", tr["parent_span_id"])
}

func TestEventIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		env := New(KindMessageCreate, 0)
		require.NotEmpty(t, env.EventID)
		assert.False(t, seen[env.EventID], "duplicate event_id %s", env.EventID)
		seen[env.EventID] = true
	}
}

func TestDataRoundTripIsByteIdentical(t *testing.T) {
	// Key order, spacing and nesting must survive untouched.
	payload := []byte(`{"name":"stats","options":[{"n":"period","v":"30d"}],"member":{"permissions":"2147483647"}}`)

	env := New(TypeCommand("stats"), 0)
	env.GuildID = "g1"
	env.InteractionID = "int-1"
	env.InteractionToken = "tok-1"
	env.Data = payload

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, payload, []byte(decoded.Data))
}

func TestValidateInteractionPairing(t *testing.T) {
	env := New(TypeButton("waitlist_join"), 0)
	env.GuildID = "g1"

	// Token without id violates the pairing invariant.
	env.InteractionToken = "tok-1"
	assert.Error(t, env.Validate())

	env.InteractionID = "int-1"
	assert.NoError(t, env.Validate())

	env.InteractionToken = ""
	assert.Error(t, env.Validate())

	// Neither present is fine for non-interaction kinds.
	plain := New(KindMemberJoin, 0)
	plain.GuildID = "g1"
	assert.NoError(t, plain.Validate())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event_type":"message.create","timestamp":1}`))
	assert.Error(t, err, "missing event_id must fail")

	_, err = Decode([]byte(`{"event_id":"e1","timestamp":1}`))
	assert.Error(t, err, "missing event_type must fail")
}

func TestIsInteraction(t *testing.T) {
	assert.True(t, (&Envelope{EventType: TypeCommand("stats")}).IsInteraction())
	assert.True(t, (&Envelope{EventType: TypeModal("prefs_save")}).IsInteraction())
	assert.False(t, (&Envelope{EventType: KindMemberJoin}).IsInteraction())
	assert.False(t, (&Envelope{EventType: KindMessageCreate}).IsInteraction())
}

func TestRoutingKeySanitizesDynamicTail(t *testing.T) {
	// Dots in command names would create bogus topic segments.
	assert.Equal(t, "interaction.command.top_users", RoutingKey(TypeCommand("top.users")))
	assert.Equal(t, "interaction.button.alerts_toggle_p1", RoutingKey(TypeButton("alerts_toggle_p1")))
	assert.Equal(t, "interaction.modal.prefs_v2_save", RoutingKey(TypeModal("prefs.v2.save")))

	// Fixed kinds pass through.
	assert.Equal(t, "member.join", RoutingKey(KindMemberJoin))
	assert.Equal(t, "message.create", RoutingKey(KindMessageCreate))
}

func TestPriorityTable(t *testing.T) {
	cases := map[string]uint8{
		TypeCommand("stats"):            10,
		TypeButton("waitlist_join"):     8,
		TypeModal("prefs_save"):         8,
		TypeAutocomplete("leaderboard"): 6,
		KindMemberJoin:                  5,
		KindMemberLeave:                 5,
		KindGuildJoin:                   4,
		KindGuildLeave:                  4,
		KindMemberUpdate:                3,
		KindMessageCreate:               1,
	}
	for eventType, want := range cases {
		assert.Equal(t, want, Priority(eventType), "priority for %s", eventType)
	}
	assert.Equal(t, uint8(0), Priority("something.else"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "stats", Tail(TypeCommand("stats")))
	assert.Equal(t, "alerts_toggle_p1", Tail(TypeButton("alerts_toggle_p1")))
	assert.Equal(t, "", Tail(KindMemberJoin))
}

func TestInteractionDataAccessor(t *testing.T) {
	env := New(TypeButton("alerts_toggle_p9"), 0)
	env.GuildID = "g1"
	env.InteractionID = "int-1"
	env.InteractionToken = "tok-1"
	require.NoError(t, env.SetData(InteractionData{
		CustomID:      "alerts_toggle_p9",
		ComponentType: ComponentStringSelect,
		Values:        []string{"daily"},
		Member:        &Member{Permissions: "8"},
	}))

	d, err := env.Interaction()
	require.NoError(t, err)
	assert.Equal(t, "alerts_toggle_p9", d.CustomID)
	assert.Equal(t, ComponentStringSelect, d.ComponentType)
	assert.Equal(t, []string{"daily"}, d.Values)
	assert.Equal(t, "8", d.Member.Permissions)
}
