package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/gateway/internal/errs"
)

// capture records every request the replier makes.
type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]interface{}
	status   []int // per-request status to answer with; last repeats
	body     string
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var decoded map[string]interface{}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		json.Unmarshal(raw, &decoded)
	}
	c.requests = append(c.requests, r.Clone(r.Context()))
	c.bodies = append(c.bodies, decoded)

	n := len(c.requests) - 1
	if n >= len(c.status) {
		n = len(c.status) - 1
	}
	w.WriteHeader(c.status[n])
	if c.body != "" {
		io.WriteString(w, c.body)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newTestReplier(t *testing.T, c *capture) *Replier {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	return NewReplier(ReplierConfig{
		ApplicationID: "app-1",
		BotToken:      "bot-token",
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
	})
}

func TestDeferReplySendsCallback(t *testing.T) {
	c := &capture{status: []int{http.StatusNoContent}}
	r := newTestReplier(t, c)

	require.NoError(t, r.DeferReply(context.Background(), "int-1", "tok-1", false))

	require.Equal(t, 1, c.count())
	req := c.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/interactions/int-1/tok-1/callback", req.URL.Path)
	// Callbacks authenticate by token-in-path, never by bot token.
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, float64(callbackDeferMessage), c.bodies[0]["type"])
}

func TestDeferUpdateUsesUpdateCallback(t *testing.T) {
	c := &capture{status: []int{http.StatusNoContent}}
	r := newTestReplier(t, c)

	require.NoError(t, r.DeferUpdate(context.Background(), "int-1", "tok-1"))
	assert.Equal(t, float64(callbackDeferUpdate), c.bodies[0]["type"])
}

func TestRespondAutocompleteSendsEmptyChoices(t *testing.T) {
	c := &capture{status: []int{http.StatusNoContent}}
	r := newTestReplier(t, c)

	require.NoError(t, r.RespondAutocomplete(context.Background(), "int-1", "tok-1", nil))

	assert.Equal(t, float64(callbackAutocompleteResult), c.bodies[0]["type"])
	data, ok := c.bodies[0]["data"].(map[string]interface{})
	require.True(t, ok)
	choices, ok := data["choices"].([]interface{})
	require.True(t, ok, "nil choices must serialize as an empty array, not null")
	assert.Empty(t, choices)
}

func TestRateLimitRetriesWithAdvisedWait(t *testing.T) {
	c := &capture{
		status: []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK},
		body:   `{"retry_after":0.01}`,
	}
	r := newTestReplier(t, c)

	start := time.Now()
	err := r.SendFollowup(context.Background(), "tok-1", &Message{Content: "hi"})

	require.NoError(t, err)
	assert.Equal(t, 3, c.count())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "both advised waits are honored")
}

func TestRateLimitSurfacesAfterTwoRetries(t *testing.T) {
	c := &capture{status: []int{http.StatusTooManyRequests}, body: `{"retry_after":0.001}`}
	r := newTestReplier(t, c)

	err := r.SendFollowup(context.Background(), "tok-1", &Message{Content: "hi"})

	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
	assert.Equal(t, 3, c.count(), "one initial attempt plus two retries")
}

func TestClientErrorIsPermanentWithAPICode(t *testing.T) {
	c := &capture{
		status: []int{http.StatusNotFound},
		body:   `{"message":"Unknown interaction","code":10062}`,
	}
	r := newTestReplier(t, c)

	err := r.RespondError(context.Background(), "int-1", "secret-tok", "boom")

	require.Error(t, err)
	assert.Equal(t, errs.Permanent, errs.KindOf(err))
	assert.Equal(t, 1, c.count(), "4xx is never retried")

	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, 10062, ae.Code)
	assert.False(t, IsAlreadyAcknowledged(err))
	// Interaction tokens ride in paths; they must never reach errors.
	assert.NotContains(t, err.Error(), "secret-tok")
}

func TestAlreadyAcknowledgedIsDetected(t *testing.T) {
	c := &capture{
		status: []int{http.StatusBadRequest},
		body:   `{"message":"Interaction has already been acknowledged","code":40060}`,
	}
	r := newTestReplier(t, c)

	err := r.DeferReply(context.Background(), "int-1", "tok-1", false)

	require.Error(t, err)
	assert.Equal(t, errs.Permanent, errs.KindOf(err))
	assert.True(t, IsAlreadyAcknowledged(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	c := &capture{status: []int{http.StatusInternalServerError}}
	r := newTestReplier(t, c)

	err := r.SendFollowup(context.Background(), "tok-1", &Message{Content: "hi"})

	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
}

func TestBreakerShedsAfterConsecutiveFailures(t *testing.T) {
	c := &capture{status: []int{http.StatusInternalServerError}}
	r := newTestReplier(t, c)

	for n := 0; n < 7; n++ {
		err := r.SendFollowup(context.Background(), "tok-1", &Message{Content: "hi"})
		require.Error(t, err)
		assert.Equal(t, errs.Transient, errs.KindOf(err))
	}

	// Six consecutive failures trip the breaker; the seventh call is
	// rejected locally and never reaches the wire.
	assert.Equal(t, 6, c.count())
}

func TestRoleEndpointsAuthorizeWithBotToken(t *testing.T) {
	c := &capture{status: []int{http.StatusNoContent}}
	r := newTestReplier(t, c)

	require.NoError(t, r.AssignRole(context.Background(), "g1", "u1", "r1"))
	require.NoError(t, r.RemoveRole(context.Background(), "g1", "u1", "r1"))

	require.Equal(t, 2, c.count())
	assert.Equal(t, http.MethodPut, c.requests[0].Method)
	assert.Equal(t, http.MethodDelete, c.requests[1].Method)
	for _, req := range c.requests {
		assert.Equal(t, "/guilds/g1/members/u1/roles/r1", req.URL.Path)
		assert.Equal(t, "Bot bot-token", req.Header.Get("Authorization"))
	}
}

func TestSendDMOpensChannelFirst(t *testing.T) {
	c := &capture{status: []int{http.StatusOK, http.StatusOK}, body: `{"id":"dm-1"}`}
	r := newTestReplier(t, c)

	require.NoError(t, r.SendDM(context.Background(), "u1", &Message{Content: "hello"}))

	require.Equal(t, 2, c.count())
	assert.Equal(t, "/users/@me/channels", c.requests[0].URL.Path)
	assert.Equal(t, "u1", c.bodies[0]["recipient_id"])
	assert.Equal(t, "/channels/dm-1/messages", c.requests[1].URL.Path)
}

func TestParseRetryAfterFallsBack(t *testing.T) {
	resp := &http.Response{
		Body:   io.NopCloser(strings.NewReader(`{"retry_after":0.25}`)),
		Header: http.Header{},
	}
	assert.Equal(t, 250*time.Millisecond, parseRetryAfter(resp))

	resp = &http.Response{
		Body:   io.NopCloser(strings.NewReader("")),
		Header: http.Header{"Retry-After": []string{"2"}},
	}
	assert.Equal(t, 2*time.Second, parseRetryAfter(resp))

	resp = &http.Response{
		Body:   io.NopCloser(strings.NewReader("{}")),
		Header: http.Header{},
	}
	assert.Equal(t, time.Second, parseRetryAfter(resp))
}

func TestErrorEmbedIsEphemeral(t *testing.T) {
	msg := ErrorEmbed("something broke")
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Error", msg.Embeds[0].Title)
	assert.Equal(t, "something broke", msg.Embeds[0].Description)
	assert.Equal(t, EphemeralFlag, msg.Flags)
}
