package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arrakis/gateway/internal/errs"
)

// ============================================================================
// REST REPLIER
// ============================================================================

const (
	defaultBaseURL = "https://discord.com/api/v10"

	// EphemeralFlag hides a reply from everyone but the invoking user.
	EphemeralFlag = 1 << 6

	embedColorError = 0xED4245

	// A 429 is retried at most this many times, honoring the advised wait.
	maxRateLimitRetries = 2
)

// Interaction callback types.
const (
	callbackMessage            = 4
	callbackDeferMessage       = 5
	callbackDeferUpdate        = 6
	callbackUpdateMessage      = 7
	callbackAutocompleteResult = 8
)

// Embed is the rich block of a message.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// Message is an outbound message body.
type Message struct {
	Content    string            `json:"content,omitempty"`
	Embeds     []Embed           `json:"embeds,omitempty"`
	Flags      int               `json:"flags,omitempty"`
	Components []json.RawMessage `json:"components,omitempty"`
}

// Choice is one autocomplete suggestion.
type Choice struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type interactionResponse struct {
	Type int         `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// APIError is a non-retriable platform response. Code carries the
// platform's own error code from the body, zero when the body had none.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("status %d (code %d)", e.Status, e.Code)
	}
	return fmt.Sprintf("status %d", e.Status)
}

const codeAlreadyAcknowledged = 40060

// IsAlreadyAcknowledged reports whether err is the platform refusing a
// second callback for an interaction that was already acknowledged.
// Redelivered interactions hit this on their deferral; the first
// delivery's defer stands, so callers proceed to the handler.
func IsAlreadyAcknowledged(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeAlreadyAcknowledged
}

// ErrorEmbed renders a user-visible failure as an ephemeral error embed.
// Callers pass one of the stable user-facing strings; internals never
// reach the user.
func ErrorEmbed(description string) *Message {
	return &Message{
		Embeds: []Embed{{Title: "Error", Description: description, Color: embedColorError}},
		Flags:  EphemeralFlag,
	}
}

// ReplierConfig configures the REST surface.
type ReplierConfig struct {
	ApplicationID string
	BotToken      string
	BaseURL       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Replier talks to the platform REST API: interaction callbacks, webhook
// followups, DMs and role changes. A circuit breaker sheds load when the
// platform is failing; callers see a transient error and retry by
// disposition instead of piling on.
type Replier struct {
	cfg     ReplierConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewReplier builds the REST client. More than five consecutive failures
// open the breaker for thirty seconds.
func NewReplier(cfg ReplierConfig) *Replier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "replier")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "discord-rest",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("REST breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Replier{cfg: cfg, http: httpClient, breaker: breaker, log: log}
}

// ============================================================================
// INTERACTION CALLBACKS
// ============================================================================

// DeferReply acknowledges a command or modal within the platform window
// and promises a followup. Ephemeral hides the eventual reply.
func (r *Replier) DeferReply(ctx context.Context, interactionID, token string, ephemeral bool) error {
	var data interface{}
	if ephemeral {
		data = &Message{Flags: EphemeralFlag}
	}
	return r.callback(ctx, interactionID, token, interactionResponse{Type: callbackDeferMessage, Data: data})
}

// DeferUpdate acknowledges a component interaction, leaving the original
// message untouched until the handler edits it.
func (r *Replier) DeferUpdate(ctx context.Context, interactionID, token string) error {
	return r.callback(ctx, interactionID, token, interactionResponse{Type: callbackDeferUpdate})
}

// Respond sends an immediate message response.
func (r *Replier) Respond(ctx context.Context, interactionID, token string, msg *Message) error {
	return r.callback(ctx, interactionID, token, interactionResponse{Type: callbackMessage, Data: msg})
}

// RespondError sends an immediate ephemeral error embed.
func (r *Replier) RespondError(ctx context.Context, interactionID, token, description string) error {
	return r.Respond(ctx, interactionID, token, ErrorEmbed(description))
}

// RespondAutocomplete answers an autocomplete query. Autocomplete has no
// deferral; this call must meet the interaction deadline itself.
func (r *Replier) RespondAutocomplete(ctx context.Context, interactionID, token string, choices []Choice) error {
	if choices == nil {
		choices = []Choice{}
	}
	return r.callback(ctx, interactionID, token, interactionResponse{
		Type: callbackAutocompleteResult,
		Data: map[string]interface{}{"choices": choices},
	})
}

// UpdateMessage replaces the message a component interaction came from.
func (r *Replier) UpdateMessage(ctx context.Context, interactionID, token string, msg *Message) error {
	return r.callback(ctx, interactionID, token, interactionResponse{Type: callbackUpdateMessage, Data: msg})
}

func (r *Replier) callback(ctx context.Context, interactionID, token string, resp interactionResponse) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", interactionID, token)
	return r.do(ctx, "interaction_callback", http.MethodPost, path, resp, false, nil)
}

// ============================================================================
// FOLLOWUPS AND MESSAGING
// ============================================================================

// SendFollowup posts a message after a deferral.
func (r *Replier) SendFollowup(ctx context.Context, token string, msg *Message) error {
	path := fmt.Sprintf("/webhooks/%s/%s", r.cfg.ApplicationID, token)
	return r.do(ctx, "followup", http.MethodPost, path, msg, false, nil)
}

// EditOriginal rewrites the deferred original response.
func (r *Replier) EditOriginal(ctx context.Context, token string, msg *Message) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/@original", r.cfg.ApplicationID, token)
	return r.do(ctx, "edit_original", http.MethodPatch, path, msg, false, nil)
}

// SendDM opens (or reuses) the DM channel with the user and sends msg.
func (r *Replier) SendDM(ctx context.Context, userID string, msg *Message) error {
	var channel struct {
		ID string `json:"id"`
	}
	err := r.do(ctx, "create_dm", http.MethodPost, "/users/@me/channels",
		map[string]string{"recipient_id": userID}, true, &channel)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/channels/%s/messages", channel.ID)
	return r.do(ctx, "send_dm", http.MethodPost, path, msg, true, nil)
}

// ============================================================================
// ROLES
// ============================================================================

// AssignRole grants a guild role to a member.
func (r *Replier) AssignRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	return r.do(ctx, "assign_role", http.MethodPut, path, nil, true, nil)
}

// RemoveRole removes a guild role from a member.
func (r *Replier) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	return r.do(ctx, "remove_role", http.MethodDelete, path, nil, true, nil)
}

// ============================================================================
// TRANSPORT
// ============================================================================

type restResult struct {
	status     int
	retryAfter time.Duration
	code       int
	message    string
}

// do runs one REST call with breaker protection and bounded 429 retries.
// Errors name only the endpoint, never the path: interaction tokens ride
// in paths and must not reach logs.
func (r *Replier) do(ctx context.Context, endpoint, method, path string, body interface{}, auth bool, out interface{}) error {
	op := "discord." + endpoint

	for attempt := 0; ; attempt++ {
		v, err := r.breaker.Execute(func() (interface{}, error) {
			res, err := r.roundTrip(ctx, method, path, body, auth, out)
			if err != nil {
				return nil, err
			}
			if res.status >= 500 {
				return nil, fmt.Errorf("status %d", res.status)
			}
			return res, nil
		})
		if err != nil {
			// Breaker rejections, transport failures and 5xx all land
			// here; all are worth retrying later.
			return errs.New(errs.Transient, op, err)
		}

		res := v.(restResult)
		switch {
		case res.status == http.StatusTooManyRequests:
			if attempt >= maxRateLimitRetries {
				return errs.Newf(errs.Transient, op, "rate limited after %d retries", attempt)
			}
			r.log.Warn("REST rate limited", "endpoint", endpoint, "retry_after", res.retryAfter)
			select {
			case <-time.After(res.retryAfter):
			case <-ctx.Done():
				return errs.New(errs.Transient, op, ctx.Err())
			}
		case res.status >= 400:
			return errs.New(errs.Permanent, op, &APIError{
				Status:  res.status,
				Code:    res.code,
				Message: res.message,
			})
		default:
			return nil
		}
	}
}

func (r *Replier) roundTrip(ctx context.Context, method, path string, body interface{}, auth bool, out interface{}) (restResult, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return restResult{}, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return restResult{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bot "+r.cfg.BotToken)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return restResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return restResult{status: resp.StatusCode, retryAfter: parseRetryAfter(resp)}, nil
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		io.Copy(io.Discard, resp.Body)
		return restResult{status: resp.StatusCode, code: apiErr.Code, message: apiErr.Message}, nil
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return restResult{}, fmt.Errorf("decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return restResult{status: resp.StatusCode}, nil
}

// parseRetryAfter reads the advised wait from the 429 body, falling back
// to the header, then to one second.
func parseRetryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
