// Package envelope defines the message that carries one gateway event
// through the broker, plus the routing and priority rules derived from
// its type.
//
// Envelopes are immutable once published. The data field is kept as
// raw JSON end to end so a publish/consume round trip is byte
// identical.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trace is the correlation context created at ingest time. TraceID is
// immutable downstream; workers add their own spans under it.
type Trace struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Envelope is the broker payload for a single gateway event.
type Envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	// Milliseconds since epoch at ingest receipt.
	Timestamp int64  `json:"timestamp"`
	ShardID   int    `json:"shard_id"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// Present iff the event is an interaction; always together.
	InteractionID    string `json:"interaction_id,omitempty"`
	InteractionToken string `json:"interaction_token,omitempty"`

	Trace Trace `json:"trace"`

	// Platform-specific payload, opaque to the pipeline.
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with a fresh event id and the current time.
func New(eventType string, shardID int) *Envelope {
	return &Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UnixMilli(),
		ShardID:   shardID,
	}
}

// IsInteraction reports whether the event participates in the
// deferred-reply protocol.
func (e *Envelope) IsInteraction() bool {
	return len(e.EventType) > 12 && e.EventType[:12] == "interaction."
}

// ReceivedAt returns the ingest receipt time.
func (e *Envelope) ReceivedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate enforces the envelope invariants. It is called on decode so
// malformed payloads dead-letter instead of reaching handlers.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope: missing event_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope: missing event_type")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("envelope: missing timestamp")
	}
	if (e.InteractionID == "") != (e.InteractionToken == "") {
		return fmt.Errorf("envelope: interaction_id and interaction_token must appear together")
	}
	return nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a broker payload.
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
