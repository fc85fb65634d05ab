package envelope

import "encoding/json"

// Component types on the platform wire. Everything >= 3 that reaches
// us through a component interaction is a select variant.
const (
	ComponentButton       = 2
	ComponentStringSelect = 3
)

// Member carries the invoking member's guild-scoped attributes.
// Permissions is the platform's decimal bitmask string.
type Member struct {
	Permissions string   `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Nick        string   `json:"nick,omitempty"`
}

// InteractionData is the typed view of an interaction envelope's data
// field: command name or custom id, the options tree, selected values,
// and the invoker's member record.
type InteractionData struct {
	Name          string          `json:"name,omitempty"`
	CustomID      string          `json:"custom_id,omitempty"`
	ComponentType int             `json:"component_type,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
	Values        []string        `json:"values,omitempty"`
	Focused       json.RawMessage `json:"focused,omitempty"`
	Member        *Member         `json:"member,omitempty"`
}

// MemberEventData is the payload for member.join and member.update.
type MemberEventData struct {
	Username      string   `json:"username,omitempty"`
	Discriminator string   `json:"discriminator,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Nick          string   `json:"nick,omitempty"`
}

// GuildEventData is the payload for guild.join.
type GuildEventData struct {
	Name        string `json:"name,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

// Interaction decodes the data field as interaction payload.
func (e *Envelope) Interaction() (*InteractionData, error) {
	var d InteractionData
	if len(e.Data) == 0 {
		return &d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// MemberEvent decodes the data field as member event payload.
func (e *Envelope) MemberEvent() (*MemberEventData, error) {
	var d MemberEventData
	if len(e.Data) == 0 {
		return &d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GuildEvent decodes the data field as guild event payload.
func (e *Envelope) GuildEvent() (*GuildEventData, error) {
	var d GuildEventData
	if len(e.Data) == 0 {
		return &d, nil
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetData marshals v into the envelope's data field.
func (e *Envelope) SetData(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Data = raw
	return nil
}
