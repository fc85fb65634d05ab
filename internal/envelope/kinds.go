package envelope

import "strings"

// Event type prefixes and fixed kinds. Dynamic kinds append a command
// name or custom id after the prefix.
const (
	PrefixCommand      = "interaction.command."
	PrefixButton       = "interaction.button."
	PrefixModal        = "interaction.modal."
	PrefixAutocomplete = "interaction.autocomplete."

	KindMemberJoin    = "member.join"
	KindMemberLeave   = "member.leave"
	KindMemberUpdate  = "member.update"
	KindGuildJoin     = "guild.join"
	KindGuildLeave    = "guild.leave"
	KindMessageCreate = "message.create"
)

// Type constructors for the dynamic interaction kinds. The tail keeps
// the platform's raw name; only the routing key sanitizes it.
func TypeCommand(name string) string      { return PrefixCommand + name }
func TypeButton(customID string) string   { return PrefixButton + customID }
func TypeModal(customID string) string    { return PrefixModal + customID }
func TypeAutocomplete(name string) string { return PrefixAutocomplete + name }

// Tail returns the dynamic part of an interaction event type: the
// command name for commands and autocompletes, the custom id for
// buttons and modals. Fixed kinds return "".
func Tail(eventType string) string {
	for _, p := range []string{PrefixCommand, PrefixButton, PrefixModal, PrefixAutocomplete} {
		if strings.HasPrefix(eventType, p) {
			return eventType[len(p):]
		}
	}
	return ""
}

// RoutingKey derives the AMQP routing key from an event type. Dots in
// the dynamic tail would add topic segments, so they are flattened to
// underscores; fixed kinds pass through unchanged.
func RoutingKey(eventType string) string {
	for _, p := range []string{PrefixCommand, PrefixButton, PrefixModal, PrefixAutocomplete} {
		if strings.HasPrefix(eventType, p) {
			return p + strings.ReplaceAll(eventType[len(p):], ".", "_")
		}
	}
	return eventType
}

// Priority returns the publish priority for an event type, per the
// interactions-first ordering. Unknown types get the floor.
func Priority(eventType string) uint8 {
	switch {
	case strings.HasPrefix(eventType, PrefixCommand):
		return 10
	case strings.HasPrefix(eventType, PrefixButton):
		return 8
	case strings.HasPrefix(eventType, PrefixModal):
		return 8
	case strings.HasPrefix(eventType, PrefixAutocomplete):
		return 6
	}
	switch eventType {
	case KindMemberJoin, KindMemberLeave:
		return 5
	case KindGuildJoin, KindGuildLeave:
		return 4
	case KindMemberUpdate:
		return 3
	case KindMessageCreate:
		return 1
	}
	return 0
}
