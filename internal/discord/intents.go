package discord

// Gateway intent bits. Only the families the proxy forwards are requested;
// everything else stays server-side filtered.
const (
	IntentGuilds        = 1 << 0
	IntentGuildMembers  = 1 << 1
	IntentGuildMessages = 1 << 9
)

// DefaultIntents is the subscription the ingestor identifies with.
const DefaultIntents = IntentGuilds | IntentGuildMembers | IntentGuildMessages
