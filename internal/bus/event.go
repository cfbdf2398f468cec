package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindMessageCreated       = "message.created"
	KindMessageStatusChanged = "message.status_changed"
	KindMessageSynced        = "message.synced"
	KindMessageSendFailed    = "message.send_failed"
	KindConversationUpdated  = "conversation.updated"
	KindNetworkOnline        = "network.online"
	KindNetworkOffline       = "network.offline"
	KindNetworkTierChanged   = "network.tier_changed"
	KindQueueDrained         = "queue.drained"
	KindRemoteMessage        = "remote.message"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message in event payloads.
type MessageRef struct {
	MessageID      string
	ConversationID string
}

// StatusChange is the payload for message.status_changed events.
type StatusChange struct {
	MessageID      string
	ConversationID string
	From           string
	To             string
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	MessageID      string
	ConversationID string
	Reason         string
}

// TierChange is the payload for network.tier_changed events.
type TierChange struct {
	From string
	To   string
}

// DrainResult is the payload for queue.drained events.
type DrainResult struct {
	Sent   int
	Failed int
	Kept   int
}
