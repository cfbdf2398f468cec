package store

// Message statuses. A message only ever moves forward through
// queued -> pending -> sent -> delivered -> read, with two sanctioned
// exceptions: pending -> queued (demotion after a failed immediate send)
// and failed -> queued (explicit user retry).
const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var statusRank = map[string]int{
	StatusQueued:    0,
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// StatusRank returns the forward-progress rank of a status. Failed has no
// rank; it is terminal until a user retry re-queues the message.
func StatusRank(status string) int {
	return statusRank[status]
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to string) bool {
	switch {
	case from == to:
		return false
	case from == StatusFailed:
		return to == StatusQueued
	case to == StatusFailed:
		// Only messages still awaiting remote confirmation can fail.
		return from == StatusQueued || from == StatusPending
	case from == StatusPending && to == StatusQueued:
		return true
	default:
		return statusRank[to] > statusRank[from]
	}
}

// Message is the unit of delivery. ID is the client-generated idempotency
// key; the remote store treats writes keyed by it as upserts.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	Status         string
	ReadBy         []string
	RetryCount     int
	LastAttemptAt  int64
	CreatedAt      int64
}

// HasReader reports whether the given participant acknowledged the message.
func (m *Message) HasReader(participantID string) bool {
	for _, id := range m.ReadBy {
		if id == participantID {
			return true
		}
	}
	return false
}

// Conversation aggregates participants and a denormalized summary.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	IsGroup            bool
	LastMessageSummary string
	LastMessageAt      int64
	UnreadCount        int
}

// PendingSendEntry is a durable queue record. Its existence means the
// message is still awaiting remote confirmation; removing it is the only
// way out of that phase short of terminal failure.
type PendingSendEntry struct {
	MessageID   string
	EnqueuedAt  int64
	RetryCount  int
	LastRetryAt int64
	// NextRetryAt is the jittered earliest time (unix millis) the next
	// attempt may run. Zero means due immediately.
	NextRetryAt int64
}
