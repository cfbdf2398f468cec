package api

import (
	"context"

	"courier/internal/bus"
	"courier/internal/dispatch"
	"courier/internal/queue"
	"courier/internal/receipts"
	"courier/internal/store"
	intsync "courier/internal/sync"
)

// Service is the engine's produced interface: everything a client surface
// (CLI, UI, RPC layer) needs, with no access to engine internals. State
// updates flow back to the caller through Events.
type Service struct {
	db         *store.DB
	dispatcher *dispatch.Dispatcher
	queue      *queue.Manager
	reconciler *receipts.Reconciler
	engine     *intsync.Engine
	bus        *bus.Bus
	selfID     string
}

// NewService creates the client-facing service.
func NewService(db *store.DB, d *dispatch.Dispatcher, q *queue.Manager, r *receipts.Reconciler, e *intsync.Engine, b *bus.Bus, selfID string) *Service {
	return &Service{
		db:         db,
		dispatcher: d,
		queue:      q,
		reconciler: r,
		engine:     e,
		bus:        b,
		selfID:     selfID,
	}
}

// SendMessage submits an outgoing message and returns its id immediately.
// Delivery proceeds in the background; progress arrives as message.*
// events.
func (s *Service) SendMessage(ctx context.Context, conversationID, text, mediaRef string) (string, error) {
	return s.dispatcher.Submit(ctx, conversationID, s.selfID, dispatch.Content{Text: text, MediaRef: mediaRef})
}

// RetryMessage re-queues a failed message.
func (s *Service) RetryMessage(messageID string) error {
	return s.queue.Retry(messageID)
}

// CancelMessage abandons a pending send, optionally deleting the message.
func (s *Service) CancelMessage(messageID string, deleteMessage bool) error {
	return s.queue.Cancel(messageID, deleteMessage)
}

// OpenConversation marks a conversation active and reconciles read state.
// While active, its incoming messages do not bump the unread counter.
func (s *Service) OpenConversation(ctx context.Context, conversationID string) error {
	s.engine.SetActiveConversation(conversationID)
	return s.reconciler.MarkConversationRead(ctx, conversationID, s.selfID)
}

// CloseConversation clears the active conversation.
func (s *Service) CloseConversation() {
	s.engine.SetActiveConversation("")
}

// ListConversations returns conversations by recency.
func (s *Service) ListConversations(limit, offset int) ([]*store.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

// ListMessages pages through a conversation's history, newest first.
func (s *Service) ListMessages(conversationID string, beforeTs int64, limit int) ([]*store.Message, error) {
	return s.db.ListMessages(conversationID, beforeTs, limit)
}

// GetMessage returns a single message, or nil if it does not exist.
func (s *Service) GetMessage(messageID string) (*store.Message, error) {
	return s.db.GetMessage(messageID)
}

// CreateConversation registers a conversation locally so messages can be
// submitted to it.
func (s *Service) CreateConversation(id string, participantIDs []string, isGroup bool) error {
	return s.db.UpsertConversation(&store.Conversation{
		ID:             id,
		ParticipantIDs: participantIDs,
		IsGroup:        isGroup,
	})
}

// Events subscribes to engine events under the given namespace prefix
// ("" for everything). The returned function unsubscribes.
func (s *Service) Events(namespace string, buffer int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(namespace, buffer)
}
