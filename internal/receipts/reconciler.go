package receipts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/queue"
	"courier/internal/store"
)

// Reconciler applies read receipts when the user opens a conversation.
// The whole batch commits in one transaction so a crash mid-reconcile
// cannot leave a half-read conversation.
type Reconciler struct {
	db     *store.DB
	sender queue.Sender
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a reconciler. sender may be nil in a local-only setup;
// receipts then stay on this device.
func New(db *store.DB, sender queue.Sender, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, sender: sender, bus: b, logger: logger}
}

// promote decides whether a message's read set now satisfies its
// conversation's read rule: in a direct conversation the one other
// participant must have read it, in a group any reader other than the
// sender counts.
func promote(conv *store.Conversation, m *store.Message, readBy []string) bool {
	if !store.CanTransition(m.Status, store.StatusRead) {
		return false
	}
	for _, id := range readBy {
		if id == m.SenderID {
			continue
		}
		if conv.IsGroup {
			return true
		}
		for _, p := range conv.ParticipantIDs {
			if p != m.SenderID && p == id {
				return true
			}
		}
	}
	return false
}

// MarkConversationRead records readerID as having read every unread
// message in the conversation, promotes messages whose read rule now
// fires, and zeroes the unread counter. Already-read messages are
// untouched, so calling this on every conversation open is idempotent.
func (r *Reconciler) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	conv, err := r.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("mark read: conversation %s not found", conversationID)
	}

	msgs, err := r.db.MessagesUnreadBy(conversationID, readerID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		if err := r.db.ResetUnread(conversationID); err != nil {
			return err
		}
		r.publishConversation(conversationID)
		return nil
	}

	updates := make([]store.ReadUpdate, 0, len(msgs))
	changes := make([]bus.StatusChange, 0, len(msgs))
	for _, m := range msgs {
		readBy := append(append([]string(nil), m.ReadBy...), readerID)
		u := store.ReadUpdate{MessageID: m.ID, ReadBy: readBy}
		if promote(conv, m, readBy) {
			u.Status = store.StatusRead
			changes = append(changes, bus.StatusChange{
				MessageID:      m.ID,
				ConversationID: conversationID,
				From:           m.Status,
				To:             store.StatusRead,
			})
		}
		updates = append(updates, u)
	}

	if err := r.db.ApplyReadUpdates(conversationID, updates); err != nil {
		return err
	}

	for _, c := range changes {
		r.bus.Publish(bus.Event{Kind: bus.KindMessageStatusChanged, Timestamp: time.Now(), Payload: c})
	}
	r.publishConversation(conversationID)

	if r.sender != nil {
		r.pushReceipts(ctx, msgs, updates)
	}
	return nil
}

// pushReceipts propagates updated read sets to the remote store so other
// participants see the receipt. Best effort: a failure here loses nothing
// locally and the next reconcile pass retries naturally.
func (r *Reconciler) pushReceipts(ctx context.Context, msgs []*store.Message, updates []store.ReadUpdate) {
	for i, m := range msgs {
		out := *m
		out.ReadBy = updates[i].ReadBy
		if updates[i].Status != "" {
			out.Status = updates[i].Status
		}
		if err := r.sender.Send(ctx, &out); err != nil {
			r.logger.Debug("push read receipt", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
}

func (r *Reconciler) publishConversation(conversationID string) {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: conversationID},
	})
}
