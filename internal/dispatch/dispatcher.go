package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/netmon"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/store"
)

// ErrNotAccepting is returned while the dispatcher is held closed during
// startup recovery.
var ErrNotAccepting = errors.New("dispatcher not accepting submissions")

// Content is the user-supplied part of an outgoing message.
type Content struct {
	Text     string
	MediaRef string
}

// Dispatcher is the submission front door. Every outgoing message is
// persisted locally before any network activity, so a submission that
// returns an id is never lost regardless of what the network does next.
type Dispatcher struct {
	db      *store.DB
	queue   *queue.Manager
	sender  queue.Sender
	monitor *netmon.Monitor
	bus     *bus.Bus
	logger  *zap.Logger

	accepting bool
	gate      chan struct{}
}

// New creates a dispatcher. It rejects submissions until Start is called,
// which the daemon does only after crash recovery has run.
func New(db *store.DB, q *queue.Manager, sender queue.Sender, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:      db,
		queue:   q,
		sender:  sender,
		monitor: monitor,
		bus:     b,
		logger:  logger,
		gate:    make(chan struct{}),
	}
}

// Start opens the dispatcher for submissions.
func (d *Dispatcher) Start() {
	if !d.accepting {
		d.accepting = true
		close(d.gate)
	}
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 80 {
		return text[:77] + "..."
	}
	return text
}

// Submit persists an outgoing message and returns its id. Online, a send
// attempt starts immediately in the background; offline, the message is
// queued durably and will go out on the next drain. Either way the local
// write and queue entry are on disk before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, conversationID, senderID string, content Content) (string, error) {
	select {
	case <-d.gate:
	default:
		return "", ErrNotAccepting
	}
	if content.Text == "" && content.MediaRef == "" {
		return "", fmt.Errorf("submit: empty message")
	}
	conv, err := d.db.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", fmt.Errorf("submit: conversation %s not found", conversationID)
	}

	now := time.Now().UnixMilli()
	online := d.monitor.Online()
	status := store.StatusQueued
	if online {
		status = store.StatusPending
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           content.Text,
		MediaRef:       content.MediaRef,
		Status:         status,
		CreatedAt:      now,
	}
	if err := d.db.UpsertMessage(msg); err != nil {
		return "", err
	}
	if err := d.db.TouchConversation(conversationID, summarize(content.Text), now); err != nil {
		d.logger.Warn("touch conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	d.bus.Publish(bus.Event{
		Kind:      bus.KindMessageCreated,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{MessageID: msg.ID, ConversationID: conversationID},
	})

	if online {
		go d.attemptImmediate(context.WithoutCancel(ctx), msg)
	} else {
		if err := d.queue.Enqueue(msg.ID); err != nil {
			return "", err
		}
	}
	return msg.ID, nil
}

// attemptImmediate tries one send right away. On transient failure the
// message is demoted to queued and handed to the queue manager; the
// submission path never blocks on the network.
func (d *Dispatcher) attemptImmediate(ctx context.Context, msg *store.Message) {
	if err := d.db.MarkAttempt(msg.ID, time.Now().UnixMilli()); err != nil {
		d.logger.Error("mark attempt", zap.String("message_id", msg.ID), zap.Error(err))
	}

	out := *msg
	out.Status = store.StatusSent
	err := d.sender.Send(ctx, &out)
	if err == nil {
		from, upErr := d.db.UpdateMessageStatus(msg.ID, store.StatusSent)
		if upErr != nil {
			if !errors.Is(upErr, store.ErrInvalidTransition) {
				d.logger.Error("promote to sent", zap.String("message_id", msg.ID), zap.Error(upErr))
			}
			return
		}
		d.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatusChanged,
			Timestamp: time.Now(),
			Payload:   bus.StatusChange{MessageID: msg.ID, ConversationID: msg.ConversationID, From: from, To: store.StatusSent},
		})
		return
	}

	kind := retry.Classify(err)
	d.logger.Warn("immediate send failed",
		zap.String("message_id", msg.ID),
		zap.String("kind", kind.String()),
		zap.Error(err))

	if kind == retry.KindPermanent {
		from, upErr := d.db.UpdateMessageStatus(msg.ID, store.StatusFailed)
		if upErr != nil {
			d.logger.Error("mark failed", zap.String("message_id", msg.ID), zap.Error(upErr))
			return
		}
		d.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatusChanged,
			Timestamp: time.Now(),
			Payload:   bus.StatusChange{MessageID: msg.ID, ConversationID: msg.ConversationID, From: from, To: store.StatusFailed},
		})
		d.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload:   bus.SendFailure{MessageID: msg.ID, ConversationID: msg.ConversationID, Reason: err.Error()},
		})
		return
	}

	// Transient: demote back to queued and let the queue manager own it.
	if from, upErr := d.db.UpdateMessageStatus(msg.ID, store.StatusQueued); upErr == nil {
		d.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatusChanged,
			Timestamp: time.Now(),
			Payload:   bus.StatusChange{MessageID: msg.ID, ConversationID: msg.ConversationID, From: from, To: store.StatusQueued},
		})
	}
	if qErr := d.queue.Enqueue(msg.ID); qErr != nil {
		d.logger.Error("enqueue after transient failure", zap.String("message_id", msg.ID), zap.Error(qErr))
	}
}
