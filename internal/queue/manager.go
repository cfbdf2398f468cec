package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/netmon"
	"courier/internal/retry"
	"courier/internal/store"
)

// Sender performs a single delivery attempt against the remote store.
type Sender interface {
	Send(ctx context.Context, m *store.Message) error
}

// Manager drains the durable pending-send queue. Drains are single-flight
// and triggered by three sources: a new enqueue while online, the
// offline-to-online transition, and a periodic ticker that picks up
// entries whose backoff delay has elapsed.
type Manager struct {
	db       *store.DB
	sender   Sender
	policy   retry.Policy
	monitor  *netmon.Monitor
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	draining atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a queue manager.
func New(db *store.DB, sender Sender, policy retry.Policy, monitor *netmon.Monitor, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		db:       db,
		sender:   sender,
		policy:   policy,
		monitor:  monitor,
		bus:      b,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Start runs the drain loop until the context is canceled.
func (q *Manager) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})

	online, unsub := q.bus.Subscribe(bus.KindNetworkOnline, 4)
	ticker := time.NewTicker(q.interval)

	go func() {
		defer close(q.done)
		defer unsub()
		defer ticker.Stop()
		for {
			select {
			case <-online:
				q.Drain(ctx)
			case <-q.kick:
				q.Drain(ctx)
			case <-ticker.C:
				q.Drain(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the drain loop and waits for an in-flight drain to finish.
func (q *Manager) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

// Enqueue records a message in the durable queue and, when online, wakes
// the drain loop. The queue row is written before this returns so a crash
// immediately after cannot lose the send.
func (q *Manager) Enqueue(messageID string) error {
	if err := q.db.Enqueue(messageID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if q.monitor.Online() {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Retry re-queues a failed message at the user's request. The message
// returns to queued with fresh bookkeeping in the queue entry.
func (q *Manager) Retry(messageID string) error {
	msg, err := q.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("retry %s: message not found", messageID)
	}

	from, err := q.db.UpdateMessageStatus(messageID, store.StatusQueued)
	if err != nil {
		return fmt.Errorf("retry %s: %w", messageID, err)
	}
	if err := q.Enqueue(messageID); err != nil {
		return err
	}
	q.publishStatus(msg.ConversationID, messageID, from, store.StatusQueued)
	return nil
}

// Cancel abandons a pending send. The queue entry is removed; the message
// either moves to failed or is deleted outright.
func (q *Manager) Cancel(messageID string, deleteMessage bool) error {
	msg, err := q.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("cancel %s: message not found", messageID)
	}

	if deleteMessage {
		// Cascade removes the queue entry with the row.
		return q.db.DeleteMessage(messageID)
	}

	if err := q.db.RemovePending(messageID); err != nil {
		return err
	}
	from, err := q.db.UpdateMessageStatus(messageID, store.StatusFailed)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", messageID, err)
	}
	q.publishStatus(msg.ConversationID, messageID, from, store.StatusFailed)
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.SendFailure{MessageID: messageID, ConversationID: msg.ConversationID, Reason: "canceled"},
	})
	return nil
}

// Drain walks the queue in enqueue order and attempts every due entry.
// Concurrent calls collapse into one pass; entries whose backoff has not
// elapsed are kept for a later pass.
func (q *Manager) Drain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	entries, err := q.db.PendingEntries()
	if err != nil {
		q.logger.Error("read pending queue", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	var result bus.DrainResult
	now := time.Now()

	for i, e := range entries {
		if ctx.Err() != nil || !q.monitor.Online() {
			result.Kept += len(entries) - i
			break
		}

		msg, err := q.db.GetMessage(e.MessageID)
		if err != nil {
			q.logger.Error("read queued message", zap.String("message_id", e.MessageID), zap.Error(err))
			result.Kept++
			continue
		}
		if msg == nil {
			// Message deleted out from under its entry.
			_ = q.db.RemovePending(e.MessageID)
			continue
		}

		if e.RetryCount >= q.policy.MaxRetries {
			q.fail(msg, "retry limit exhausted")
			result.Failed++
			continue
		}
		if e.NextRetryAt > 0 && now.UnixMilli() < e.NextRetryAt {
			result.Kept++
			continue
		}

		switch q.attempt(ctx, msg, e.RetryCount) {
		case attemptSent:
			result.Sent++
		case attemptFailed:
			result.Failed++
		case attemptKept:
			result.Kept++
		}
	}

	q.logger.Info("queue drained",
		zap.Int("sent", result.Sent), zap.Int("failed", result.Failed), zap.Int("kept", result.Kept))
	q.bus.Publish(bus.Event{Kind: bus.KindQueueDrained, Timestamp: time.Now(), Payload: result})
}

type attemptOutcome int

const (
	attemptSent attemptOutcome = iota
	attemptFailed
	attemptKept
)

func (q *Manager) attempt(ctx context.Context, msg *store.Message, retryCount int) attemptOutcome {
	if err := q.db.MarkAttempt(msg.ID, time.Now().UnixMilli()); err != nil {
		q.logger.Error("mark attempt", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if msg.Status == store.StatusQueued {
		if from, err := q.db.UpdateMessageStatus(msg.ID, store.StatusPending); err == nil {
			q.publishStatus(msg.ConversationID, msg.ID, from, store.StatusPending)
		}
	}

	out := *msg
	out.Status = store.StatusSent
	err := q.sender.Send(ctx, &out)
	if err == nil {
		if rmErr := q.db.RemovePending(msg.ID); rmErr != nil {
			q.logger.Error("remove confirmed entry", zap.String("message_id", msg.ID), zap.Error(rmErr))
		}
		from, upErr := q.db.UpdateMessageStatus(msg.ID, store.StatusSent)
		if upErr != nil && !errors.Is(upErr, store.ErrInvalidTransition) {
			// Already at or past sent is fine: a receipt can land between
			// the remote ack and this write.
			q.logger.Error("promote to sent", zap.String("message_id", msg.ID), zap.Error(upErr))
		}
		if upErr == nil {
			q.publishStatus(msg.ConversationID, msg.ID, from, store.StatusSent)
		}
		return attemptSent
	}

	kind := retry.Classify(err)
	q.logger.Warn("delivery attempt failed",
		zap.String("message_id", msg.ID),
		zap.String("kind", kind.String()),
		zap.Error(err))

	if kind == retry.KindPermanent {
		q.fail(msg, err.Error())
		return attemptFailed
	}

	// The jittered due time desynchronizes entries bumped in one pass.
	at := time.Now()
	nextDue := at.Add(q.policy.Delay(retryCount + 1)).UnixMilli()
	if bumpErr := q.db.BumpPendingRetry(msg.ID, at.UnixMilli(), nextDue); bumpErr != nil {
		q.logger.Error("bump retry", zap.String("message_id", msg.ID), zap.Error(bumpErr))
	}
	return attemptKept
}

func (q *Manager) fail(msg *store.Message, reason string) {
	if err := q.db.RemovePending(msg.ID); err != nil {
		q.logger.Error("remove abandoned entry", zap.String("message_id", msg.ID), zap.Error(err))
	}
	from, err := q.db.UpdateMessageStatus(msg.ID, store.StatusFailed)
	if err != nil {
		q.logger.Error("mark failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	q.publishStatus(msg.ConversationID, msg.ID, from, store.StatusFailed)
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.SendFailure{MessageID: msg.ID, ConversationID: msg.ConversationID, Reason: reason},
	})
}

func (q *Manager) publishStatus(conversationID, messageID, from, to string) {
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatusChanged,
		Timestamp: time.Now(),
		Payload:   bus.StatusChange{MessageID: messageID, ConversationID: conversationID, From: from, To: to},
	})
}
