package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/queue"
	"courier/internal/store"
)

// Fetcher backfills a conversation's remote messages.
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string, since int64) ([]*store.Message, error)
}

// Engine ingests remote message records into the local store. Every
// ingest path funnels through one merge routine keyed on the client
// message id, so a record arriving twice (push plus backfill, or a
// re-delivered snapshot) lands exactly once.
type Engine struct {
	db      *store.DB
	fetcher Fetcher
	sender  queue.Sender
	bus     *bus.Bus
	selfID  string
	logger  *zap.Logger

	mu     sync.RWMutex
	active string // conversation currently open in the UI

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sync engine.
func New(db *store.DB, fetcher Fetcher, sender queue.Sender, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		fetcher: fetcher,
		sender:  sender,
		bus:     b,
		selfID:  selfID,
		logger:  logger,
	}
}

// SetActiveConversation records which conversation the user has open.
// Remote messages for the active conversation do not bump its unread
// counter.
func (e *Engine) SetActiveConversation(conversationID string) {
	e.mu.Lock()
	e.active = conversationID
	e.mu.Unlock()
}

func (e *Engine) activeConversation() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Start consumes remote push events and runs a backfill on every
// reconnect to cover records missed while offline.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	remote, unsubRemote := e.bus.Subscribe("remote.", 64)
	online, unsubOnline := e.bus.Subscribe(bus.KindNetworkOnline, 4)

	go func() {
		defer close(e.done)
		defer unsubRemote()
		defer unsubOnline()
		for {
			select {
			case evt := <-remote:
				if m, ok := evt.Payload.(*store.Message); ok {
					e.Ingest(ctx, m)
				}
			case <-online:
				e.Backfill(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the ingest goroutine to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Backfill fetches records newer than each conversation's last known
// message and ingests them. Covers the window between going offline and
// the push listener reattaching.
func (e *Engine) Backfill(ctx context.Context) {
	const page = 50
	for offset := 0; ; offset += page {
		convs, err := e.db.ListConversations(page, offset)
		if err != nil {
			e.logger.Error("list conversations for backfill", zap.Error(err))
			return
		}
		for _, conv := range convs {
			msgs, err := e.fetcher.Fetch(ctx, conv.ID, conv.LastMessageAt)
			if err != nil {
				e.logger.Warn("backfill conversation",
					zap.String("conversation_id", conv.ID), zap.Error(err))
				continue
			}
			for _, m := range msgs {
				e.Ingest(ctx, m)
			}
		}
		if len(convs) < page {
			return
		}
	}
}

// Ingest merges one remote record into the local store. New records are
// inserted; known records merge forward only: status keeps the higher
// lifecycle rank and read sets union, so a stale snapshot can never
// demote what a fresher one established.
func (e *Engine) Ingest(ctx context.Context, remote *store.Message) {
	local, err := e.db.GetMessage(remote.ID)
	if err != nil {
		e.logger.Error("read local message", zap.String("message_id", remote.ID), zap.Error(err))
		return
	}

	if local == nil {
		e.ingestNew(ctx, remote)
		return
	}
	e.merge(local, remote)
}

func (e *Engine) ingestNew(ctx context.Context, remote *store.Message) {
	if err := e.ensureConversation(remote); err != nil {
		e.logger.Error("ensure conversation",
			zap.String("conversation_id", remote.ConversationID), zap.Error(err))
		return
	}

	m := *remote
	fromPeer := m.SenderID != e.selfID
	if fromPeer && store.StatusRank(m.Status) < store.StatusRank(store.StatusDelivered) {
		// Reaching this device is delivery.
		m.Status = store.StatusDelivered
	}
	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Error("insert remote message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	if err := e.db.TouchConversation(m.ConversationID, m.Body, m.CreatedAt); err != nil {
		e.logger.Warn("touch conversation", zap.String("conversation_id", m.ConversationID), zap.Error(err))
	}
	if fromPeer && m.ConversationID != e.activeConversation() {
		if err := e.db.IncrementUnread(m.ConversationID); err != nil {
			e.logger.Warn("bump unread", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSynced,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{MessageID: m.ID, ConversationID: m.ConversationID},
	})
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: m.ConversationID},
	})

	if fromPeer && m.Status == store.StatusDelivered && e.sender != nil {
		// Delivered receipt so the sender's devices see the second tick.
		if err := e.sender.Send(ctx, &m); err != nil {
			e.logger.Debug("push delivered receipt", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
}

// merge folds a known record into the local row through the store's
// guarded merge, which re-reads current state under the write lock. The
// caller's snapshot is only used to name the conversation in events.
func (e *Engine) merge(local, remote *store.Message) {
	res, err := e.db.MergeMessage(remote.ID, remote.Status, remote.ReadBy)
	if err != nil {
		e.logger.Error("merge remote record", zap.String("message_id", remote.ID), zap.Error(err))
		return
	}
	if res == nil || !res.StatusChanged {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatusChanged,
		Timestamp: time.Now(),
		Payload: bus.StatusChange{
			MessageID:      remote.ID,
			ConversationID: local.ConversationID,
			From:           res.From,
			To:             res.To,
		},
	})
}

// ensureConversation inserts a skeleton conversation when a remote
// message arrives for one this device has never seen. Participants are
// the minimum derivable set; a later conversation sync fills the rest.
func (e *Engine) ensureConversation(m *store.Message) error {
	conv, err := e.db.GetConversation(m.ConversationID)
	if err != nil {
		return err
	}
	if conv != nil {
		return nil
	}
	participants := []string{m.SenderID}
	if m.SenderID != e.selfID {
		participants = append(participants, e.selfID)
	}
	return e.db.UpsertConversation(&store.Conversation{
		ID:             m.ConversationID,
		ParticipantIDs: participants,
		LastMessageAt:  m.CreatedAt,
	})
}
