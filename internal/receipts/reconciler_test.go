package receipts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"courier/internal/bus"
	"courier/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*store.Message
}

func (f *fakeSender) Send(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.sent = append(f.sent, &cp)
	return nil
}

func seedConversation(t *testing.T, db *store.DB, id string, isGroup bool, participants ...string) {
	t.Helper()
	err := db.UpsertConversation(&store.Conversation{
		ID: id, ParticipantIDs: participants, IsGroup: isGroup, UnreadCount: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedMessage(t *testing.T, db *store.DB, id, conv, sender, msgStatus string, readBy ...string) {
	t.Helper()
	err := db.UpsertMessage(&store.Message{
		ID: id, ConversationID: conv, SenderID: sender,
		Body: "msg " + id, Status: msgStatus, ReadBy: readBy, CreatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testReconciler(t *testing.T, db *store.DB, sender *fakeSender) (*Reconciler, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	if sender == nil {
		// Typed nil would defeat the reconciler's nil check.
		return New(db, nil, b, logger), b
	}
	return New(db, sender, b, logger), b
}

func TestMarkReadDirectConversation(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "conv1", false, "alice", "bob")
	seedMessage(t, db, "m1", "conv1", "alice", store.StatusDelivered)
	seedMessage(t, db, "m2", "conv1", "alice", store.StatusDelivered)

	r, b := testReconciler(t, db, nil)
	changes, unsub := b.Subscribe(bus.KindMessageStatusChanged, 8)
	defer unsub()

	if err := r.MarkConversationRead(context.Background(), "conv1", "bob"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"m1", "m2"} {
		m, err := db.GetMessage(id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != store.StatusRead {
			t.Errorf("%s status = %s, want read", id, m.Status)
		}
		if !m.HasReader("bob") {
			t.Errorf("%s missing bob in read_by", id)
		}
	}

	conv, err := db.GetConversation("conv1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}

	got := 0
	for len(changes) > 0 {
		evt := <-changes
		if evt.Payload.(bus.StatusChange).To == store.StatusRead {
			got++
		}
	}
	if got != 2 {
		t.Errorf("published %d read status changes, want 2", got)
	}
}

func TestMarkReadGroupAnyReaderPromotes(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "g1", true, "alice", "bob", "carol")
	seedMessage(t, db, "m1", "g1", "alice", store.StatusDelivered)

	r, _ := testReconciler(t, db, nil)
	if err := r.MarkConversationRead(context.Background(), "g1", "carol"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Errorf("status = %s, want read (any non-sender reader promotes)", m.Status)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "conv1", false, "alice", "bob")
	seedMessage(t, db, "m1", "conv1", "alice", store.StatusDelivered)

	r, _ := testReconciler(t, db, nil)
	ctx := context.Background()
	if err := r.MarkConversationRead(ctx, "conv1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkConversationRead(ctx, "conv1", "bob"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ReadBy) != 1 {
		t.Errorf("read_by = %v, want single entry", m.ReadBy)
	}
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "conv1", false, "alice", "bob")
	seedMessage(t, db, "mine", "conv1", "bob", store.StatusSent)
	seedMessage(t, db, "theirs", "conv1", "alice", store.StatusDelivered)

	r, _ := testReconciler(t, db, nil)
	if err := r.MarkConversationRead(context.Background(), "conv1", "bob"); err != nil {
		t.Fatal(err)
	}

	mine, err := db.GetMessage("mine")
	if err != nil {
		t.Fatal(err)
	}
	if mine.Status != store.StatusSent || len(mine.ReadBy) != 0 {
		t.Error("reader's own messages must not be touched")
	}
}

func TestMarkReadPushesReceipts(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "conv1", false, "alice", "bob")
	seedMessage(t, db, "m1", "conv1", "alice", store.StatusDelivered)

	sender := &fakeSender{}
	r, _ := testReconciler(t, db, sender)
	if err := r.MarkConversationRead(context.Background(), "conv1", "bob"); err != nil {
		t.Fatal(err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("pushed %d receipts, want 1", len(sender.sent))
	}
	pushed := sender.sent[0]
	if pushed.Status != store.StatusRead || !pushed.HasReader("bob") {
		t.Errorf("pushed receipt = %+v, want read status with bob in read_by", pushed)
	}
}

func TestMarkReadUnknownConversation(t *testing.T) {
	db := testDB(t)
	r, _ := testReconciler(t, db, nil)
	if err := r.MarkConversationRead(context.Background(), "nope", "bob"); err == nil {
		t.Error("unknown conversation should error")
	}
}
