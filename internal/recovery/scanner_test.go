package recovery

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

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

func seed(t *testing.T, db *store.DB, id, status string, lastAttempt int64) {
	t.Helper()
	err := db.UpsertMessage(&store.Message{
		ID: id, ConversationID: "conv1", SenderID: "alice",
		Body: "msg", Status: status, LastAttemptAt: lastAttempt, CreatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testScanner(t *testing.T, db *store.DB) *Scanner {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(db, 30*time.Second, logger)
}

func TestRecoverRequeuesStrandedInFlight(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertConversation(&store.Conversation{ID: "conv1", ParticipantIDs: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-time.Hour).UnixMilli()
	seed(t, db, "stranded-pending", store.StatusPending, stale)
	seed(t, db, "stranded-sent", store.StatusSent, stale)
	seed(t, db, "orphan-queued", store.StatusQueued, 0)

	// Recent attempt: another writer may still be working on it.
	seed(t, db, "fresh-pending", store.StatusPending, time.Now().UnixMilli())

	// Properly queued: already has its entry.
	seed(t, db, "healthy-queued", store.StatusQueued, 0)
	if err := db.Enqueue("healthy-queued", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	// Settled messages are never recovery candidates.
	seed(t, db, "delivered", store.StatusDelivered, stale)
	seed(t, db, "failed", store.StatusFailed, stale)

	n, err := testScanner(t, db).Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("requeued %d, want 3", n)
	}

	for _, id := range []string{"stranded-pending", "stranded-sent", "orphan-queued"} {
		if has, _ := db.HasPending(id); !has {
			t.Errorf("%s should have been re-queued", id)
		}
	}
	for _, id := range []string{"fresh-pending", "delivered", "failed"} {
		if has, _ := db.HasPending(id); has {
			t.Errorf("%s should not have been re-queued", id)
		}
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertConversation(&store.Conversation{ID: "conv1", ParticipantIDs: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	seed(t, db, "m1", store.StatusPending, time.Now().Add(-time.Hour).UnixMilli())

	s := testScanner(t, db)
	if _, err := s.Recover(); err != nil {
		t.Fatal(err)
	}
	n, err := s.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass requeued %d, want 0", n)
	}
}

func TestRecoverEmptyStore(t *testing.T) {
	db := testDB(t)
	n, err := testScanner(t, db).Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("requeued %d, want 0", n)
	}
}
