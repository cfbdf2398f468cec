package store

import (
	"database/sql"
	"fmt"
)

// ReadUpdate is one message's outcome of a read reconciliation pass.
// ReadBy holds readers to merge into the row's read set; Status, when
// non-empty, is the promotion to apply if the row still allows it.
type ReadUpdate struct {
	MessageID string
	ReadBy    []string
	Status    string
}

// ApplyReadUpdates commits a read reconciliation batch atomically. Each
// row is re-read inside the transaction: readers union with whatever the
// row carries now and promotions go through the forward-only guard, so a
// reader or status landed concurrently is never clobbered by the
// reconciler's earlier snapshot. The conversation's unread counter resets
// to zero in the same transaction.
func (db *DB) ApplyReadUpdates(conversationID string, updates []ReadUpdate) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin read batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		var curStatus, rawReadBy string
		err := tx.QueryRow(`SELECT status, read_by FROM messages WHERE id = ?`, u.MessageID).
			Scan(&curStatus, &rawReadBy)
		if err == sql.ErrNoRows {
			// Deleted mid-reconcile.
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s for read batch: %w", u.MessageID, err)
		}

		merged := unionIDs(decodeIDs(rawReadBy), u.ReadBy)
		newStatus := curStatus
		if u.Status != "" && StatusRank(u.Status) > StatusRank(curStatus) && CanTransition(curStatus, u.Status) {
			newStatus = u.Status
		}

		if _, err := tx.Exec(`UPDATE messages SET read_by = ?, status = ? WHERE id = ?`,
			encodeIDs(merged), newStatus, u.MessageID); err != nil {
			return fmt.Errorf("apply read update to %s: %w", u.MessageID, err)
		}
	}

	if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("reset unread on %s: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit read batch: %w", err)
	}
	return nil
}
