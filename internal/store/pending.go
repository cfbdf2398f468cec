package store

import (
	"database/sql"
	"fmt"
)

// Enqueue adds a message to the durable pending-send queue. Idempotent: a
// message already queued keeps its original position and bookkeeping.
func (db *DB) Enqueue(messageID string, at int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`
		INSERT OR IGNORE INTO pending_sends (message_id, enqueued_at)
		VALUES (?, ?)`, messageID, at)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", messageID, err)
	}
	return nil
}

// PendingEntries returns the whole queue in enqueue order. Rowid breaks
// same-millisecond ties so rapid submissions keep their submission order.
func (db *DB) PendingEntries() ([]PendingSendEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, enqueued_at, retry_count, last_retry_at, next_retry_at
		FROM pending_sends
		ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingSendEntry
	for rows.Next() {
		var e PendingSendEntry
		if err := rows.Scan(&e.MessageID, &e.EnqueuedAt, &e.RetryCount, &e.LastRetryAt, &e.NextRetryAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemovePending removes a queue entry, confirming or abandoning the send.
func (db *DB) RemovePending(messageID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`DELETE FROM pending_sends WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove pending %s: %w", messageID, err)
	}
	return nil
}

// BumpPendingRetry records a failed drain attempt on a queue entry and
// schedules when the next attempt becomes due. Callers pass a jittered
// nextDue so entries bumped in the same pass do not come due in lockstep.
func (db *DB) BumpPendingRetry(messageID string, at, nextDue int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`
		UPDATE pending_sends SET retry_count = retry_count + 1, last_retry_at = ?, next_retry_at = ?
		WHERE message_id = ?`, at, nextDue, messageID)
	if err != nil {
		return fmt.Errorf("bump retry on %s: %w", messageID, err)
	}
	return nil
}

// HasPending reports whether a queue entry exists for the message.
func (db *DB) HasPending(messageID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM pending_sends WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pending %s: %w", messageID, err)
	}
	return true, nil
}

// OrphanedInFlight returns messages a prior process left in pending or
// sent state with no queue entry and no attempt activity since staleBefore.
// These are the crash-recovery candidates: the prior process may or may
// not have completed the remote write.
func (db *DB) OrphanedInFlight(staleBefore int64) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.status IN (?, ?)
		  AND m.last_attempt_at < ?
		  AND NOT EXISTS (SELECT 1 FROM pending_sends p WHERE p.message_id = m.id)
		ORDER BY m.created_at ASC`, StatusPending, StatusSent, staleBefore)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// OrphanedQueued returns queued messages with no queue entry. This state
// is an anomaly (the dispatcher enqueues durably before returning) but a
// crash between the two writes would otherwise strand the message forever.
func (db *DB) OrphanedQueued() ([]*Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.status = ?
		  AND NOT EXISTS (SELECT 1 FROM pending_sends p WHERE p.message_id = m.id)
		ORDER BY m.created_at ASC`, StatusQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
