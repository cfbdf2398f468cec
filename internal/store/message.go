package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status update would move a
// message backward through its lifecycle.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func decodeIDs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	_ = json.Unmarshal([]byte(raw), &ids)
	return ids
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// UpsertMessage inserts or updates a message, idempotent on its id.
// Identity fields (conversation, sender, created_at) are never rewritten;
// callers resolve status merges before upserting.
func (db *DB) UpsertMessage(m *Message) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, media_ref, status, read_by, retry_count, last_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			media_ref = excluded.media_ref,
			status = excluded.status,
			read_by = excluded.read_by`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.MediaRef, m.Status,
		encodeIDs(m.ReadBy), m.RetryCount, m.LastAttemptAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_id, body, media_ref, status, read_by, retry_count, last_attempt_at, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var readBy string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.MediaRef,
		&m.Status, &readBy, &m.RetryCount, &m.LastAttemptAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ReadBy = decodeIDs(readBy)
	return &m, nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by creation time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
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

// UpdateMessageStatus moves a message to a new status, enforcing the
// forward-only lifecycle. Returns the previous status. ErrInvalidTransition
// is wrapped when the move is not allowed.
func (db *DB) UpdateMessageStatus(id, to string) (from string, err error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	err = db.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("message %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("read status of %s: %w", id, err)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s (message %s)", ErrInvalidTransition, from, to, id)
	}
	if _, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, to, id); err != nil {
		return from, fmt.Errorf("update status of %s: %w", id, err)
	}
	return from, nil
}

// MergeResult reports what MergeMessage changed.
type MergeResult struct {
	From          string
	To            string
	StatusChanged bool
	ReadersAdded  bool
}

// MergeMessage folds an incoming record's status and read set into the
// local row. The current row is re-read inside the write lock, so a
// promotion landing between the caller's snapshot and this write cannot
// be overwritten with stale state: the status only ever advances through
// the forward-only guard and read sets union. Returns nil if the message
// no longer exists.
func (db *DB) MergeMessage(id, status string, readBy []string) (*MergeResult, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin merge of %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var curStatus, rawReadBy string
	err = tx.QueryRow(`SELECT status, read_by FROM messages WHERE id = ?`, id).Scan(&curStatus, &rawReadBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s for merge: %w", id, err)
	}

	current := decodeIDs(rawReadBy)
	merged := unionIDs(current, readBy)

	res := &MergeResult{From: curStatus, To: curStatus, ReadersAdded: len(merged) > len(current)}
	if status != "" && StatusRank(status) > StatusRank(curStatus) && CanTransition(curStatus, status) {
		res.To = status
		res.StatusChanged = true
	}
	if !res.StatusChanged && !res.ReadersAdded {
		return res, nil
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ?, read_by = ? WHERE id = ?`,
		res.To, encodeIDs(merged), id); err != nil {
		return nil, fmt.Errorf("merge %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge of %s: %w", id, err)
	}
	return res, nil
}

// MarkAttempt records a delivery attempt: bumps retry_count and stamps
// last_attempt_at.
func (db *DB) MarkAttempt(id string, at int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`UPDATE messages SET retry_count = retry_count + 1, last_attempt_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("mark attempt on %s: %w", id, err)
	}
	return nil
}

// DeleteMessage removes a message and, via cascade, its pending-send entry.
// Supports the explicit user-initiated delete; the engine itself never
// deletes messages.
func (db *DB) DeleteMessage(id string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// MessagesUnreadBy returns messages in a conversation that were not sent
// by readerID and do not yet carry readerID in read_by.
func (db *DB) MessagesUnreadBy(conversationID, readerID string) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_id != ?
		ORDER BY created_at ASC`, conversationID, readerID)
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
		if !m.HasReader(readerID) {
			msgs = append(msgs, m)
		}
	}
	return msgs, rows.Err()
}
