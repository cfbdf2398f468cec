package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_ids, is_group, last_message_summary, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			is_group = excluded.is_group,
			last_message_summary = excluded.last_message_summary,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, encodeIDs(c.ParticipantIDs), c.IsGroup, c.LastMessageSummary,
		c.LastMessageAt, c.UnreadCount, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil if it does not exist.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, is_group, last_message_summary, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageSummary, &c.LastMessageAt, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	c.ParticipantIDs = decodeIDs(participants)
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, is_group, last_message_summary, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageSummary, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.ParticipantIDs = decodeIDs(participants)
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// TouchConversation refreshes the denormalized summary fields when the
// timestamp is newer than what is already recorded.
func (db *DB) TouchConversation(id, summary string, at int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`
		UPDATE conversations
		SET last_message_summary = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_summary END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`, at, summary, at, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment unread on %s: %w", id, err)
	}
	return nil
}

// ResetUnread zeroes the unread counter. Only the "conversation opened and
// reconciled" action calls this.
func (db *DB) ResetUnread(id string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset unread on %s: %w", id, err)
	}
	return nil
}
