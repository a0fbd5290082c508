package store

import (
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InsertConversation creates a conversation row. It is a no-op when a row
// with the same dedupe key already exists; the caller reads the winner back
// with GetConversationByKey.
func (db *DB) InsertConversation(c *Conversation) error {
	parts, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	status := c.Status
	if status == "" {
		status = ConvoActive
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, convo_key, participants, status, unread_count, last_message_id, last_message_preview, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', '', 0, ?, ?)
		ON CONFLICT(convo_key) DO NOTHING`,
		c.ID, c.Key, string(parts), status, now, now)
	return err
}

// EnsureConversation inserts a minimal conversation row for a server-known
// conversation id if none exists yet. The dedupe key falls back to the id.
func (db *DB) EnsureConversation(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, convo_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, id, now, now)
	return err
}

// GetConversation returns a conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, convo_key, participants, status, unread_count, last_message_id, last_message_preview, last_message_at
		FROM conversations WHERE id = ?`, id))
}

// GetConversationByKey returns a conversation by dedupe key, or nil when absent.
func (db *DB) GetConversationByKey(key string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT id, convo_key, participants, status, unread_count, last_message_id, last_message_preview, last_message_at
		FROM conversations WHERE convo_key = ?`, key))
}

func (db *DB) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var parts string
	err := row.Scan(&c.ID, &c.Key, &parts, &c.Status, &c.UnreadCount, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, convo_key, participants, status, unread_count, last_message_id, last_message_preview, last_message_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		var parts string
		if err := rows.Scan(&c.ID, &c.Key, &parts, &c.Status, &c.UnreadCount, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// SetLastMessage advances the last-message pointer. Older messages never
// overwrite a newer pointer.
func (db *DB) SetLastMessage(convID, msgID, preview string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET last_message_id = ?, last_message_preview = ?, last_message_at = ?, updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		msgID, preview, at, now, convID, at)
	return err
}

// IncrementUnread adds one to the unread counter.
func (db *DB) IncrementUnread(convID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE id = ?`, now, convID)
	return err
}

// DecrementUnread subtracts n from the unread counter, clamped at zero.
func (db *DB) DecrementUnread(convID string, n int) error {
	if n <= 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = MAX(0, unread_count - ?), updated_at = ?
		WHERE id = ?`, n, now, convID)
	return err
}

// SetConversationStatus updates the conversation status (active/archived/blocked).
func (db *DB) SetConversationStatus(convID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`, status, now, convID)
	return err
}

// SetParticipants replaces the participant list.
func (db *DB) SetParticipants(convID string, participants []string) error {
	parts, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`UPDATE conversations SET participants = ?, updated_at = ? WHERE id = ?`, string(parts), now, convID)
	return err
}
