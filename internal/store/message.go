package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertMessage inserts a message, or refreshes the body of an existing
// row (idempotent on conversation_id + msg_id). The stored status only
// moves forward: a redelivered frame never rewinds read back to
// delivered. Statuses outside the ladder (failed) rank highest so a
// redelivery never undoes an explicit failure mark. Reports whether the
// row was newly inserted, so callers can skip side effects on
// redelivery.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	var existing int
	if err := db.QueryRow(`
		SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		m.ConversationID, m.MsgID).Scan(&existing); err != nil {
		return false, err
	}

	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, body, kind, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = CASE WHEN
				(CASE excluded.status WHEN 'sending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)
				> (CASE messages.status WHEN 'sending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)
				THEN excluded.status ELSE messages.status END`,
		m.ConversationID, m.MsgID, m.ClientMsgID, m.SenderID, m.Body, m.Kind, m.FromMe, m.Status, m.Timestamp, now)
	if err != nil {
		return false, err
	}
	return existing == 0, nil
}

// GetMessageByMsgID returns a message by its current key (client id before
// reconciliation, canonical id after), or nil when unknown.
func (db *DB) GetMessageByMsgID(msgID string) (*Message, error) {
	var m Message
	var editedAt, deletedAt sql.NullInt64
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, body, kind, from_me, status, edited_at, deleted_at, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.Body, &m.Kind, &m.FromMe, &m.Status, &editedAt, &deletedAt, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.EditedAt = editedAt.Int64
	m.DeletedAt = deletedAt.Int64
	return &m, nil
}

// UpdateMessageStatus sets the delivery status for a message.
func (db *DB) UpdateMessageStatus(msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, status, msgID)
	return err
}

// ResolveClientID atomically rewrites a message keyed by its client id to
// the server-assigned canonical id and marks it sent. Readers never observe
// the client key once the canonical id is known.
func (db *DB) ResolveClientID(clientID, canonicalID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET msg_id = ?, status = ? WHERE msg_id = ? AND client_msg_id = ?`,
		canonicalID, StatusSent, clientID, clientID); err != nil {
		return fmt.Errorf("rewrite message id: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE outbox SET status = ?, server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxSent, canonicalID, now, clientID); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE last_message_id = ?`,
		canonicalID, now, clientID); err != nil {
		return fmt.Errorf("rewrite last message pointer: %w", err)
	}

	return tx.Commit()
}

// EditMessage replaces the body and records the edit time.
func (db *DB) EditMessage(msgID, body string, editedAt int64) error {
	_, err := db.Exec(`UPDATE messages SET body = ?, edited_at = ? WHERE msg_id = ?`, body, editedAt, msgID)
	return err
}

// TombstoneMessage marks a message deleted without removing the row, so
// ordering and unread accounting stay consistent.
func (db *DB) TombstoneMessage(msgID string, deletedAt int64) error {
	_, err := db.Exec(`UPDATE messages SET deleted_at = ? WHERE msg_id = ?`, deletedAt, msgID)
	return err
}

// MarkMessagesRead flips the given remote-authored messages to read and
// returns how many were previously unread. Duplicate or racing read calls
// therefore decrement the unread counter by zero.
func (db *DB) MarkMessagesRead(convID string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(msgIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, convID)
	for _, id := range msgIDs {
		args = append(args, id)
	}

	res, err := db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND from_me = 0 AND status != 'read' AND msg_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UnreadMessageIDs returns the ids of remote-authored unread messages in a
// conversation, oldest first.
func (db *DB) UnreadMessageIDs(convID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT msg_id FROM messages
		WHERE conversation_id = ? AND from_me = 0 AND status != 'read'
		ORDER BY timestamp ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, body, kind, from_me, status, edited_at, deleted_at, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var editedAt, deletedAt sql.NullInt64
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.Body, &m.Kind, &m.FromMe, &m.Status, &editedAt, &deletedAt, &m.Timestamp); err != nil {
			return nil, err
		}
		m.EditedAt = editedAt.Int64
		m.DeletedAt = deletedAt.Int64
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
