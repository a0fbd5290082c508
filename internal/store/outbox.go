package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds an envelope to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, convID, body, kind string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, convID, body, kind, now, now)
	return err
}

// PendingOutbox returns queued envelopes strictly in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, kind, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Kind, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns an outbox entry by client id, or nil when unknown.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, conversation_id, body, kind, status, attempts, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Kind, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkOutboxSending updates an entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxQueued returns an in-flight entry to the queue without touching
// its attempt counter. Used when the connection drops mid-send: connection
// loss does not consume the envelope's retry budget.
func (db *DB) MarkOutboxQueued(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RecordOutboxAttempt increments the attempt counter and returns the new count.
func (db *DB) RecordOutboxAttempt(clientMsgID string) (int, error) {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`UPDATE outbox SET attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID); err != nil {
		return 0, err
	}
	var attempts int
	err := db.QueryRow(`SELECT attempts FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&attempts)
	return attempts, err
}

// MarkOutboxFailed updates an entry to 'failed' with an error message. The
// row is retained for manual retry.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue with a fresh attempt
// budget (manual retry).
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`, now, clientMsgID)
	return err
}

// RequeueInFlight returns entries stuck in 'sending' to 'queued'. Called on
// startup to recover envelopes from a crash mid-send.
func (db *DB) RequeueInFlight() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
