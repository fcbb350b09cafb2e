package store

import "time"

// QueueOutbox journals a send. Re-queuing an existing client token (manual
// retry) resets it to queued with zero attempts.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_token, conversation_id, sender_id, content, media_ref, reply_to_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)
		ON CONFLICT(client_token) DO UPDATE SET
			status = 'queued',
			attempts = 0,
			error_message = '',
			updated_at = excluded.updated_at`,
		e.ClientToken, e.ConversationID, e.SenderID, e.Content, e.MediaRef, e.ReplyToID, now, now)
	return err
}

// MarkOutboxSending records a write attempt.
func (db *DB) MarkOutboxSending(clientToken string, attempt int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = ?, updated_at = ? WHERE client_token = ?`,
		attempt, now, clientToken)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(clientToken, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, error_message = '', updated_at = ? WHERE client_token = ?`,
		serverID, now, clientToken)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientToken, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_token = ?`,
		errMsg, now, clientToken)
	return err
}

// PendingOutbox returns a conversation's sends that never reached 'sent',
// oldest first.
func (db *DB) PendingOutbox(conversationID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, conversation_id, sender_id, content, media_ref, reply_to_id,
		       status, attempts, error_message, server_id, created_at
		FROM outbox WHERE conversation_id = ? AND status != 'sent'
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.ClientToken, &e.ConversationID, &e.SenderID, &e.Content, &e.MediaRef,
			&e.ReplyToID, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerID, &createdMs); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
