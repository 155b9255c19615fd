package store

import "time"

// Outbox statuses.
const (
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// QueueOutbox records an optimistic send.
func (db *DB) QueueOutbox(localID string, convID int64, messageType, content string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conv_id, message_type, content, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'sending', 1, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
		localID, convID, messageType, content, now, now)
	return err
}

// RecordOutboxAttempt bumps the attempt counter of a pending send.
func (db *DB) RecordOutboxAttempt(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET attempts = attempts + 1, updated_at = ? WHERE local_id = ? AND status = 'sending'`, now, localID)
	return err
}

// MarkOutboxSent links an outbox entry to the server message id.
func (db *DB) MarkOutboxSent(localID string, messageID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', message_id = ?, updated_at = ? WHERE local_id = ?`, messageID, now, localID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ? AND status != 'sent'`, errMsg, now, localID)
	return err
}

// ListOutbox returns outbox entries with the given status, oldest first.
func (db *DB) ListOutbox(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, conv_id, message_type, content, status, attempts, error_message, message_id, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.LocalID, &e.ConvID, &e.MessageType, &e.Content, &e.Status, &e.Attempts, &e.ErrorMessage, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FailStaleOutbox marks every still-sending entry failed. Called at startup:
// pending sends do not survive a daemon restart.
func (db *DB) FailStaleOutbox(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE status = 'sending'`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
