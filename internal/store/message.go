package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (conv_id, message_id, local_id, sender_id, sender_name, message_type, content, status, send_time, is_recalled, recall_time, from_me, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conv_id, message_id) DO UPDATE SET
		local_id = CASE WHEN excluded.local_id != '' THEN excluded.local_id ELSE messages.local_id END,
		sender_name = excluded.sender_name,
		content = excluded.content,
		status = MAX(messages.status, excluded.status),
		is_recalled = MAX(messages.is_recalled, excluded.is_recalled),
		recall_time = MAX(messages.recall_time, excluded.recall_time)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m *Message, now int64) error {
	_, err := ex.Exec(upsertMessageSQL,
		m.ConvID, m.MessageID, m.LocalID, m.SenderID, m.SenderName, m.MessageType, m.Content,
		m.Status, m.SendTime, m.IsRecalled, m.RecallTime, m.FromMe, now)
	return err
}

// UpsertMessage inserts or updates a message (idempotent on conv_id + message_id).
// Status only moves forward; a recall is sticky.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db, m, time.Now().UnixMilli())
}

// UpsertMessages applies UpsertMessage to a batch in one transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i], now); err != nil {
			return fmt.Errorf("upsert message %d/%d: %w", msgs[i].ConvID, msgs[i].MessageID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset pagination by
// send time, newest first.
func (db *DB) ListMessages(convID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, conv_id, message_id, local_id, sender_id, sender_name, message_type, content, status, send_time, is_recalled, recall_time, from_me
		FROM messages
		WHERE conv_id = ? AND send_time < ?
		ORDER BY send_time DESC, message_id DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConvID, &m.MessageID, &m.LocalID, &m.SenderID, &m.SenderName, &m.MessageType,
			&m.Content, &m.Status, &m.SendTime, &m.IsRecalled, &m.RecallTime, &m.FromMe); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of journaled messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// MarkMessageRecalled flags a journaled message as recalled.
func (db *DB) MarkMessageRecalled(convID, messageID, recallTime int64) error {
	_, err := db.Exec(`UPDATE messages SET is_recalled = 1, recall_time = ? WHERE conv_id = ? AND message_id = ?`,
		recallTime, convID, messageID)
	return err
}
