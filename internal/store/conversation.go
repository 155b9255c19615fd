package store

import (
	"database/sql"
	"errors"
	"time"
)

// TouchConversation records that a conversation was opened.
func (db *DB) TouchConversation(convID int64, openedAt int64) error {
	_, err := db.Exec(`
		INSERT INTO conversations (conv_id, last_opened_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			last_opened_at = excluded.last_opened_at,
			updated_at = excluded.updated_at`,
		convID, openedAt, time.Now().UnixMilli())
	return err
}

// MarkConversationRead advances the read marker. It never moves backwards.
func (db *DB) MarkConversationRead(convID, messageID int64) error {
	_, err := db.Exec(`
		INSERT INTO conversations (conv_id, last_read_message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			last_read_message_id = MAX(conversations.last_read_message_id, excluded.last_read_message_id),
			updated_at = excluded.updated_at`,
		convID, messageID, time.Now().UnixMilli())
	return err
}

// GetConversation returns a conversation, or nil when it was never opened.
func (db *DB) GetConversation(convID int64) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`SELECT conv_id, last_opened_at, last_read_message_id FROM conversations WHERE conv_id = ?`, convID).
		Scan(&c.ConvID, &c.LastOpenedAt, &c.LastReadMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LastOpenedConversation returns the most recently opened conversation, or nil.
func (db *DB) LastOpenedConversation() (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT conv_id, last_opened_at, last_read_message_id
		FROM conversations
		WHERE last_opened_at > 0
		ORDER BY last_opened_at DESC
		LIMIT 1`).
		Scan(&c.ConvID, &c.LastOpenedAt, &c.LastReadMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
