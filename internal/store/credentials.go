package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveCredential replaces the stored credential.
func (db *DB) SaveCredential(c Credential) error {
	_, err := db.Exec(`
		INSERT INTO credentials (id, token, user_id, nickname, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			nickname = excluded.nickname,
			updated_at = excluded.updated_at`,
		c.Token, c.UserID, c.Nickname, time.Now().UnixMilli())
	return err
}

// GetCredential returns the stored credential, or nil when none is saved.
func (db *DB) GetCredential() (*Credential, error) {
	var c Credential
	err := db.QueryRow(`SELECT token, user_id, nickname FROM credentials WHERE id = 1`).
		Scan(&c.Token, &c.UserID, &c.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCredentialUser records the user id the server reported for the token.
func (db *DB) SetCredentialUser(userID int64) error {
	_, err := db.Exec(`UPDATE credentials SET user_id = ?, updated_at = ? WHERE id = 1`,
		userID, time.Now().UnixMilli())
	return err
}

// ClearCredential removes the stored credential.
func (db *DB) ClearCredential() error {
	_, err := db.Exec(`DELETE FROM credentials WHERE id = 1`)
	return err
}
