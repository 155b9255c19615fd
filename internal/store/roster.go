package store

import (
	"fmt"
	"time"
)

// ReplaceFriends swaps the cached friend list in a single transaction.
func (db *DB) ReplaceFriends(friends []Friend) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM friends`); err != nil {
		return fmt.Errorf("clear friends: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, f := range friends {
		if _, err := tx.Exec(`
			INSERT INTO friends (friend_id, remark_name, nickname, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(friend_id) DO UPDATE SET
				remark_name = excluded.remark_name,
				nickname = excluded.nickname,
				updated_at = excluded.updated_at`,
			f.FriendID, f.RemarkName, f.Nickname, now); err != nil {
			return fmt.Errorf("upsert friend %d: %w", f.FriendID, err)
		}
	}
	return tx.Commit()
}

// ListFriends returns every cached friend.
func (db *DB) ListFriends() ([]Friend, error) {
	rows, err := db.Query(`SELECT friend_id, remark_name, nickname FROM friends ORDER BY friend_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.FriendID, &f.RemarkName, &f.Nickname); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReplaceMembers swaps the cached member list of one conversation.
func (db *DB) ReplaceMembers(convID int64, members []Member) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM members WHERE conv_id = ?`, convID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, m := range members {
		if _, err := tx.Exec(`
			INSERT INTO members (conv_id, user_id, group_nickname, nickname, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conv_id, user_id) DO UPDATE SET
				group_nickname = excluded.group_nickname,
				nickname = excluded.nickname,
				updated_at = excluded.updated_at`,
			convID, m.UserID, m.GroupNickname, m.Nickname, now); err != nil {
			return fmt.Errorf("upsert member %d/%d: %w", convID, m.UserID, err)
		}
	}
	return tx.Commit()
}

// ListMembers returns every cached membership across conversations.
func (db *DB) ListMembers() ([]Member, error) {
	rows, err := db.Query(`SELECT conv_id, user_id, group_nickname, nickname FROM members ORDER BY conv_id, user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConvID, &m.UserID, &m.GroupNickname, &m.Nickname); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
