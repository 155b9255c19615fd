// Package roster caches who the user is and who they talk to, for name
// resolution. Snapshots are swapped whole; readers never see a partial list.
package roster

import (
	"fmt"
	"sync"

	"github.com/matheus3301/imclient/internal/names"
	"github.com/matheus3301/imclient/internal/protocol"
	"github.com/matheus3301/imclient/internal/store"
)

type memberKey struct {
	convID int64
	userID int64
}

// Cache holds the identity, friend and member snapshots. A nil db keeps the
// cache memory-only.
type Cache struct {
	db *store.DB

	mu       sync.RWMutex
	userID   int64
	nickname string
	friends  map[int64]names.Friend
	members  map[memberKey]names.Member
}

var (
	_ names.IdentitySource = (*Cache)(nil)
	_ names.MemberSource   = (*Cache)(nil)
	_ names.FriendSource   = (*Cache)(nil)
)

// New creates an empty cache.
func New(db *store.DB) *Cache {
	return &Cache{
		db:      db,
		friends: map[int64]names.Friend{},
		members: map[memberKey]names.Member{},
	}
}

// Load fills the cache from the database.
func (c *Cache) Load() error {
	if c.db == nil {
		return nil
	}
	cred, err := c.db.GetCredential()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	friends, err := c.db.ListFriends()
	if err != nil {
		return fmt.Errorf("load friends: %w", err)
	}
	members, err := c.db.ListMembers()
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}

	fm := make(map[int64]names.Friend, len(friends))
	for _, f := range friends {
		fm[f.FriendID] = names.Friend{RemarkName: f.RemarkName, Nickname: f.Nickname}
	}
	mm := make(map[memberKey]names.Member, len(members))
	for _, m := range members {
		mm[memberKey{m.ConvID, m.UserID}] = names.Member{GroupNickname: m.GroupNickname, Nickname: m.Nickname}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cred != nil {
		c.userID = cred.UserID
		c.nickname = cred.Nickname
	}
	c.friends = fm
	c.members = mm
	return nil
}

// SetIdentity records the signed-in user. A zero userID clears it.
func (c *Cache) SetIdentity(userID int64, nickname string) {
	c.mu.Lock()
	c.userID = userID
	c.nickname = nickname
	c.mu.Unlock()
}

// SetUserID updates the user id and keeps the nickname.
func (c *Cache) SetUserID(userID int64) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Cache) CurrentUserID() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.userID != 0
}

func (c *Cache) ProfileNickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

func (c *Cache) Member(convID, userID int64) (names.Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[memberKey{convID, userID}]
	return m, ok
}

func (c *Cache) Friend(userID int64) (names.Friend, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.friends[userID]
	return f, ok
}

// Counts returns the number of cached friends and memberships.
func (c *Cache) Counts() (friends, members int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.friends), len(c.members)
}

// ReplaceFriends persists and swaps in a fresh friend list.
func (c *Cache) ReplaceFriends(list []protocol.Friend) error {
	rows := make([]store.Friend, 0, len(list))
	snap := make(map[int64]names.Friend, len(list))
	for _, f := range list {
		rows = append(rows, store.Friend{FriendID: f.FriendID, RemarkName: f.RemarkName, Nickname: f.FriendNickname})
		snap[f.FriendID] = names.Friend{RemarkName: f.RemarkName, Nickname: f.FriendNickname}
	}
	if c.db != nil {
		if err := c.db.ReplaceFriends(rows); err != nil {
			return fmt.Errorf("persist friends: %w", err)
		}
	}
	c.mu.Lock()
	c.friends = snap
	c.mu.Unlock()
	return nil
}

// ReplaceMembers persists and swaps in a fresh member list for one conversation.
func (c *Cache) ReplaceMembers(convID int64, list []protocol.Member) error {
	rows := make([]store.Member, 0, len(list))
	for _, m := range list {
		rows = append(rows, store.Member{ConvID: convID, UserID: m.UserID, GroupNickname: m.MemberNickname, Nickname: m.UserNickname})
	}
	if c.db != nil {
		if err := c.db.ReplaceMembers(convID, rows); err != nil {
			return fmt.Errorf("persist members: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[memberKey]names.Member, len(c.members)+len(rows))
	for k, v := range c.members {
		if k.convID != convID {
			next[k] = v
		}
	}
	for _, r := range rows {
		next[memberKey{convID, r.UserID}] = names.Member{GroupNickname: r.GroupNickname, Nickname: r.Nickname}
	}
	c.members = next
	return nil
}
