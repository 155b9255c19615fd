// Package names picks the display name for a message sender.
package names

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unknown is shown when no source yields a name.
const Unknown = "Unknown user"

// IdentitySource exposes the signed-in user.
type IdentitySource interface {
	CurrentUserID() (int64, bool)
	ProfileNickname() string
}

// MemberSource looks up a user's membership record in a conversation.
type MemberSource interface {
	Member(convID, userID int64) (Member, bool)
}

// FriendSource looks up the signed-in user's relationship with another user.
type FriendSource interface {
	Friend(userID int64) (Friend, bool)
}

// Member holds the names a group member is known by.
type Member struct {
	GroupNickname string
	Nickname      string
}

// Friend holds the names the signed-in user has for a friend.
type Friend struct {
	RemarkName string
	Nickname   string
}

// Resolver runs the name cascade against read-only sources. Any source may be nil.
type Resolver struct {
	identity IdentitySource
	members  MemberSource
	friends  FriendSource
}

// NewResolver creates a resolver.
func NewResolver(identity IdentitySource, members MemberSource, friends FriendSource) *Resolver {
	return &Resolver{identity: identity, members: members, friends: friends}
}

// Resolve returns the first non-empty name among, in order: the sender's
// nickname in this group, the user's own profile nickname when the sender is
// the user, the friend remark then friend nickname, the sender's plain
// nickname from the member record, and fallback. It never returns "".
func (r *Resolver) Resolve(senderID, convID int64, fallback string) string {
	var member Member
	var hasMember bool
	if r.members != nil {
		member, hasMember = r.members.Member(convID, senderID)
	}
	if hasMember {
		if name := clean(member.GroupNickname); name != "" {
			return name
		}
	}

	if r.identity != nil {
		if me, ok := r.identity.CurrentUserID(); ok && me == senderID {
			if name := clean(r.identity.ProfileNickname()); name != "" {
				return name
			}
		}
	}

	if r.friends != nil {
		if f, ok := r.friends.Friend(senderID); ok {
			if name := clean(f.RemarkName); name != "" {
				return name
			}
			if name := clean(f.Nickname); name != "" {
				return name
			}
		}
	}

	if hasMember {
		if name := clean(member.Nickname); name != "" {
			return name
		}
	}

	if name := clean(fallback); name != "" {
		return name
	}
	return Unknown
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
