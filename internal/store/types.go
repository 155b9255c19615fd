package store

// Credential is the session's sign-in record.
type Credential struct {
	Token    string
	UserID   int64
	Nickname string
}

// Friend is a cached friend-list entry.
type Friend struct {
	FriendID   int64
	RemarkName string
	Nickname   string
}

// Member is a cached group membership.
type Member struct {
	ConvID        int64
	UserID        int64
	GroupNickname string
	Nickname      string
}

// Conversation tracks per-conversation client state.
type Conversation struct {
	ConvID            int64
	LastOpenedAt      int64
	LastReadMessageID int64
}

// Message is a journaled server-confirmed message.
type Message struct {
	ID          int64
	ConvID      int64
	MessageID   int64
	LocalID     string
	SenderID    int64
	SenderName  string
	MessageType string
	Content     string
	Status      int
	SendTime    int64
	IsRecalled  bool
	RecallTime  int64
	FromMe      bool
}

// OutboxEntry is an optimistic send awaiting confirmation.
type OutboxEntry struct {
	LocalID      string
	ConvID       int64
	MessageType  string
	Content      string
	Status       string // sending, sent, failed
	Attempts     int
	ErrorMessage string
	MessageID    int64
	CreatedAt    int64
}
