package protocol

// Envelope wraps every REST response. Code 200 means success.
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// HistoryPage is one page of a conversation's history, newest page first.
type HistoryPage struct {
	Messages []HistoryMessage `json:"messages"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

// HasMore reports whether older pages remain.
func (p HistoryPage) HasMore() bool {
	if p.PageSize <= 0 {
		return false
	}
	return p.Page*p.PageSize < p.Total
}

// HistoryMessage is a message as returned by the history endpoint.
type HistoryMessage struct {
	MessageID          int64   `json:"messageId"`
	ConvID             int64   `json:"convId"`
	SenderID           int64   `json:"senderId"`
	MessageType        string  `json:"messageType"`
	MessageContent     string  `json:"messageContent"`
	MessageStatus      int     `json:"messageStatus"`
	IsRecalled         Flag    `json:"isRecalled"`
	SendTime           Millis  `json:"sendTime"`
	SenderAvatar       string  `json:"senderAvatar,omitempty"`
	DisplayName        string  `json:"displayName"`
	MemberNickname     string  `json:"memberNickname,omitempty"`
	PrivateDisplayName string  `json:"privateDisplayName,omitempty"`
	ConvType           int     `json:"convType"`
	IsSentByMe         Flag    `json:"isSentByMe"`
	ReplyToMessageID   *int64  `json:"replyToMessageId,omitempty"`
	AtUserIDs          []int64 `json:"atUserIds,omitempty"`
	RecallTime         Millis  `json:"recallTime,omitempty"`
}

// Friend is one entry of the user's friend list.
type Friend struct {
	FriendID       int64  `json:"friendId"`
	RemarkName     string `json:"remarkName"`
	FriendNickname string `json:"friendNickname"`
}

// Member is one member of a group conversation.
type Member struct {
	UserID         int64  `json:"userId"`
	MemberNickname string `json:"memberNickname"`
	UserNickname   string `json:"userNickname"`
}
