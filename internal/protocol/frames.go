package protocol

// Connected is the server greeting after the socket is accepted.
type Connected struct {
	UserID        int64   `json:"userId"`
	Subscriptions []int64 `json:"subscriptions"`
	Message       string  `json:"message,omitempty"`
}

// NewMessage carries a message broadcast by the server. The same shape is
// used for messageSent confirmations, which also echo the sender's
// localMessageId.
type NewMessage struct {
	MessageID        int64   `json:"messageId"`
	ConvID           int64   `json:"convId"`
	SenderID         int64   `json:"senderId"`
	MessageType      string  `json:"messageType"`
	MessageContent   string  `json:"messageContent"`
	SendTime         Millis  `json:"sendTime"`
	MessageStatus    int     `json:"messageStatus"`
	ReplyToMessageID *int64  `json:"replyToMessageId,omitempty"`
	AtUserIDs        []int64 `json:"atUserIds,omitempty"`
	IsRecalled       Flag    `json:"isRecalled,omitempty"`
	RecallTime       Millis  `json:"recallTime,omitempty"`
	SenderName       string  `json:"senderName,omitempty"`
	LocalMessageID   string  `json:"localMessageId,omitempty"`
}

// MessageAck advances the delivery status of a message.
type MessageAck struct {
	MessageID      int64  `json:"messageId"`
	ConvID         int64  `json:"convId"`
	Status         int    `json:"status"`
	LocalMessageID string `json:"localMessageId,omitempty"`
	Timestamp      Millis `json:"timestamp,omitempty"`
}

// MessageRecalled withdraws a message.
type MessageRecalled struct {
	MessageID  int64  `json:"messageId"`
	ConvID     int64  `json:"convId"`
	SenderID   int64  `json:"senderId"`
	RecallTime Millis `json:"recallTime"`
}

// MessageRead is a read receipt from another member.
type MessageRead struct {
	ConvID    int64  `json:"convId"`
	UserID    int64  `json:"userId"`
	MessageID int64  `json:"messageId"`
	ReadTime  Millis `json:"readTime"`
}

// Error reports a server-side failure, optionally tied to a pending send.
type Error struct {
	Code           Code   `json:"code,omitempty"`
	Message        string `json:"message"`
	LocalMessageID string `json:"localMessageId,omitempty"`
}

// SendMessage submits a new message.
type SendMessage struct {
	Action           Action  `json:"action"`
	ConvID           int64   `json:"convId"`
	SenderID         int64   `json:"senderId,omitempty"`
	MessageType      string  `json:"messageType"`
	MessageContent   string  `json:"messageContent"`
	ReplyToMessageID *int64  `json:"replyToMessageId,omitempty"`
	AtUserIDs        []int64 `json:"atUserIds,omitempty"`
	LocalMessageID   string  `json:"localMessageId"`
}

// ReadMessage marks a conversation read up to MessageID.
type ReadMessage struct {
	Action    Action `json:"action"`
	ConvID    int64  `json:"convId"`
	MessageID int64  `json:"messageId"`
}

// RecallMessage asks the server to withdraw one of the user's messages.
type RecallMessage struct {
	Action    Action `json:"action"`
	ConvID    int64  `json:"convId"`
	MessageID int64  `json:"messageId"`
}

// NewSendMessage builds a sendMessage frame.
func NewSendMessage(convID, senderID int64, messageType, content, localID string) SendMessage {
	return SendMessage{
		Action:         ActionSendMessage,
		ConvID:         convID,
		SenderID:       senderID,
		MessageType:    messageType,
		MessageContent: content,
		LocalMessageID: localID,
	}
}

// WithReply sets the quoted message and the mentioned users. A zero
// replyTo and an empty atUserIDs leave the fields off the wire.
func (m SendMessage) WithReply(replyTo int64, atUserIDs []int64) SendMessage {
	m.ReplyToMessageID = nil
	if replyTo != 0 {
		m.ReplyToMessageID = &replyTo
	}
	m.AtUserIDs = nil
	if len(atUserIDs) > 0 {
		m.AtUserIDs = append([]int64(nil), atUserIDs...)
	}
	return m
}

// NewReadMessage builds a readMessage frame.
func NewReadMessage(convID, messageID int64) ReadMessage {
	return ReadMessage{Action: ActionReadMessage, ConvID: convID, MessageID: messageID}
}

// NewRecallMessage builds a recallMessage frame.
func NewRecallMessage(convID, messageID int64) RecallMessage {
	return RecallMessage{Action: ActionRecallMessage, ConvID: convID, MessageID: messageID}
}
