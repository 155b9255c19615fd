// Package messages holds the reconciled message list of the open
// conversation. History pages, live pushes and optimistic sends all merge
// into one list that is de-duplicated by server id and ordered by send time.
package messages

import (
	"slices"
	"time"

	"github.com/matheus3301/imclient/internal/protocol"
)

// Status is the delivery state of a message. Values match the wire codes.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Position selects the edge a merged batch is inserted at before re-sorting.
type Position int

const (
	Append Position = iota
	Prepend
)

// DisplayMessage is one entry of the reconciled list. MessageID is zero until
// the server has confirmed the message.
type DisplayMessage struct {
	MessageID          int64
	LocalID            string
	ConvID             int64
	SenderID           int64
	MessageType        string
	Content            string
	Status             Status
	SendTime           int64 // unix ms
	IsRecalled         bool
	RecallTime         int64
	ReplyToMessageID   int64
	AtUserIDs          []int64
	ServerName         string
	ResolvedSenderName string
	IsSentByMe         bool
}

// Time returns SendTime as a time.Time.
func (m DisplayMessage) Time() time.Time {
	return time.UnixMilli(m.SendTime)
}

func (m DisplayMessage) clone() DisplayMessage {
	m.AtUserIDs = slices.Clone(m.AtUserIDs)
	return m
}

// PendingSend tracks an optimistic send until it is confirmed or fails.
type PendingSend struct {
	LocalID     string
	Message     DisplayMessage
	CreatedAt   time.Time
	LastAttempt time.Time
	Attempts    int
}

// Pagination is the history paging cursor of the open conversation.
type Pagination struct {
	Page     int
	PageSize int
	Total    int
	HasMore  bool
}

// FromNewMessage converts a live push or a messageSent confirmation.
func FromNewMessage(m protocol.NewMessage) DisplayMessage {
	out := DisplayMessage{
		MessageID:   m.MessageID,
		LocalID:     m.LocalMessageID,
		ConvID:      m.ConvID,
		SenderID:    m.SenderID,
		MessageType: m.MessageType,
		Content:     m.MessageContent,
		Status:      serverStatus(m.MessageID, m.MessageStatus),
		SendTime:    int64(m.SendTime),
		IsRecalled:  bool(m.IsRecalled),
		RecallTime:  int64(m.RecallTime),
		AtUserIDs:   slices.Clone(m.AtUserIDs),
		ServerName:  m.SenderName,
	}
	if m.ReplyToMessageID != nil {
		out.ReplyToMessageID = *m.ReplyToMessageID
	}
	return out
}

// FromHistory converts an entry of a history page.
func FromHistory(m protocol.HistoryMessage) DisplayMessage {
	out := DisplayMessage{
		MessageID:   m.MessageID,
		ConvID:      m.ConvID,
		SenderID:    m.SenderID,
		MessageType: m.MessageType,
		Content:     m.MessageContent,
		Status:      serverStatus(m.MessageID, m.MessageStatus),
		SendTime:    int64(m.SendTime),
		IsRecalled:  bool(m.IsRecalled),
		RecallTime:  int64(m.RecallTime),
		AtUserIDs:   slices.Clone(m.AtUserIDs),
		ServerName:  firstNonEmpty(m.PrivateDisplayName, m.MemberNickname, m.DisplayName),
		IsSentByMe:  bool(m.IsSentByMe),
	}
	if m.ReplyToMessageID != nil {
		out.ReplyToMessageID = *m.ReplyToMessageID
	}
	return out
}

// serverStatus maps a wire status onto a confirmed message: anything the
// server has assigned an id to is at least sent.
func serverStatus(messageID int64, code int) Status {
	s := Status(code)
	if messageID != 0 && (s < StatusSent || s > StatusRead) {
		return StatusSent
	}
	if s < StatusSending || s > StatusFailed {
		return StatusSent
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SendFailure is published when an optimistic send is given up on.
type SendFailure struct {
	LocalID string
	ConvID  int64
	Reason  string
}
