package bus

import "time"

// Event kinds published by the client core.
const (
	KindConnStateChanged = "conn.state_changed"
	KindConnOffline      = "conn.offline"

	KindMessageUpserted    = "message.upserted"
	KindMessageListChanged = "message.list_changed"
	KindMessageSendFailed  = "message.send_failed"

	KindSyncConnected   = "sync.connected"
	KindSyncRosterReady = "sync.roster_refreshed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
