package bus

import "time"

// Event kinds published by the client core. Subscribers filter by prefix
// ("session.", "chat.", "outbox.").
const (
	KindSessionStatusChanged = "session.status_changed"
	KindSessionLoggedOut     = "session.logged_out"
	KindSessionRefreshed     = "session.refreshed"
	KindSessionDeviceCode    = "session.device_code"
	KindChatClustersUpdated  = "chat.clusters_updated"
	KindChatRecordDropped    = "chat.record_dropped"
	KindChatFeedClosed       = "chat.feed_closed"
	KindOutboxSent           = "outbox.sent"
	KindOutboxFailed         = "outbox.failed"
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
