package bus

import "time"

// Event is a domain event published on the bus.
// Topic scopes the event to one conversation; it is empty for process-wide events.
type Event struct {
	Kind      string
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindMessageAppended   = "message.appended"
	KindMessageUpdated    = "message.updated"
	KindMessageRemoved    = "message.removed"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"
	KindChannelStatus     = "channel.status_changed"
	KindChannelResynced   = "channel.resynced"
	KindPresenceTyping    = "presence.typing_changed"
	KindPresenceMembers   = "presence.members_changed"
	KindPresenceViewing   = "presence.viewing_changed"
	KindReceiptsUnread    = "receipts.unread_changed"
	KindPaginationWindow  = "pagination.window_changed"
)
