// Package timeline holds the per-conversation message log: an ordered,
// deduplicated set of messages that optimistic sends, realtime pushes and
// history pages all write through.
package timeline

import (
	"slices"
	"time"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// validTransitions is the status transition table. Forward moves along
// pending → sent → delivered → read may skip steps. The backward moves are
// pending/sent/timeout → failed, timeout → pending (automatic re-attempt),
// failed → pending (manual retry) and timeout/failed → sent (late ack).
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusDelivered, StatusRead, StatusTimeout, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead, StatusFailed},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusTimeout:   {StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed},
	StatusFailed:    {StatusPending, StatusSent, StatusDelivered, StatusRead},
}

// CanTransition reports whether a message may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// rank orders statuses along the confirmed chain. Unconfirmed statuses share rank 0.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Later reports whether s is strictly later than other in transition order.
func (s Status) Later(other Status) bool {
	return s.rank() > other.rank() && CanTransition(other, s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Confirmed reports whether the server has accepted the message.
func (s Status) Confirmed() bool {
	return s.rank() > 0
}

// Message is one entry of a conversation timeline.
//
// ID is assigned by the server. TempID is the client correlation token set on
// optimistic sends and carried through the write path. ReplyToID is a weak
// reference resolved with Store.Resolve, never an embedded copy.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	MediaRef       string
	ReplyToID      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	EditedAt       *time.Time
	Status         Status
}

// Key returns the identity used for ordering and lookups: the server id when
// known, the temp id otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Optimistic reports whether the message has not been confirmed by the server yet.
func (m *Message) Optimistic() bool {
	return m.ID == ""
}

// Clone returns a deep copy.
func (m *Message) Clone() Message {
	c := *m
	c.DeliveredAt = cloneTime(m.DeliveredAt)
	c.ReadAt = cloneTime(m.ReadAt)
	c.EditedAt = cloneTime(m.EditedAt)
	return c
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Content     *string
	MediaRef    *string
	Status      *Status
	DeliveredAt *time.Time
	ReadAt      *time.Time
	EditedAt    *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Content == nil && p.MediaRef == nil && p.Status == nil &&
		p.DeliveredAt == nil && p.ReadAt == nil && p.EditedAt == nil
}

// StatusPatch is a convenience for a status-only patch.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// ReceiptStatus derives the status of a server-confirmed message from its
// receipt timestamps.
func ReceiptStatus(deliveredAt, readAt *time.Time) Status {
	switch {
	case readAt != nil:
		return StatusRead
	case deliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// before orders messages by (CreatedAt, Key).
func before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
