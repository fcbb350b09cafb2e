package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/chatsync/internal/timeline"
)

// Conversation is a conversation summary row.
type Conversation struct {
	ID                 string
	Title              string
	IsPublic           bool
	LastMessageAt      time.Time
	LastMessagePreview string
	UnreadCount        int
}

// Member is a participant of a conversation.
type Member struct {
	ConversationID string
	UserID         string
	DisplayName    string
}

// Message is a persisted message.
type Message struct {
	ID             string
	ClientToken    string
	ConversationID string
	SenderID       string
	Content        string
	MediaRef       string
	ReplyToID      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	EditedAt       *time.Time
}

// InsertRequest describes a message write. ClientToken is the sender's
// correlation token; repeated inserts with the same token return the first row.
type InsertRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	MediaRef       string
	ReplyToID      string
	ClientToken    string
	// CreatedAt overrides the server timestamp. Zero means now.
	CreatedAt time.Time
}

// InsertResult is the acknowledgment of an insert.
type InsertResult struct {
	ID        string
	CreatedAt time.Time
	// Created is false when the client token matched an existing row.
	Created bool
}

// MessagePatch is an edit. EditedAt decides last-write-wins.
type MessagePatch struct {
	Content  *string
	MediaRef *string
	EditedAt time.Time
}

// Cursor addresses a position in a conversation's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ReceiptField names a receipt timestamp column.
type ReceiptField string

const (
	FieldDelivered ReceiptField = "delivered_at"
	FieldRead      ReceiptField = "read_at"
)

// OutboxEntry is a journaled send.
type OutboxEntry struct {
	ID             int64
	ClientToken    string
	ConversationID string
	SenderID       string
	Content        string
	MediaRef       string
	ReplyToID      string
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
	ServerID       string
	CreatedAt      time.Time
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Timeline converts a persisted message to a timeline entry.
func (m Message) Timeline() timeline.Message {
	return timeline.Message{
		ID:             m.ID,
		TempID:         m.ClientToken,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MediaRef:       m.MediaRef,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		EditedAt:       m.EditedAt,
		Status:         timeline.ReceiptStatus(m.DeliveredAt, m.ReadAt),
	}
}
