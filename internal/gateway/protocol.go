// Package gateway exposes the sync engine to local clients over a websocket
// on the profile's gateway socket, and as a gRPC service on its daemon
// socket.
//
// Every frame is a JSON object {type, requestId, payload}. Clients send
// commands; the daemon answers each with a "result" or "error" frame
// carrying the same requestId, and pushes "event" frames for the
// conversations the connection opened.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Frame types sent by the daemon.
const (
	FrameHello  = "hello"
	FrameResult = "result"
	FrameError  = "error"
	FrameEvent  = "event"
)

// Commands accepted from clients.
const (
	CmdOpen          = "conversation.open"
	CmdClose         = "conversation.close"
	CmdCreate        = "conversation.create"
	CmdJoin          = "conversation.join"
	CmdLeave         = "conversation.leave"
	CmdSend          = "message.send"
	CmdRetry         = "message.retry"
	CmdDelete        = "message.delete"
	CmdEdit          = "message.edit"
	CmdTyping        = "typing.set"
	CmdViewing       = "viewing.set"
	CmdOlder         = "history.older"
	CmdRead          = "read.mark"
	CmdConversations = "conversations.list"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Hello is sent once after the upgrade.
type Hello struct {
	Profile string `json:"profile"`
	SelfID  string `json:"selfId"`
}

// ConversationRequest addresses one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

// OpenResult is the state of a freshly opened conversation.
type OpenResult struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMoreOlder   bool      `json:"hasMoreOlder"`
	Status         string    `json:"status"`
	Unread         int       `json:"unread"`
}

// SendRequest is the payload of message.send.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MediaRef       string `json:"mediaRef,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// SendResult identifies the optimistic entry.
type SendResult struct {
	TempID string `json:"tempId"`
}

// RetryRequest is the payload of message.retry.
type RetryRequest struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
}

// DeleteRequest is the payload of message.delete.
type DeleteRequest struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
}

// EditRequest is the payload of message.edit.
type EditRequest struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
	Content        string `json:"content"`
}

// CreateRequest is the payload of conversation.create.
type CreateRequest struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title,omitempty"`
	IsPublic       bool   `json:"isPublic"`
}

// FlagRequest is the payload of typing.set and viewing.set.
type FlagRequest struct {
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"active"`
}

// HistoryResult is the loaded window after history.older.
type HistoryResult struct {
	Messages     []Message `json:"messages"`
	HasMoreOlder bool      `json:"hasMoreOlder"`
}

// ListRequest is the payload of conversations.list.
type ListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ConversationSummary is one row of conversations.list.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title,omitempty"`
	IsPublic           bool      `json:"isPublic"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

// ListResult is the answer to conversations.list.
type ListResult struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// Message is the wire form of a timeline message.
type Message struct {
	ID             string     `json:"id,omitempty"`
	TempID         string     `json:"tempId,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content,omitempty"`
	MediaRef       string     `json:"mediaRef,omitempty"`
	ReplyToID      string     `json:"replyToId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Status         string     `json:"status"`
}

// Event is the payload of an event frame.
type Event struct {
	EventID          string `json:"eventId"`
	Kind             string `json:"kind"`
	ConversationID   string `json:"conversationId"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	PayloadVersion   int    `json:"payloadVersion"`
	Data             any    `json:"data,omitempty"`
}

// MessagesData carries message.appended, message.updated and message.removed.
type MessagesData struct {
	Messages      []Message `json:"messages"`
	RetiredTempID string    `json:"retiredTempId,omitempty"`
}

// SendData carries message.send_ack and message.send_failed.
type SendData struct {
	TempID    string    `json:"tempId"`
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Late      bool      `json:"late,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StatusData carries channel.status_changed.
type StatusData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ResyncData carries channel.resynced.
type ResyncData struct {
	Merged int `json:"merged"`
}

// UserData is one typing or viewing user.
type UserData struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// UsersData carries presence.typing_changed and presence.viewing_changed.
type UsersData struct {
	Users []UserData `json:"users"`
}

// MembersData carries presence.members_changed.
type MembersData struct {
	Members []transport.Member `json:"members"`
}

// UnreadData carries receipts.unread_changed.
type UnreadData struct {
	Unread int `json:"unread"`
}

// WindowData carries pagination.window_changed.
type WindowData struct {
	OldestLoadedID string `json:"oldestLoadedId,omitempty"`
	HasMoreOlder   bool   `json:"hasMoreOlder"`
}

func toWireMessage(m timeline.Message) Message {
	return Message{
		ID:             m.ID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MediaRef:       m.MediaRef,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		EditedAt:       m.EditedAt,
		Status:         string(m.Status),
	}
}

func toWireMessages(msgs []timeline.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	return out
}

func toWireUsers(entries []presence.TypingEntry) []UserData {
	out := make([]UserData, 0, len(entries))
	for _, e := range entries {
		out = append(out, UserData{UserID: e.UserID, DisplayName: e.DisplayName, ExpiresAt: e.ExpiresAt})
	}
	return out
}

func toSummary(c store.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:                 c.ID,
		Title:              c.Title,
		IsPublic:           c.IsPublic,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
	}
}

// eventData returns the wire form of an engine event payload. Unknown
// payloads are dropped.
func eventData(evt bus.Event) (any, bool) {
	switch p := evt.Payload.(type) {
	case timeline.Change:
		return MessagesData{Messages: toWireMessages(p.Messages), RetiredTempID: p.RetiredTempID}, true
	case outbound.Ack:
		return SendData{TempID: p.TempID, ID: p.ID, CreatedAt: p.CreatedAt, Late: p.Late}, true
	case outbound.Failure:
		d := SendData{TempID: p.TempID}
		if p.Err != nil {
			d.Error = p.Err.Error()
		}
		return d, true
	case status.StatusChange:
		return StatusData{From: string(p.From), To: string(p.To), Reason: p.Reason}, true
	case conversation.Resynced:
		return ResyncData{Merged: p.Merged}, true
	case presence.TypingChange:
		return UsersData{Users: toWireUsers(p.Users)}, true
	case presence.MembersChange:
		return MembersData{Members: p.Members}, true
	case receipts.UnreadChange:
		return UnreadData{Unread: p.Unread}, true
	case pagination.Window:
		return WindowData{OldestLoadedID: p.OldestLoadedID, HasMoreOlder: p.HasMoreOlder}, true
	}
	return nil, false
}
