package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// Kind is the type of an envelope.
type Kind string

const (
	KindMessageInsert Kind = "message_insert"
	KindMessageUpdate Kind = "message_update"
	KindMessageDelete Kind = "message_delete"
	KindPresenceSync  Kind = "presence_sync"
	KindPresenceJoin  Kind = "presence_join"
	KindPresenceLeave Kind = "presence_leave"
	KindBroadcast     Kind = "broadcast"
)

func (k Kind) known() bool {
	switch k {
	case KindMessageInsert, KindMessageUpdate, KindMessageDelete,
		KindPresenceSync, KindPresenceJoin, KindPresenceLeave, KindBroadcast:
		return true
	}
	return false
}

// Envelope is the wire format of every transport event.
type Envelope struct {
	Type           Kind            `json:"type"`
	ConversationID string          `json:"conversationId"`
	SentAt         time.Time       `json:"sentAt"`
	Payload        json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of message_insert and message_update.
// ClientToken echoes the sender's temp id so optimistic entries can be matched.
type MessagePayload struct {
	ID             string     `json:"id"`
	ClientToken    string     `json:"clientToken,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content,omitempty"`
	MediaRef       string     `json:"mediaRef,omitempty"`
	ReplyToID      string     `json:"replyToId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// DeletePayload is the payload of message_delete.
type DeletePayload struct {
	ID string `json:"id"`
}

// Member is one participant in presence events.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresencePayload is the payload of presence_sync, presence_join and presence_leave.
type PresencePayload struct {
	Members []Member `json:"members"`
}

// Broadcast event names.
const (
	BroadcastTyping  = "typing"
	BroadcastViewing = "viewing"
)

// BroadcastPayload is the payload of an ephemeral broadcast.
type BroadcastPayload struct {
	Event       string `json:"event"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Active      bool   `json:"active"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind Kind, conversationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Type:           kind,
		ConversationID: conversationID,
		SentAt:         time.Now().UTC(),
		Payload:        raw,
	}, nil
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates an envelope. Failures are *errs.MalformedEventError.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &errs.MalformedEventError{Reason: "invalid json", Err: err}
	}
	switch {
	case !env.Type.known():
		return Envelope{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "unknown type"}
	case env.ConversationID == "":
		return Envelope{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing conversationId"}
	case len(env.Payload) == 0 || string(env.Payload) == "null":
		return Envelope{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing payload"}
	}
	return env, nil
}

func decodePayload(env Envelope, want Kind, v any) error {
	if env.Type != want {
		return &errs.MalformedEventError{Kind: string(env.Type), Reason: "expected " + string(want)}
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &errs.MalformedEventError{Kind: string(env.Type), Reason: "invalid payload", Err: err}
	}
	return nil
}

// DecodeMessage decodes a message_insert or message_update envelope into a
// timeline message. Inserts arrive with status sent; the status of an update
// is derived from its receipt timestamps.
func DecodeMessage(env Envelope) (timeline.Message, error) {
	if env.Type != KindMessageInsert && env.Type != KindMessageUpdate {
		return timeline.Message{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "not a message event"}
	}
	var p MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return timeline.Message{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "invalid payload", Err: err}
	}
	switch {
	case p.ID == "":
		return timeline.Message{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing id"}
	case p.CreatedAt.IsZero():
		return timeline.Message{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing createdAt"}
	case p.ConversationID != "" && p.ConversationID != env.ConversationID:
		return timeline.Message{}, &errs.MalformedEventError{Kind: string(env.Type), Reason: "conversation mismatch"}
	}
	return p.Message(env.ConversationID), nil
}

// DecodeDelete decodes a message_delete envelope.
func DecodeDelete(env Envelope) (DeletePayload, error) {
	var p DeletePayload
	if err := decodePayload(env, KindMessageDelete, &p); err != nil {
		return p, err
	}
	if p.ID == "" {
		return p, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing id"}
	}
	return p, nil
}

// DecodePresence decodes any presence_* envelope.
func DecodePresence(env Envelope) (PresencePayload, error) {
	var p PresencePayload
	switch env.Type {
	case KindPresenceSync, KindPresenceJoin, KindPresenceLeave:
	default:
		return p, &errs.MalformedEventError{Kind: string(env.Type), Reason: "not a presence event"}
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, &errs.MalformedEventError{Kind: string(env.Type), Reason: "invalid payload", Err: err}
	}
	return p, nil
}

// DecodeBroadcast decodes a broadcast envelope.
func DecodeBroadcast(env Envelope) (BroadcastPayload, error) {
	var p BroadcastPayload
	if err := decodePayload(env, KindBroadcast, &p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, &errs.MalformedEventError{Kind: string(env.Type), Reason: "missing userId"}
	}
	return p, nil
}

// Message converts the payload to a timeline message of conversationID.
func (p MessagePayload) Message(conversationID string) timeline.Message {
	return timeline.Message{
		ID:             p.ID,
		TempID:         p.ClientToken,
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		MediaRef:       p.MediaRef,
		ReplyToID:      p.ReplyToID,
		CreatedAt:      p.CreatedAt,
		DeliveredAt:    p.DeliveredAt,
		ReadAt:         p.ReadAt,
		EditedAt:       p.EditedAt,
		Status:         timeline.ReceiptStatus(p.DeliveredAt, p.ReadAt),
	}
}

// PayloadFrom builds the wire payload of a stored message.
func PayloadFrom(m timeline.Message) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		ClientToken:    m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MediaRef:       m.MediaRef,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		EditedAt:       m.EditedAt,
	}
}
