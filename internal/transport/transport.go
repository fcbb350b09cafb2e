// Package transport defines the per-conversation pub/sub contract the sync
// engine consumes, and the JSON envelope carried over it.
//
// Delivery is at-least-once and unordered. Consumers must tolerate duplicates
// and out-of-order events.
package transport

import (
	"context"
	"strings"
)

// Transport is a subject-based publish/subscribe link.
type Transport interface {
	// Subscribe returns once the transport has acknowledged the subscription.
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	// Publish sends env to every subscriber of subject.
	Publish(ctx context.Context, subject string, env Envelope) error
	// Ping performs a round trip to the transport. Used as a heartbeat.
	Ping(ctx context.Context) error
}

// Handler answers one request with a reply body.
type Handler func(ctx context.Context, data []byte) []byte

// RPC is request-reply over the same link as the feed. The relay serves the
// persistent store through it.
type RPC interface {
	// Request sends data to one responder of subject and waits for its reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Handle serves subject until the returned stop func is called.
	// Responders sharing a queue name split the requests between them.
	Handle(subject, queue string, h Handler) (stop func() error, err error)
}

// Link is a transport that also carries request-reply.
type Link interface {
	Transport
	RPC
}

// Subscription is a live subscription to one subject.
type Subscription interface {
	Subject() string
	// Events delivers decoded envelopes. The channel is closed when the
	// subscription ends, either through Unsubscribe or because the link dropped.
	Events() <-chan Envelope
	Unsubscribe() error
}

const subjectPrefix = "chatsync.conv."

// MessageSubject carries persisted message events (insert/update/delete)
// and membership presence for a conversation.
func MessageSubject(conversationID string) string {
	return subjectPrefix + conversationID + ".db"
}

// BroadcastSubject carries ephemeral broadcasts (typing, viewing).
func BroadcastSubject(conversationID string) string {
	return subjectPrefix + conversationID + ".broadcast"
}

// ConversationFromSubject extracts the conversation id from a subject built
// by MessageSubject or BroadcastSubject.
func ConversationFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return "", false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}
