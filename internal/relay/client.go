package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// DefaultTimeout bounds a relay call whose context carries no deadline.
const DefaultTimeout = 5 * time.Second

// RemoteError is a failure reported by the relay process.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay %s: %s", e.Method, e.Message)
}

// Client reaches a relay server over request-reply. It offers the same
// methods as Backend, so an engine can run against either.
//
// Transport failures come back as the transport's retryable errors. A row
// the relay could not find is reported as store.ErrNotFound.
type Client struct {
	rpc     transport.RPC
	timeout time.Duration
}

// NewClient creates a relay client. timeout of zero means DefaultTimeout.
func NewClient(rpc transport.RPC, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{rpc: rpc, timeout: timeout}
}

func (c *Client) InsertMessage(ctx context.Context, req store.InsertRequest) (store.InsertResult, error) {
	return call[store.InsertResult](ctx, c, MethodInsert, req)
}

func (c *Client) QueryMessages(ctx context.Context, conversationID string, before *store.Cursor, limit int) ([]store.Message, error) {
	return call[[]store.Message](ctx, c, MethodQuery, queryRequest{ConversationID: conversationID, Before: before, Limit: limit})
}

func (c *Client) EditMessage(ctx context.Context, id string, p store.MessagePatch) (*store.Message, error) {
	return call[*store.Message](ctx, c, MethodEdit, editRequest{ID: id, Patch: p})
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := call[empty](ctx, c, MethodDelete, idRequest{ID: id})
	return err
}

func (c *Client) UpdateReadStatus(ctx context.Context, ids []string, field store.ReceiptField) ([]string, error) {
	return call[[]string](ctx, c, MethodUpdateReadStatus, receiptRequest{IDs: ids, Field: field})
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID, reader string) ([]string, error) {
	return call[[]string](ctx, c, MethodMarkRead, markReadRequest{ConversationID: conversationID, Reader: reader})
}

func (c *Client) Join(ctx context.Context, m store.Member) error {
	_, err := call[empty](ctx, c, MethodJoin, m)
	return err
}

func (c *Client) Leave(ctx context.Context, conversationID, userID string) error {
	_, err := call[empty](ctx, c, MethodLeave, leaveRequest{ConversationID: conversationID, UserID: userID})
	return err
}

func (c *Client) SyncPresence(ctx context.Context, conversationID string) error {
	_, err := call[empty](ctx, c, MethodSyncPresence, idRequest{ID: conversationID})
	return err
}

func (c *Client) CreateConversation(ctx context.Context, conv store.Conversation) error {
	_, err := call[empty](ctx, c, MethodCreateConversation, conv)
	return err
}

// Conversation returns nil when the relay has no such conversation.
func (c *Client) Conversation(self, id string) (*store.Conversation, error) {
	return call[*store.Conversation](context.Background(), c, MethodConversation, conversationRequest{Self: self, ID: id})
}

func (c *Client) Conversations(self string, limit, offset int) ([]store.Conversation, error) {
	return call[[]store.Conversation](context.Background(), c, MethodConversations, listRequest{Self: self, Limit: limit, Offset: offset})
}

func call[Res any](ctx context.Context, c *Client, method string, req any) (Res, error) {
	var zero Res
	data, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("encode %s request: %w", method, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.rpc.Request(ctx, Subject(method), data)
	if err != nil {
		return zero, fmt.Errorf("relay %s: %w", method, err)
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return zero, fmt.Errorf("decode %s reply: %w", method, err)
	}
	if r.Code == codeNotFound {
		return zero, fmt.Errorf("relay %s: %w", method, store.ErrNotFound)
	}
	if r.Error != "" {
		return zero, &RemoteError{Method: method, Message: r.Error}
	}

	var res Res
	if len(r.Result) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(r.Result, &res); err != nil {
		return zero, fmt.Errorf("decode %s result: %w", method, err)
	}
	return res, nil
}
