package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/memory"
)

func serveRelay(t *testing.T) (*Backend, *memory.Broker, transport.Subscription) {
	t.Helper()
	b, broker, sub := setup(t)
	srv := NewServer(b, broker, time.Second, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return b, broker, sub
}

func TestClient_InsertAndQueryThroughRelay(t *testing.T) {
	_, broker, sub := serveRelay(t)
	c := NewClient(broker.Peer(), 0)
	ctx := context.Background()

	req := store.InsertRequest{ConversationID: "c1", SenderID: "alice", Content: "hi", ClientToken: "tmp-1"}
	first, err := c.InsertMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)
	again, err := c.InsertMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.False(t, again.Created)
	assert.Len(t, sub.Events(), 1, "the relay publishes once")

	page, err := c.QueryMessages(ctx, "c1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "hi", page[0].Content)
	assert.True(t, page[0].CreatedAt.Equal(first.CreatedAt))
}

func TestClient_ReceiptsAndConversations(t *testing.T) {
	_, broker, _ := serveRelay(t)
	c := NewClient(broker.Peer(), 0)
	ctx := context.Background()

	require.NoError(t, c.CreateConversation(ctx, store.Conversation{ID: "c1", Title: "general"}))
	require.NoError(t, c.Join(ctx, store.Member{ConversationID: "c1", UserID: "bob", DisplayName: "Bob"}))
	res, err := c.InsertMessage(ctx, store.InsertRequest{ConversationID: "c1", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	conv, err := c.Conversation("bob", "c1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "general", conv.Title)
	assert.Equal(t, 1, conv.UnreadCount)

	changed, err := c.MarkConversationRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, changed)
	changed, err = c.UpdateReadStatus(ctx, []string{res.ID}, store.FieldRead)
	require.NoError(t, err)
	assert.Empty(t, changed)

	convs, err := c.Conversations("bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].UnreadCount)

	missing, err := c.Conversation("bob", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_NotFoundMapsToStoreError(t *testing.T) {
	_, broker, _ := serveRelay(t)
	c := NewClient(broker.Peer(), 0)
	ctx := context.Background()

	err := c.DeleteMessage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.EditMessage(ctx, "missing", store.MessagePatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, errs.IsRetryable(err))
}

func TestClient_RemoteErrorIsNotRetryable(t *testing.T) {
	_, broker, _ := serveRelay(t)
	c := NewClient(broker.Peer(), 0)

	_, err := c.UpdateReadStatus(context.Background(), []string{"m1"}, store.ReceiptField("bogus"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, MethodUpdateReadStatus, remote.Method)
	assert.False(t, errs.IsRetryable(err))
}

func TestClient_LinkFailuresAreRetryable(t *testing.T) {
	broker := memory.New()
	c := NewClient(broker, 0)
	_, err := c.InsertMessage(context.Background(), store.InsertRequest{ConversationID: "c1", SenderID: "alice"})
	assert.True(t, errs.IsRetryable(err), "no relay running")

	_, broker, _ = serveRelay(t)
	peer := broker.Peer()
	c = NewClient(peer, 0)
	peer.Disconnect()
	_, err = c.QueryMessages(context.Background(), "c1", nil, 10)
	assert.True(t, errs.IsRetryable(err), "link down")
}

func TestServer_StopUnregisters(t *testing.T) {
	b, broker, _ := setup(t)
	srv := NewServer(b, broker, 0, nil)
	require.NoError(t, srv.Start())
	c := NewClient(broker, 0)
	_, err := c.Conversations("alice", 10, 0)
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	_, err = c.Conversations("alice", 10, 0)
	assert.ErrorIs(t, err, memory.ErrNoResponders)
}
