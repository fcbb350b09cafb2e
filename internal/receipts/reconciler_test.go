package receipts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport/memory"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	op  string
	ids []string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (w *fakeWriter) UpdateReadStatus(_ context.Context, ids []string, field store.ReceiptField) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	w.calls = append(w.calls, call{op: string(field), ids: sorted})
	return ids, w.err
}

func (w *fakeWriter) MarkConversationRead(_ context.Context, conv, reader string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call{op: "read " + conv + " " + reader})
	return nil, w.err
}

func (w *fakeWriter) all() []call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]call(nil), w.calls...)
}

// seed stores three inbound messages from bob and one from alice.
func seed(s *timeline.Store) {
	for i, sender := range []string{"bob", "bob", "alice", "bob"} {
		s.Append(timeline.Message{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  sender,
			Content:   "hi",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Status:    timeline.StatusSent,
		})
	}
}

func status(t *testing.T, s *timeline.Store, id string) timeline.Status {
	t.Helper()
	m, ok := s.Get(id)
	require.True(t, ok)
	return m.Status
}

func TestMarkDelivered_BatchesInboundOnly(t *testing.T) {
	s := timeline.New("c1", nil, nil)
	seed(s)
	w := &fakeWriter{}
	r := New("alice", s, w, Config{DeliveryBatchWindow: 30 * time.Millisecond})
	defer r.Close()

	r.MarkDelivered("m0", "m2")
	r.MarkDelivered("m1", "m3", "missing")
	require.Eventually(t, func() bool { return status(t, s, "m3") == timeline.StatusDelivered }, time.Second, 5*time.Millisecond)

	calls := w.all()
	require.Len(t, calls, 1)
	assert.Equal(t, call{op: "delivered_at", ids: []string{"m0", "m1", "m3"}}, calls[0])
	assert.Equal(t, timeline.StatusDelivered, status(t, s, "m0"))
	assert.Equal(t, timeline.StatusSent, status(t, s, "m2"), "self-authored messages are never touched")

	m, _ := s.Get("m0")
	assert.NotNil(t, m.DeliveredAt)

	// Already delivered: nothing to do.
	r.MarkDelivered("m0", "m1")
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, w.all(), 1)
}

func TestMarkDelivered_WriteFailureKeepsStatus(t *testing.T) {
	s := timeline.New("c1", nil, nil)
	seed(s)
	w := &fakeWriter{err: errors.New("database is locked")}
	r := New("alice", s, w, Config{DeliveryBatchWindow: 10 * time.Millisecond})
	defer r.Close()

	r.MarkDelivered("m0")
	require.Eventually(t, func() bool { return len(w.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, timeline.StatusSent, status(t, s, "m0"))
}

func TestMarkRead_ZeroesUnreadAndSkipsSelf(t *testing.T) {
	s := timeline.New("c1", nil, nil)
	seed(s)
	b := bus.New()
	events, unsub := b.SubscribeTopic("c1", bus.KindReceiptsUnread, 4)
	defer unsub()
	w := &fakeWriter{}
	r := New("alice", s, w, Config{ReadDelay: 30 * time.Millisecond}, WithBus(b))
	defer r.Close()

	assert.Equal(t, 3, r.UnreadCount())
	r.MarkRead()
	r.MarkRead()
	require.Eventually(t, func() bool { return r.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"m0", "m1", "m3"} {
		assert.Equal(t, timeline.StatusRead, status(t, s, id))
	}
	self, _ := s.Get("m2")
	assert.Equal(t, timeline.StatusSent, self.Status)
	assert.Nil(t, self.ReadAt)

	require.Eventually(t, func() bool { return len(w.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "read c1 alice", w.all()[0].op)

	evt := <-events
	assert.Equal(t, 0, evt.Payload.(UnreadChange).Unread)
}

func TestCancelRead_BeforeDelay(t *testing.T) {
	s := timeline.New("c1", nil, nil)
	seed(s)
	w := &fakeWriter{}
	r := New("alice", s, w, Config{ReadDelay: 30 * time.Millisecond})
	defer r.Close()

	r.MarkRead()
	r.CancelRead()
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 3, r.UnreadCount())
	assert.Empty(t, w.all())
}

func TestSyncUnread_PublishesOnlyChanges(t *testing.T) {
	s := timeline.New("c1", nil, nil)
	seed(s)
	b := bus.New()
	events, unsub := b.SubscribeTopic("c1", bus.KindReceiptsUnread, 4)
	defer unsub()
	r := New("alice", s, &fakeWriter{}, Config{}, WithBus(b))
	defer r.Close()

	r.SyncUnread()
	r.SyncUnread()
	require.Len(t, events, 1)
	assert.Equal(t, 3, (<-events).Payload.(UnreadChange).Unread)

	s.Append(timeline.Message{ID: "m9", SenderID: "carol", CreatedAt: base.Add(time.Minute), Status: timeline.StatusSent})
	r.SyncUnread()
	assert.Equal(t, 4, (<-events).Payload.(UnreadChange).Unread)
}

func TestReadNow_PersistsThroughRelay(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)
	backend := relay.New(db, memory.New(), nil)

	ctx := context.Background()
	for i, sender := range []string{"bob", "alice", "bob"} {
		_, err := backend.InsertMessage(ctx, store.InsertRequest{
			ConversationID: "c1",
			SenderID:       sender,
			Content:        "hi",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	page, err := backend.QueryMessages(ctx, "c1", nil, 10)
	require.NoError(t, err)

	s := timeline.New("c1", nil, nil)
	for _, m := range page {
		s.Append(m.Timeline())
	}
	r := New("alice", s, backend, Config{})
	defer r.Close()
	require.Equal(t, 2, r.UnreadCount())

	r.ReadNow()
	assert.Equal(t, 0, r.UnreadCount())

	for _, m := range page {
		got, err := db.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		if m.SenderID == "alice" {
			assert.Nil(t, got.ReadAt)
		} else {
			assert.NotNil(t, got.ReadAt)
		}
	}
}
