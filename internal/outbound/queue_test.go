package outbound

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport/memory"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeWriter assigns one server row per client token, like the store.
type fakeWriter struct {
	mu      sync.Mutex
	calls   int
	rows    map[string]store.InsertResult
	failN   int
	delays  []time.Duration
	release chan struct{}
}

func newWriter() *fakeWriter {
	return &fakeWriter{rows: make(map[string]store.InsertResult)}
}

func (w *fakeWriter) InsertMessage(ctx context.Context, req store.InsertRequest) (store.InsertResult, error) {
	w.mu.Lock()
	w.calls++
	call := w.calls
	var delay time.Duration
	if call <= len(w.delays) {
		delay = w.delays[call-1]
	}
	w.mu.Unlock()

	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return store.InsertResult{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.InsertResult{}, ctx.Err()
		}
	}
	if call <= w.failN {
		return store.InsertResult{}, &errs.TransientNetworkError{Op: "insert", Err: fmt.Errorf("connection reset")}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if res, ok := w.rows[req.ClientToken]; ok {
		res.Created = false
		return res, nil
	}
	res := store.InsertResult{
		ID:        fmt.Sprintf("srv-%d", len(w.rows)+1),
		CreatedAt: base.Add(time.Duration(len(w.rows)) * time.Second),
		Created:   true,
	}
	w.rows[req.ClientToken] = res
	return res, nil
}

func (w *fakeWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type health struct{ failures atomic.Int32 }

func (h *health) ReportSendFailure() { h.failures.Add(1) }

func statusOf(t *testing.T, s *timeline.Store, key string) timeline.Status {
	t.Helper()
	m, ok := s.Get(key)
	require.True(t, ok, "message %s not in store", key)
	return m.Status
}

func newQueue(t *testing.T, w Writer, cfg Config, opts ...Option) (*Queue, *timeline.Store) {
	t.Helper()
	s := timeline.New("c1", nil, nil)
	q := New("alice", s, w, cfg, opts...)
	t.Cleanup(q.Close)
	return q, s
}

func TestQueue_OptimisticEntryConfirmedInPlace(t *testing.T) {
	w := newWriter()
	w.release = make(chan struct{})
	b := bus.New()
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()
	q, s := newQueue(t, w, Config{}, WithBus(b))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	assert.Equal(t, timeline.StatusPending, statusOf(t, s, tempID))
	assert.Equal(t, 1, s.Len())

	close(w.release)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap, 1, "the pending entry became the sent entry")
	assert.Equal(t, "srv-1", snap[0].ID)
	assert.Equal(t, tempID, snap[0].TempID)
	assert.Empty(t, q.Pending())

	ack := (<-acks).Payload.(Ack)
	assert.Equal(t, tempID, ack.TempID)
	assert.Equal(t, "srv-1", ack.ID)
	assert.False(t, ack.Late)
}

func TestQueue_FailureObservedExactlyOnce(t *testing.T) {
	w := newWriter()
	w.release = make(chan struct{}) // never acks
	b := bus.New()
	failures, unsub := b.Subscribe(bus.KindMessageSendFailed, 8)
	defer unsub()
	h := &health{}
	q, s := newQueue(t, w, Config{SendTimeout: 100 * time.Millisecond, MaxRetries: 2, RetryDelay: 50 * time.Millisecond},
		WithBus(b), WithHealth(h))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusFailed }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	require.Len(t, failures, 1)
	evt := <-failures
	f := evt.Payload.(Failure)
	assert.Equal(t, tempID, f.TempID)
	var perm *errs.PermanentSendFailure
	require.ErrorAs(t, f.Err, &perm)
	assert.Equal(t, 3, perm.Attempts)
	var timeout *errs.AckTimeoutError
	assert.ErrorAs(t, f.Err, &timeout)

	assert.Equal(t, 3, w.callCount())
	assert.Equal(t, int32(3), h.failures.Load())
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Failed)
}

func TestQueue_LateAckPromotesFailedSend(t *testing.T) {
	w := newWriter()
	w.release = make(chan struct{})
	b := bus.New()
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()
	q, s := newQueue(t, w, Config{SendTimeout: 50 * time.Millisecond, MaxRetries: 0}, WithBus(b))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusFailed }, time.Second, 5*time.Millisecond)

	close(w.release)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, time.Second, 5*time.Millisecond)

	ack := (<-acks).Payload.(Ack)
	assert.True(t, ack.Late)
	assert.Empty(t, q.Pending())
	assert.Equal(t, 1, w.callCount())
	assert.Equal(t, 1, s.Len())
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	w := newWriter()
	w.failN = 2
	b := bus.New()
	failures, unsub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()
	q, s := newQueue(t, w, Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, WithBus(b))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, w.callCount())
	assert.Empty(t, failures)
}

func TestQueue_RepeatedAttemptsCreateOneEntry(t *testing.T) {
	w := newWriter()
	// The first attempt outlives its timeout and lands after the retry did.
	w.delays = []time.Duration{150 * time.Millisecond, 0}
	b := bus.New()
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()
	q, s := newQueue(t, w, Config{SendTimeout: 50 * time.Millisecond, MaxRetries: 1, RetryDelay: 10 * time.Millisecond}, WithBus(b))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 2, w.callCount())
	assert.Equal(t, 1, s.Len())
	assert.Len(t, acks, 1)
}

func TestQueue_ManualRetry(t *testing.T) {
	w := newWriter()
	w.failN = 1
	q, s := newQueue(t, w, Config{MaxRetries: 0})

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusFailed }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Retry(tempID))
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, q.Retry(tempID), ErrUnknownSend)
	assert.ErrorIs(t, q.Retry("nope"), ErrUnknownSend)
}

func TestQueue_RetryRejectsRunningSend(t *testing.T) {
	w := newWriter()
	w.release = make(chan struct{})
	q, _ := newQueue(t, w, Config{})

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Retry(tempID), ErrNotFailed)
	close(w.release)
}

func TestQueue_AcknowledgeFromFeed(t *testing.T) {
	w := newWriter()
	w.release = make(chan struct{})
	b := bus.New()
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()
	q, s := newQueue(t, w, Config{}, WithBus(b))

	tempID, err := q.Send("hello", "", "")
	require.NoError(t, err)

	echo := timeline.Message{ID: "srv-9", TempID: tempID, SenderID: "alice", Content: "hello", CreatedAt: base, Status: timeline.StatusSent}
	s.Append(echo)
	assert.True(t, q.Acknowledge(echo))
	assert.False(t, q.Acknowledge(echo))
	assert.Empty(t, q.Pending())

	close(w.release)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, acks, 1)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, timeline.StatusSent, statusOf(t, s, tempID))
}

func TestQueue_RejectsEmptyAndClosed(t *testing.T) {
	q, s := newQueue(t, newWriter(), Config{})
	_, err := q.Send("", "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = q.Send("", "media/1.png", "")
	assert.NoError(t, err)

	q.Close()
	_, err = q.Send("hello", "", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, s.Len())
}

func TestQueue_JournalRestoresInterruptedSends(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	// First process: the write never completes before shutdown.
	stuck := newWriter()
	stuck.release = make(chan struct{})
	first := New("alice", timeline.New("c1", nil, nil), stuck, Config{}, WithJournal(db))
	tempID, err := first.Send("hello", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stuck.callCount() == 1 }, time.Second, 5*time.Millisecond)
	first.Close()

	rows, err := db.PendingOutbox("c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, tempID, rows[0].ClientToken)

	// Second process restores it as failed and retries through the relay.
	backend := relay.New(db, memory.New(), nil)
	s := timeline.New("c1", nil, nil)
	second := New("alice", s, backend, Config{}, WithJournal(db))
	t.Cleanup(second.Close)

	n, err := second.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, timeline.StatusFailed, statusOf(t, s, tempID))

	n, err = second.Restore()
	require.NoError(t, err)
	assert.Zero(t, n, "restoring twice is a no-op")

	require.NoError(t, second.Retry(tempID))
	require.Eventually(t, func() bool { return statusOf(t, s, tempID) == timeline.StatusSent }, 2*time.Second, 5*time.Millisecond)

	rows, err = db.PendingOutbox("c1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	page, err := db.QueryMessages(context.Background(), "c1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, tempID, page[0].ClientToken)
}
