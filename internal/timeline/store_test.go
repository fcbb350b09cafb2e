package timeline

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration, sender string) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        "body " + id,
		CreatedAt:      t0.Add(offset),
		Status:         StatusSent,
	}
}

func keys(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestStore_OrderIndependentOfArrival(t *testing.T) {
	var all []Message
	for i := range 40 {
		// Pairs of messages share a timestamp so the id tiebreak is exercised.
		all = append(all, msg(fmt.Sprintf("m%02d", i), time.Duration(i/2)*time.Second, "bob"))
	}
	want := make([]Message, len(all))
	copy(want, all)
	sort.Slice(want, func(i, j int) bool { return before(&want[i], &want[j]) })

	rng := rand.New(rand.NewSource(7))
	for round := range 20 {
		s := New("conv-1", nil, nil)
		shuffled := make([]Message, len(all))
		copy(shuffled, all)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for _, m := range shuffled {
			s.Append(m)
		}
		require.Equal(t, keys(want), keys(s.Snapshot()), "round %d", round)
	}
}

func TestStore_ConcurrentAppendsStayOrdered(t *testing.T) {
	s := New("conv-1", nil, nil)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				s.Append(msg(fmt.Sprintf("w%d-%02d", w, i), time.Duration(i*8+w)*time.Millisecond, "bob"))
			}
		}()
	}
	wg.Wait()

	got := s.Snapshot()
	require.Len(t, got, 200)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return before(&got[i], &got[j]) }))
}

func TestStore_DuplicateInsertIsIdempotent(t *testing.T) {
	s := New("conv-1", nil, nil)
	m := msg("m1", 0, "bob")

	assert.Equal(t, Inserted, s.Append(m))
	assert.Equal(t, Ignored, s.Append(m))
	assert.Equal(t, 1, s.Len())
}

func TestStore_MergeOnlyOnLaterStatus(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m1", 0, "alice"))

	delivered := msg("m1", 0, "alice")
	delivered.Status = StatusDelivered
	now := t0.Add(time.Minute)
	delivered.DeliveredAt = &now
	assert.Equal(t, Merged, s.Append(delivered))

	// Same or earlier status is a no-op.
	stale := msg("m1", 0, "alice")
	stale.Content = "stale body"
	assert.Equal(t, Ignored, s.Append(stale))

	got, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, "body m1", got.Content)
	require.NotNil(t, got.DeliveredAt)
}

func TestStore_OptimisticConfirmedInPlace(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m1", 0, "bob"))
	s.Append(msg("m3", 10*time.Second, "bob"))

	pending := Message{TempID: "tmp-1", SenderID: "alice", Content: "hi", CreatedAt: t0.Add(5 * time.Second), Status: StatusPending}
	require.Equal(t, Inserted, s.Append(pending))
	assert.Equal(t, []string{"m1", "tmp-1", "m3"}, keys(s.Snapshot()))

	confirmed := Message{ID: "m2", TempID: "tmp-1", SenderID: "alice", Content: "hi", CreatedAt: t0.Add(6 * time.Second), Status: StatusSent}
	require.Equal(t, Confirmed, s.Append(confirmed))

	assert.Equal(t, []string{"m1", "m2", "m3"}, keys(s.Snapshot()))
	got, ok := s.Get("tmp-1")
	require.True(t, ok, "retired temp id still resolves")
	assert.Equal(t, "m2", got.ID)
	assert.Equal(t, StatusSent, got.Status)

	// A redelivered insert of the same message is a no-op.
	assert.Equal(t, Ignored, s.Append(confirmed))
	// A stale optimistic copy never resurrects a second entry.
	assert.Equal(t, Ignored, s.Append(pending))
	assert.Equal(t, 3, s.Len())
}

func TestStore_ConfirmationMovesWhenServerTimeBreaksOrder(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(Message{TempID: "tmp-1", SenderID: "alice", CreatedAt: t0, Status: StatusPending})
	s.Append(msg("m1", 5*time.Second, "bob"))

	s.Append(Message{ID: "m2", TempID: "tmp-1", SenderID: "alice", CreatedAt: t0.Add(9 * time.Second), Status: StatusSent})

	assert.Equal(t, []string{"m1", "m2"}, keys(s.Snapshot()))
}

func TestStore_LateAckPromotesFailed(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(Message{TempID: "tmp-1", SenderID: "alice", CreatedAt: t0, Status: StatusPending})
	require.True(t, s.ApplyPatch("tmp-1", StatusPatch(StatusFailed)))

	assert.Equal(t, Confirmed, s.Append(Message{ID: "m1", TempID: "tmp-1", SenderID: "alice", CreatedAt: t0, Status: StatusSent}))
	got, _ := s.Get("m1")
	assert.Equal(t, StatusSent, got.Status)
}

func TestStore_PatchRejectsRegression(t *testing.T) {
	s := New("conv-1", nil, nil)
	m := msg("m1", 0, "bob")
	m.Status = StatusRead
	s.Append(m)

	content := "edited"
	p := Patch{Status: ptr(StatusDelivered), Content: &content}
	assert.False(t, s.ApplyPatch("m1", p), "whole patch is rejected")

	got, _ := s.Get("m1")
	assert.Equal(t, StatusRead, got.Status)
	assert.Equal(t, "body m1", got.Content)
}

func TestStore_PatchTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusTimeout, true},
		{StatusTimeout, StatusPending, true},
		{StatusTimeout, StatusSent, true},
		{StatusSent, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusPending, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusTimeout, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := New("conv-1", nil, nil)
			m := msg("m1", 0, "bob")
			m.Status = tt.from
			s.Append(m)

			assert.Equal(t, tt.ok, s.ApplyPatch("m1", StatusPatch(tt.to)))
			got, _ := s.Get("m1")
			if tt.ok {
				assert.Equal(t, tt.to, got.Status)
			} else {
				assert.Equal(t, tt.from, got.Status)
			}
		})
	}
}

func TestStore_EditLastWriteWins(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m1", 0, "bob"))

	newer, older := t0.Add(2*time.Minute), t0.Add(time.Minute)
	v2, v1 := "second edit", "first edit"
	require.True(t, s.ApplyPatch("m1", Patch{Content: &v2, EditedAt: &newer}))
	assert.False(t, s.ApplyPatch("m1", Patch{Content: &v1, EditedAt: &older}))

	got, _ := s.Get("m1")
	assert.Equal(t, "second edit", got.Content)
}

func TestStore_InvalidMessagesIgnored(t *testing.T) {
	s := New("conv-1", nil, nil)
	assert.Equal(t, Ignored, s.Append(Message{CreatedAt: t0, Status: StatusSent}))
	assert.Equal(t, Ignored, s.Append(Message{ID: "x", Status: StatusSent}))
	assert.Equal(t, Ignored, s.Append(Message{ID: "x", ConversationID: "other", CreatedAt: t0, Status: StatusSent}))
	assert.Equal(t, Ignored, s.Append(Message{ID: "x", CreatedAt: t0, Status: "bogus"}))
	assert.False(t, s.ApplyPatch("missing", StatusPatch(StatusRead)))
	assert.Equal(t, 0, s.Len())
}

func TestStore_RemoveAndTrim(t *testing.T) {
	s := New("conv-1", nil, nil)
	for i := range 10 {
		s.Append(msg(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second, "bob"))
	}

	assert.True(t, s.Remove("m5"))
	assert.False(t, s.Remove("m5"))
	assert.False(t, s.Has("m5"))

	assert.Equal(t, 5, s.TrimOldest(4))
	assert.Equal(t, []string{"m6", "m7", "m8", "m9"}, keys(s.Snapshot()))

	oldest, ok := s.Oldest()
	require.True(t, ok)
	assert.Equal(t, "m6", oldest.ID)
	newest, ok := s.Newest()
	require.True(t, ok)
	assert.Equal(t, "m9", newest.ID)
}

func TestStore_QueryBounds(t *testing.T) {
	s := New("conv-1", nil, nil)
	for i := range 5 {
		s.Append(msg(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second, "bob"))
	}
	assert.Equal(t, []string{"m3", "m4"}, keys(s.Query(3, 10)))
	assert.Empty(t, s.Query(5, 1))
	assert.Empty(t, s.Query(0, 0))

	// Query returns copies.
	page := s.Query(0, 1)
	page[0].Content = "mutated"
	got, _ := s.Get("m0")
	assert.Equal(t, "body m0", got.Content)
}

func TestStore_UnreadCountAndResolve(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m1", 0, "bob"))
	s.Append(msg("m2", time.Second, "alice"))
	reply := msg("m3", 2*time.Second, "bob")
	reply.ReplyToID = "m2"
	s.Append(reply)

	assert.Equal(t, 2, s.UnreadCount("alice"))

	got, _ := s.Get("m3")
	parent, ok := s.Resolve(got.ReplyToID)
	require.True(t, ok)
	assert.Equal(t, "alice", parent.SenderID)
	_, ok = s.Resolve("not-loaded")
	assert.False(t, ok)
}

func TestStore_PublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.SubscribeTopic("conv-1", "message.", 16)
	defer unsub()

	s := New("conv-1", b, nil)
	s.Append(Message{TempID: "tmp-1", CreatedAt: t0, Status: StatusPending})
	s.Append(Message{ID: "m1", TempID: "tmp-1", CreatedAt: t0, Status: StatusSent})
	s.Remove("m1")

	kinds := []string{(<-ch).Kind, (<-ch).Kind}
	removed := <-ch
	assert.Equal(t, []string{bus.KindMessageAppended, bus.KindMessageUpdated}, kinds)
	assert.Equal(t, bus.KindMessageRemoved, removed.Kind)
	assert.Equal(t, "m1", removed.Payload.(Change).Messages[0].ID)
}

func TestStore_AppendBatch(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m2", 2*time.Second, "bob"))

	res := s.AppendBatch([]Message{msg("m1", time.Second, "bob"), msg("m2", 2*time.Second, "bob"), msg("m3", 3*time.Second, "bob")})
	assert.Equal(t, BatchResult{Inserted: 2}, res)
	assert.Equal(t, []string{"m1", "m2", "m3"}, keys(s.Snapshot()))
}

func TestStore_AppendBatchCountsOutcomesSeparately(t *testing.T) {
	s := New("conv-1", nil, nil)
	s.Append(msg("m1", time.Second, "bob"))
	s.Append(Message{TempID: "t1", ConversationID: "conv-1", SenderID: "alice", CreatedAt: t0.Add(5 * time.Second), Status: StatusPending})

	delivered := msg("m1", time.Second, "bob")
	delivered.Status = StatusDelivered
	delivered.DeliveredAt = ptr(t0.Add(2 * time.Second))
	confirmed := Message{ID: "m5", TempID: "t1", ConversationID: "conv-1", SenderID: "alice", CreatedAt: t0.Add(5 * time.Second), Status: StatusSent}

	res := s.AppendBatch([]Message{delivered, confirmed, msg("m2", 2*time.Second, "bob")})
	assert.Equal(t, BatchResult{Inserted: 1, Merged: 1, Confirmed: 1}, res)
	assert.Equal(t, 3, res.Changed())
	assert.Equal(t, 3, s.Len())
}

func ptr[T any](v T) *T { return &v }
