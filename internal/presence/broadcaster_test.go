package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/transport"
)

type sentLog struct {
	mu   sync.Mutex
	sent []transport.BroadcastPayload
}

func (s *sentLog) Broadcast(_ context.Context, env transport.Envelope) error {
	p, err := transport.DecodeBroadcast(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	return nil
}

func (s *sentLog) all() []transport.BroadcastPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.BroadcastPayload(nil), s.sent...)
}

type mirrorLog struct {
	mu    sync.Mutex
	calls []string
}

func (m *mirrorLog) SetViewing(_ context.Context, conv, user string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "set "+viewingKey(conv, user))
	return nil
}

func (m *mirrorLog) ClearViewing(_ context.Context, conv, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "clear "+viewingKey(conv, user))
	return nil
}

func (m *mirrorLog) Viewers(context.Context, string) ([]string, error) { return nil, nil }

func (m *mirrorLog) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func typing(user string, active bool) transport.BroadcastPayload {
	return transport.BroadcastPayload{Event: transport.BroadcastTyping, UserID: user, DisplayName: user, Active: active}
}

func TestSetTyping_OneBroadcastPerBurst(t *testing.T) {
	sent := &sentLog{}
	p := New("c1", "alice", "Alice", sent, Config{Inactivity: 100 * time.Millisecond})
	defer p.Close()

	for range 5 {
		p.SetTyping(true)
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(sent.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, sent.all()[0].Active)
	assert.True(t, p.IsTyping())

	require.Eventually(t, func() bool { return len(sent.all()) == 2 }, time.Second, 5*time.Millisecond)
	stop := sent.all()[1]
	assert.False(t, stop.Active)
	assert.Equal(t, "alice", stop.UserID)
	assert.False(t, p.IsTyping())
}

func TestSetTyping_FalseStopsImmediately(t *testing.T) {
	sent := &sentLog{}
	p := New("c1", "alice", "Alice", sent, Config{Inactivity: time.Hour})
	defer p.Close()

	p.SetTyping(true)
	p.SetTyping(false)
	p.SetTyping(false)
	require.Eventually(t, func() bool { return len(sent.all()) == 2 }, time.Second, 5*time.Millisecond)
	got := sent.all()
	assert.True(t, got[0].Active)
	assert.False(t, got[1].Active)
}

func TestSetTyping_RefreshedWhileBurstLasts(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sent := &sentLog{}
	p := New("c1", "alice", "Alice", sent, Config{Inactivity: time.Hour, TTL: 4 * time.Second, SweepInterval: time.Hour},
		WithClock(clk.Now))
	defer p.Close()

	p.SetTyping(true)
	require.Eventually(t, func() bool { return len(sent.all()) == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	p.Sweep()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sent.all(), 1, "too early to refresh")

	clk.Advance(time.Second)
	p.Sweep()
	require.Eventually(t, func() bool { return len(sent.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, typing("alice", true).Event, sent.all()[1].Event)
	assert.True(t, sent.all()[1].Active)

	p.SetTyping(false)
	require.Eventually(t, func() bool { return len(sent.all()) == 3 }, time.Second, 5*time.Millisecond)
	clk.Advance(3 * time.Second)
	p.Sweep()
	time.Sleep(20 * time.Millisecond)
	got := sent.all()
	require.Len(t, got, 3, "no refresh after the burst ends")
	assert.False(t, got[2].Active)
}

func TestTypingEntriesNeverOutliveTTL(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := bus.New()
	events, unsub := b.SubscribeTopic("c1", bus.KindPresenceTyping, 8)
	defer unsub()
	p := New("c1", "alice", "Alice", &sentLog{}, Config{TTL: 4 * time.Second, SweepInterval: time.Hour},
		WithClock(clk.Now), WithBus(b))
	defer p.Close()

	p.OnTypingEvent(typing("bob", true))
	users := p.TypingUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].UserID)
	assert.Equal(t, clk.Now().Add(4*time.Second), users[0].ExpiresAt)
	evt := <-events
	assert.Len(t, evt.Payload.(TypingChange).Users, 1)

	clk.Advance(3 * time.Second)
	p.OnTypingEvent(typing("bob", true)) // refresh
	clk.Advance(2 * time.Second)
	assert.Len(t, p.TypingUsers(), 1)
	assert.Empty(t, events, "a refresh is not a change")

	clk.Advance(2 * time.Second)
	assert.Empty(t, p.TypingUsers(), "expired entries are hidden before any sweep")

	p.Sweep()
	evt = <-events
	assert.Empty(t, evt.Payload.(TypingChange).Users)
}

func TestTypingAutoClearsWithSweep(t *testing.T) {
	b := bus.New()
	events, unsub := b.SubscribeTopic("c1", bus.KindPresenceTyping, 8)
	defer unsub()
	p := New("c1", "alice", "Alice", &sentLog{}, Config{TTL: 80 * time.Millisecond, SweepInterval: 20 * time.Millisecond}, WithBus(b))
	defer p.Close()

	p.OnTypingEvent(typing("bob", true))
	<-events

	select {
	case evt := <-events:
		assert.Empty(t, evt.Payload.(TypingChange).Users)
	case <-time.After(time.Second):
		t.Fatal("typing entry was never swept")
	}
}

func TestTypingIgnoresSelfAndStops(t *testing.T) {
	p := New("c1", "alice", "Alice", &sentLog{}, Config{})
	defer p.Close()

	p.OnTypingEvent(typing("alice", true))
	assert.Empty(t, p.TypingUsers())

	p.OnTypingEvent(typing("bob", true))
	p.OnTypingEvent(typing("carol", true))
	assert.Len(t, p.TypingUsers(), 2)
	p.OnTypingEvent(typing("bob", false))
	users := p.TypingUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].UserID)
}

func TestHandleEvent_Members(t *testing.T) {
	b := bus.New()
	members, unsub := b.SubscribeTopic("c1", bus.KindPresenceMembers, 8)
	defer unsub()
	p := New("c1", "alice", "Alice", &sentLog{}, Config{}, WithBus(b))
	defer p.Close()

	presence := func(kind transport.Kind, ms ...transport.Member) transport.Envelope {
		env, err := transport.NewEnvelope(kind, "c1", transport.PresencePayload{Members: ms})
		require.NoError(t, err)
		return env
	}
	bob := transport.Member{UserID: "bob", DisplayName: "Bob"}
	carol := transport.Member{UserID: "carol", DisplayName: "Carol"}

	p.HandleEvent(presence(transport.KindPresenceSync, carol, bob))
	assert.Equal(t, []transport.Member{bob, carol}, p.Members())
	<-members

	p.HandleEvent(presence(transport.KindPresenceJoin, transport.Member{UserID: "dave"}))
	assert.Len(t, p.Members(), 3)
	<-members

	bcast, err := transport.NewEnvelope(transport.KindBroadcast, "c1", typing("bob", true))
	require.NoError(t, err)
	p.HandleEvent(bcast)
	require.Len(t, p.TypingUsers(), 1)

	p.HandleEvent(presence(transport.KindPresenceLeave, bob))
	assert.Empty(t, p.TypingUsers(), "leaving clears typing")
	evt := <-members
	assert.Len(t, evt.Payload.(MembersChange).Members, 2)
}

func TestHandleEvent_DropsMalformed(t *testing.T) {
	p := New("c1", "alice", "Alice", &sentLog{}, Config{})
	defer p.Close()

	p.HandleEvent(transport.Envelope{Type: transport.KindBroadcast, ConversationID: "c1", Payload: json.RawMessage(`{"event":`)})
	p.HandleEvent(transport.Envelope{Type: transport.KindPresenceSync, ConversationID: "c1", Payload: json.RawMessage(`[]`)})
	assert.Empty(t, p.TypingUsers())
	assert.Empty(t, p.Members())
}

func TestViewing(t *testing.T) {
	sent := &sentLog{}
	mirror := &mirrorLog{}
	p := New("c1", "alice", "Alice", sent, Config{TTL: 100 * time.Millisecond, SweepInterval: 10 * time.Millisecond},
		WithViewerMirror(mirror))
	defer p.Close()

	p.SetViewing(true)
	p.SetViewing(true)
	require.Eventually(t, func() bool { return mirror.last() == "set chatsync:viewing:c1:alice" }, time.Second, 5*time.Millisecond)

	// The signal is refreshed while active.
	require.Eventually(t, func() bool { return len(sent.all()) >= 3 }, time.Second, 5*time.Millisecond)
	for _, s := range sent.all() {
		assert.Equal(t, transport.BroadcastViewing, s.Event)
		assert.True(t, s.Active)
	}

	p.SetViewing(false)
	require.Eventually(t, func() bool { return mirror.last() == "clear chatsync:viewing:c1:alice" }, time.Second, 5*time.Millisecond)

	p.OnBroadcast(transport.BroadcastPayload{Event: transport.BroadcastViewing, UserID: "bob", Active: true})
	viewers := p.Viewers()
	require.Len(t, viewers, 1)
	assert.Equal(t, "bob", viewers[0].UserID)
	assert.Empty(t, p.TypingUsers(), "viewing is not typing")
}

func TestClose_CancelsTypingTimer(t *testing.T) {
	sent := &sentLog{}
	p := New("c1", "alice", "Alice", sent, Config{Inactivity: 50 * time.Millisecond})
	p.SetTyping(true)
	require.Eventually(t, func() bool { return len(sent.all()) == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	p.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sent.all(), 1)
	p.SetTyping(true)
	assert.Len(t, sent.all(), 1)
}

func TestRedisViewers_ClosedClient(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	v := NewRedisViewersFromClient(rdb)
	require.NoError(t, v.Close())

	ctx := context.Background()
	assert.Error(t, v.SetViewing(ctx, "c1", "alice", time.Second))
	assert.Error(t, v.ClearViewing(ctx, "c1", "alice"))
	_, err := v.Viewers(ctx, "c1")
	assert.Error(t, err)
	assert.Equal(t, "chatsync:viewing:c1:alice", viewingKey("c1", "alice"))
}
