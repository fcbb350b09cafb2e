package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/memory"
)

func fastConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		MissedHeartbeats:  2,
		DegradedGrace:     100 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        40 * time.Millisecond,
		StabilityWindow:   time.Second,
		AckTimeout:        100 * time.Millisecond,
	}
}

type recorder struct {
	mu      sync.Mutex
	events  []transport.Envelope
	resyncs atomic.Int32
}

func (r *recorder) HandleEvent(env transport.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

func (r *recorder) Resync(context.Context) error {
	r.resyncs.Add(1)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func typing(t *testing.T, conv string) transport.Envelope {
	t.Helper()
	env, err := transport.NewEnvelope(transport.KindBroadcast, conv,
		transport.BroadcastPayload{Event: transport.BroadcastTyping, UserID: "bob", Active: true})
	require.NoError(t, err)
	return env
}

func setup(t *testing.T) (*Registry, *memory.Broker, *bus.Bus) {
	t.Helper()
	broker := memory.New()
	b := bus.New()
	reg := NewRegistry(broker, fastConfig(), b, nil)
	t.Cleanup(reg.Close)
	return reg, broker, b
}

func TestRegistry_RefCountsSubscriptions(t *testing.T) {
	reg, broker, _ := setup(t)
	ctx := context.Background()
	obsA, obsB := &recorder{}, &recorder{}

	subA, err := reg.Subscribe(ctx, "c1", obsA)
	require.NoError(t, err)
	subB, err := reg.Subscribe(ctx, "c1", obsB)
	require.NoError(t, err)

	assert.Same(t, subA.Channel(), subB.Channel())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, broker.Subscribers(transport.MessageSubject("c1")))
	assert.Equal(t, 1, broker.Subscribers(transport.BroadcastSubject("c1")))

	require.NoError(t, broker.Publish(ctx, transport.BroadcastSubject("c1"), typing(t, "c1")))
	require.Eventually(t, func() bool { return obsA.count() == 1 && obsB.count() == 1 }, time.Second, 5*time.Millisecond)

	subA.Unsubscribe()
	subA.Unsubscribe()
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, broker.Subscribers(transport.MessageSubject("c1")))

	subB.Unsubscribe()
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, broker.Subscribers(transport.MessageSubject("c1")))
	assert.Equal(t, 0, broker.Subscribers(transport.BroadcastSubject("c1")))
}

func TestChannel_ConnectedOnAck(t *testing.T) {
	reg, _, b := setup(t)
	events, unsub := b.SubscribeTopic("c1", bus.KindChannelStatus, 16)
	defer unsub()

	sub, err := reg.Subscribe(context.Background(), "c1", &recorder{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, status.Connected, sub.Channel().Status())
	evt := <-events
	change := evt.Payload.(status.StatusChange)
	assert.Equal(t, status.Connecting, change.From)
	assert.Equal(t, status.Connected, change.To)
}

func TestChannel_DropsEventsForOtherConversations(t *testing.T) {
	reg, broker, _ := setup(t)
	obs := &recorder{}
	sub, err := reg.Subscribe(context.Background(), "c1", obs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, transport.BroadcastSubject("c1"), typing(t, "c2")))
	require.NoError(t, broker.Publish(ctx, transport.BroadcastSubject("c1"), typing(t, "c1")))
	require.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, obs.count())
}

func TestChannel_MissedHeartbeatsDegradeAndRecover(t *testing.T) {
	reg, broker, _ := setup(t)
	sub, err := reg.Subscribe(context.Background(), "c1", &recorder{})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	ch := sub.Channel()

	broker.FailPings(true)
	require.Eventually(t, func() bool { return ch.Status() == status.Degraded }, time.Second, 5*time.Millisecond)

	broker.FailPings(false)
	require.Eventually(t, func() bool { return ch.Status() == status.Connected }, time.Second, 5*time.Millisecond)
}

func TestChannel_DegradedGraceDisconnectsThenReconnects(t *testing.T) {
	reg, broker, b := setup(t)
	events, unsub := b.SubscribeTopic("c1", bus.KindChannelStatus, 64)
	defer unsub()

	obs := &recorder{}
	sub, err := reg.Subscribe(context.Background(), "c1", obs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	broker.FailPings(true)
	sawDisconnect := false
	deadline := time.After(2 * time.Second)
	for !sawDisconnect {
		select {
		case evt := <-events:
			change := evt.Payload.(status.StatusChange)
			if change.From == status.Degraded && change.To == status.Disconnected {
				sawDisconnect = true
				assert.Equal(t, reasonGraceExpired, change.Reason)
			}
		case <-deadline:
			t.Fatal("channel never left degraded")
		}
	}

	broker.FailPings(false)
	require.Eventually(t, func() bool {
		return sub.Channel().Status() == status.Connected && obs.resyncs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_SendFailuresDegrade(t *testing.T) {
	reg, _, b := setup(t)
	events, unsub := b.SubscribeTopic("c1", bus.KindChannelStatus, 16)
	defer unsub()
	sub, err := reg.Subscribe(context.Background(), "c1", &recorder{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for range 4 {
		sub.Channel().ReportSendFailure()
	}
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			change := evt.Payload.(status.StatusChange)
			if change.To == status.Degraded {
				assert.Equal(t, "send failures", change.Reason)
				return
			}
		case <-deadline:
			t.Fatal("send failures never degraded the channel")
		}
	}
}

func TestChannel_OutageReconnectsAndResyncs(t *testing.T) {
	reg, broker, _ := setup(t)
	obs := &recorder{}
	sub, err := reg.Subscribe(context.Background(), "c1", obs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	ch := sub.Channel()

	broker.Disconnect()
	require.Eventually(t, func() bool { return ch.Attempts() >= 2 }, time.Second, 2*time.Millisecond)
	assert.NotEqual(t, status.Connected, ch.Status())
	assert.Equal(t, int32(0), obs.resyncs.Load())

	broker.Restore()
	require.Eventually(t, func() bool { return ch.Status() == status.Connected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), obs.resyncs.Load())

	// Events flow again on fresh subscriptions.
	require.NoError(t, broker.Publish(context.Background(), transport.BroadcastSubject("c1"), typing(t, "c1")))
	require.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 2*time.Millisecond)
}

func TestChannel_FirstSubscribeFailureKeepsRetrying(t *testing.T) {
	reg, broker, _ := setup(t)
	broker.FailSubscribes(1)

	obs := &recorder{}
	sub, err := reg.Subscribe(context.Background(), "c1", obs)
	require.NoError(t, err, "subscription failures never surface as errors")
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return sub.Channel().Status() == status.Connected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), obs.resyncs.Load())
}

func TestChannel_ManualReconnect(t *testing.T) {
	reg, broker, _ := setup(t)
	obs := &recorder{}
	sub, err := reg.Subscribe(context.Background(), "c1", obs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sub.Channel().Reconnect()
	require.Eventually(t, func() bool {
		return obs.resyncs.Load() == 1 && sub.Channel().Status() == status.Connected
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, broker.Subscribers(transport.MessageSubject("c1")))
}

func TestBackOffSequence(t *testing.T) {
	bo := newBackOff(Config{BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, bo.NextBackOff(), "attempt %d", i)
	}
	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}

func TestRegistry_ClosedRejectsSubscribe(t *testing.T) {
	reg, _, _ := setup(t)
	sub, err := reg.Subscribe(context.Background(), "c1", &recorder{})
	require.NoError(t, err)

	reg.Close()
	_, err = reg.Subscribe(context.Background(), "c2", &recorder{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	sub.Unsubscribe()
}
