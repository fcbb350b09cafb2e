// Package channel owns the transport subscriptions of each open conversation:
// a ref-counted registry, a connection state machine driven by heartbeats and
// send failures, and backoff reconnection followed by an observer resync.
//
// Nothing here returns transport errors to callers. Failures surface as
// status transitions published on the bus.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Observer receives a conversation's transport events.
type Observer interface {
	// HandleEvent is called on the channel's goroutine, one event at a time.
	HandleEvent(env transport.Envelope)
	// Resync is called after every reconnect, before any new event is
	// delivered, so the observer can fetch what it missed.
	Resync(ctx context.Context) error
}

// Config tunes heartbeat and reconnect behaviour.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// MissedHeartbeats consecutive failures (heartbeats or sends) degrade the channel.
	MissedHeartbeats int
	// DegradedGrace is how long a degraded channel may stay without recovery.
	DegradedGrace   time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	StabilityWindow time.Duration
	// AckTimeout bounds each subscription handshake.
	AckTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  2 * time.Second,
		MissedHeartbeats:  3,
		DegradedGrace:     10 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        30 * time.Second,
		StabilityWindow:   60 * time.Second,
		AckTimeout:        5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = d.MissedHeartbeats
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = d.DegradedGrace
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = d.StabilityWindow
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
}

// newBackOff returns min(base·2^attempt, cap) with no jitter and no deadline.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Channel is the shared subscription pair of one conversation.
type Channel struct {
	conversationID string
	tr             transport.Transport
	cfg            Config
	logger         *zap.Logger
	status         *status.Machine

	mu        sync.Mutex
	observers map[int]Observer
	nextObs   int

	bo       *backoff.ExponentialBackOff
	attempts int

	sendFailures chan struct{}
	reconnect    chan struct{}
	ready        chan struct{}
	runCtx       context.Context
	cancel       context.CancelFunc
	started      atomic.Bool
	done         chan struct{}
}

func newChannel(conversationID string, tr transport.Transport, cfg Config, b *bus.Bus, logger *zap.Logger) *Channel {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Channel{
		conversationID: conversationID,
		tr:             tr,
		cfg:            cfg,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		status:         status.NewMachine(conversationID, b),
		observers:      make(map[int]Observer),
		bo:             newBackOff(cfg),
		sendFailures:   make(chan struct{}, 16),
		reconnect:      make(chan struct{}, 1),
		ready:          make(chan struct{}),
		runCtx:         runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// ConversationID returns the conversation this channel serves.
func (c *Channel) ConversationID() string { return c.conversationID }

// Status returns the current connection state.
func (c *Channel) Status() status.State { return c.status.Current() }

// Attempts returns the reconnect attempts since the last stable connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ReportSendFailure counts a failed send toward degradation.
func (c *Channel) ReportSendFailure() {
	select {
	case c.sendFailures <- struct{}{}:
	default:
	}
}

// Reconnect tears the subscriptions down and reconnects right away, skipping
// any pending backoff delay.
func (c *Channel) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Broadcast publishes an ephemeral envelope on the conversation's broadcast subject.
func (c *Channel) Broadcast(ctx context.Context, env transport.Envelope) error {
	return c.tr.Publish(ctx, transport.BroadcastSubject(c.conversationID), env)
}

func (c *Channel) addObserver(obs Observer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs
	return id
}

// removeObserver returns how many observers remain.
func (c *Channel) removeObserver(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, id)
	return len(c.observers)
}

func (c *Channel) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		out = append(out, o)
	}
	return out
}

// start runs the supervisor. It returns once the first connection attempt
// finished, successfully or not, or ctx is done.
func (c *Channel) start(ctx context.Context) {
	c.started.Store(true)
	go c.run(c.runCtx)

	select {
	case <-c.ready:
	case <-ctx.Done():
	}
}

func (c *Channel) stop() {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

type subs struct {
	messages  transport.Subscription
	broadcast transport.Subscription
}

func (s subs) close() {
	if s.messages != nil {
		_ = s.messages.Unsubscribe()
	}
	if s.broadcast != nil {
		_ = s.broadcast.Unsubscribe()
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(c.ready) }) }
	defer markReady()

	resync := false
	for {
		s, err := c.connect(ctx)
		if err != nil {
			markReady()
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("subscribe failed", zap.Error(err))
			resync = true
			_ = c.status.Walk(status.Disconnected, err.Error())
			if !c.wait(ctx) {
				return
			}
			_ = c.status.Transition(status.Connecting, "reconnecting")
			continue
		}

		if err := c.status.Transition(status.Connected, "subscription acknowledged"); err != nil {
			c.logger.Error("unexpected status transition", zap.Error(err))
		}
		connectedAt := time.Now()
		if resync {
			c.resyncObservers(ctx)
		}
		markReady()
		resync = true

		reason := c.serve(ctx, s)
		s.close()
		if ctx.Err() != nil {
			_ = c.status.Walk(status.Disconnected, "closed")
			return
		}
		if time.Since(connectedAt) > c.cfg.StabilityWindow {
			c.bo.Reset()
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
		}
		c.logger.Info("channel lost", zap.String("reason", reason))
		_ = c.status.Walk(status.Disconnected, reason)
		if reason != reasonManual && !c.wait(ctx) {
			return
		}
		_ = c.status.Transition(status.Connecting, "reconnecting")
	}
}

// connect opens both subscriptions; the handshake is bounded by AckTimeout.
func (c *Channel) connect(ctx context.Context) (subs, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	var s subs
	var err error
	s.messages, err = c.tr.Subscribe(actx, transport.MessageSubject(c.conversationID))
	if err != nil {
		return subs{}, &errs.SubscriptionError{ConversationID: c.conversationID, Subject: transport.MessageSubject(c.conversationID), Err: err}
	}
	s.broadcast, err = c.tr.Subscribe(actx, transport.BroadcastSubject(c.conversationID))
	if err != nil {
		s.close()
		return subs{}, &errs.SubscriptionError{ConversationID: c.conversationID, Subject: transport.BroadcastSubject(c.conversationID), Err: err}
	}
	return s, nil
}

// wait sleeps for the next backoff delay. A manual reconnect cuts it short.
func (c *Channel) wait(ctx context.Context) bool {
	delay := c.bo.NextBackOff()
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()
	c.logger.Debug("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.reconnect:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) resyncObservers(ctx context.Context) {
	for _, obs := range c.snapshotObservers() {
		if err := obs.Resync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("resync failed", zap.Error(err))
		}
	}
}

const (
	reasonManual       = "manual reconnect"
	reasonSubClosed    = "subscription closed"
	reasonGraceExpired = "degraded grace expired"
)

// serve pumps events and runs the heartbeat until the link is lost.
func (c *Channel) serve(ctx context.Context, s subs) string {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	pings := make(chan error, 1)
	pinging := false
	failures := 0
	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	fail := func(cause string) {
		failures++
		if failures < c.cfg.MissedHeartbeats || c.status.Current() != status.Connected {
			return
		}
		if err := c.status.Transition(status.Degraded, cause); err == nil {
			grace = time.NewTimer(c.cfg.DegradedGrace)
			graceC = grace.C
		}
	}
	healthy := func() {
		failures = 0
		if c.status.Current() == status.Degraded {
			_ = c.status.Transition(status.Connected, "heartbeat recovered")
			if grace != nil {
				grace.Stop()
			}
			graceC = nil
		}
	}

	msgs, bcast := s.messages.Events(), s.broadcast.Events()
	for {
		select {
		case env, ok := <-msgs:
			if !ok {
				return reasonSubClosed
			}
			c.dispatch(env)
		case env, ok := <-bcast:
			if !ok {
				return reasonSubClosed
			}
			c.dispatch(env)
		case <-ticker.C:
			if pinging {
				continue
			}
			pinging = true
			go func() {
				pctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
				defer cancel()
				pings <- c.tr.Ping(pctx)
			}()
		case err := <-pings:
			pinging = false
			if err != nil {
				c.logger.Debug("missed heartbeat", zap.Error(err))
				fail("missed heartbeats")
			} else {
				healthy()
			}
		case <-c.sendFailures:
			fail("send failures")
		case <-graceC:
			return reasonGraceExpired
		case <-c.reconnect:
			return reasonManual
		case <-ctx.Done():
			return "closed"
		}
	}
}

func (c *Channel) dispatch(env transport.Envelope) {
	if env.ConversationID != c.conversationID {
		c.logger.Warn("dropping event for another conversation",
			zap.String("event_conversation_id", env.ConversationID), zap.String("type", string(env.Type)))
		return
	}
	for _, obs := range c.snapshotObservers() {
		obs.HandleEvent(env)
	}
}
