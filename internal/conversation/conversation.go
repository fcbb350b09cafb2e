package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

var errNotSubscribed = errors.New("conversation channel not subscribed")

// Resynced is the payload of channel.resynced.
type Resynced struct {
	ConversationID string
	Merged         int
}

// link hands the shared channel to components built before the
// subscription exists.
type link struct {
	ch atomic.Pointer[channel.Channel]
}

func (l *link) Broadcast(ctx context.Context, env transport.Envelope) error {
	ch := l.ch.Load()
	if ch == nil {
		return errNotSubscribed
	}
	return ch.Broadcast(ctx, env)
}

func (l *link) ReportSendFailure() {
	if ch := l.ch.Load(); ch != nil {
		ch.ReportSendFailure()
	}
}

// Conversation is one open conversation. All methods are safe for
// concurrent use and none blocks on the network unless it takes a context.
type Conversation struct {
	id     string
	engine *Engine
	selfID string
	logger *zap.Logger

	store    *timeline.Store
	cache    *pagination.Cache
	queue    *outbound.Queue
	presence *presence.Broadcaster
	receipts *receipts.Reconciler
	link     *link
	sub      *channel.Subscription

	refs     int
	ready    chan struct{}
	startErr error
	stopOnce sync.Once
}

func newConversation(e *Engine, id string) *Conversation {
	cfg := e.cfg
	logger := e.logger.With(zap.String("conversation_id", id))
	s := timeline.New(id, e.bus, e.logger)
	l := &link{}

	c := &Conversation{
		id:     id,
		engine: e,
		selfID: cfg.SelfID,
		logger: logger,
		store:  s,
		link:   l,
		refs:   1,
		ready:  make(chan struct{}),
	}
	c.cache = pagination.New(s, e.backend,
		pagination.Config{PageSize: cfg.PageSize, TTL: cfg.CacheTTL},
		pagination.WithBus(e.bus), pagination.WithLogger(e.logger))

	queueOpts := []outbound.Option{outbound.WithHealth(l), outbound.WithBus(e.bus), outbound.WithLogger(e.logger)}
	if e.journal != nil {
		queueOpts = append(queueOpts, outbound.WithJournal(e.journal))
	}
	c.queue = outbound.New(cfg.SelfID, s, e.backend, cfg.Outbound, queueOpts...)

	presenceOpts := []presence.Option{presence.WithBus(e.bus), presence.WithLogger(e.logger)}
	if e.mirror != nil {
		presenceOpts = append(presenceOpts, presence.WithViewerMirror(e.mirror))
	}
	c.presence = presence.New(id, cfg.SelfID, cfg.DisplayName, l, cfg.Presence, presenceOpts...)
	c.receipts = receipts.New(cfg.SelfID, s, e.backend, cfg.Receipts, receipts.WithBus(e.bus), receipts.WithLogger(e.logger))
	return c
}

func (c *Conversation) start(ctx context.Context) error {
	defer close(c.ready)

	sub, err := c.engine.registry.Subscribe(ctx, c.id, c)
	if err != nil {
		c.startErr = err
		return err
	}
	c.sub = sub
	c.link.ch.Store(sub.Channel())

	if _, err := c.cache.LoadInitial(ctx, 0); err != nil {
		if ctx.Err() != nil {
			c.startErr = ctx.Err()
			return ctx.Err()
		}
		c.logger.Warn("initial page unavailable", zap.Error(err))
	}
	if _, err := c.queue.Restore(); err != nil {
		c.logger.Warn("restore journaled sends failed", zap.Error(err))
	}
	c.settle()
	c.logger.Info("conversation opened", zap.Int("loaded", c.store.Len()), zap.String("status", string(sub.Channel().Status())))
	return nil
}

// settle reconciles state after a batch of messages arrived outside the
// feed: sends confirmed by history stop retrying, inbound messages get
// delivered and the unread count is republished.
func (c *Conversation) settle() {
	for _, p := range c.queue.Pending() {
		if m, ok := c.store.Get(p.TempID); ok && m.ID != "" {
			c.queue.Acknowledge(m)
		}
	}
	var undelivered []string
	for _, m := range c.store.Select(func(m *timeline.Message) bool {
		return m.ID != "" && m.SenderID != c.selfID && m.Status == timeline.StatusSent
	}) {
		undelivered = append(undelivered, m.ID)
	}
	c.receipts.MarkDelivered(undelivered...)
	c.receipts.SyncUnread()
}

// HandleEvent applies a realtime event. It runs on the channel goroutine.
func (c *Conversation) HandleEvent(env transport.Envelope) {
	switch env.Type {
	case transport.KindMessageInsert:
		m, err := transport.DecodeMessage(env)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		c.cache.Observe(m)
		c.store.Append(m)
		c.queue.Acknowledge(m)
		if m.SenderID != c.selfID {
			c.receipts.MarkDelivered(m.ID)
		}
		c.receipts.SyncUnread()
		c.bound()
	case transport.KindMessageUpdate:
		m, err := transport.DecodeMessage(env)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		c.applyUpdate(m)
		c.receipts.SyncUnread()
	case transport.KindMessageDelete:
		d, err := transport.DecodeDelete(env)
		if err != nil {
			c.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		c.store.Remove(d.ID)
		c.receipts.SyncUnread()
	default:
		c.presence.HandleEvent(env)
	}
}

// applyUpdate patches a loaded message. Updates for messages outside the
// window are dropped; the next page load brings the current copy.
func (c *Conversation) applyUpdate(m timeline.Message) {
	cur, ok := c.store.Get(m.ID)
	if !ok {
		return
	}
	var p timeline.Patch
	if m.Status.Later(cur.Status) {
		p.Status = &m.Status
	}
	if m.EditedAt != nil {
		p.Content = &m.Content
		p.MediaRef = &m.MediaRef
		p.EditedAt = m.EditedAt
	}
	p.DeliveredAt = m.DeliveredAt
	p.ReadAt = m.ReadAt
	c.store.ApplyPatch(m.ID, p)
}

// bound trims the window when realtime growth doubled it.
func (c *Conversation) bound() {
	limit := c.engine.cfg.WindowLimit
	if c.store.Len() > 2*limit {
		dropped := c.cache.Trim(limit)
		c.logger.Debug("trimmed window", zap.Int("dropped", dropped))
	}
}

// Resync fills the gap left by an outage. The channel calls it after every
// reconnect, before delivering new events.
func (c *Conversation) Resync(ctx context.Context) error {
	merged, err := c.cache.FillGap(ctx)
	c.settle()
	c.engine.bus.Publish(bus.Event{
		Kind:      bus.KindChannelResynced,
		Topic:     c.id,
		Timestamp: time.Now(),
		Payload:   Resynced{ConversationID: c.id, Merged: merged},
	})
	return err
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// SendMessage shows the message right away as pending and sends it in the
// background. The temp id identifies it until the server id is known.
func (c *Conversation) SendMessage(content, mediaRef, replyToID string) (string, error) {
	c.presence.SetTyping(false)
	return c.queue.Send(content, mediaRef, replyToID)
}

// RetryMessage resends a failed message.
func (c *Conversation) RetryMessage(tempID string) error {
	return c.queue.Retry(tempID)
}

// DeleteMessage deletes a message for everyone.
func (c *Conversation) DeleteMessage(ctx context.Context, id string) error {
	if err := c.engine.backend.DeleteMessage(ctx, id); err != nil {
		return err
	}
	c.store.Remove(id)
	c.receipts.SyncUnread()
	return nil
}

// EditMessage replaces the content of one of the local user's messages.
func (c *Conversation) EditMessage(ctx context.Context, id, content string) error {
	m, ok := c.store.Get(id)
	if !ok || m.ID == "" {
		return fmt.Errorf("edit %s: %w", id, store.ErrNotFound)
	}
	if m.SenderID != c.selfID {
		return fmt.Errorf("edit %s: not authored by %s", id, c.selfID)
	}
	edited, err := c.engine.backend.EditMessage(ctx, m.ID, store.MessagePatch{Content: &content, EditedAt: time.Now()})
	if err != nil {
		return err
	}
	c.applyUpdate(edited.Timeline())
	return nil
}

// Join adds the local user to the members and asks the server to
// republish the member list.
func (c *Conversation) Join(ctx context.Context) error {
	member := store.Member{ConversationID: c.id, UserID: c.selfID, DisplayName: c.engine.cfg.DisplayName}
	if err := c.engine.backend.Join(ctx, member); err != nil {
		return err
	}
	return c.engine.backend.SyncPresence(ctx, c.id)
}

// Leave removes the local user from the members. The conversation stays
// open until Close.
func (c *Conversation) Leave(ctx context.Context) error {
	return c.engine.backend.Leave(ctx, c.id, c.selfID)
}

// SetTyping reports local typing activity.
func (c *Conversation) SetTyping(isTyping bool) { c.presence.SetTyping(isTyping) }

// SetViewing reports whether the local user is reading the conversation.
func (c *Conversation) SetViewing(active bool) { c.presence.SetViewing(active) }

// LoadOlder loads the page before the oldest loaded message.
func (c *Conversation) LoadOlder(ctx context.Context) (pagination.Window, error) {
	w, err := c.cache.LoadOlder(ctx)
	if err == nil {
		c.settle()
	}
	return w, err
}

// Refresh reloads the newest page.
func (c *Conversation) Refresh(ctx context.Context) (pagination.Window, error) {
	w, err := c.cache.Refresh(ctx)
	if err == nil {
		c.settle()
	}
	return w, err
}

// MarkRead marks everything read once the view stayed active for the read delay.
func (c *Conversation) MarkRead() { c.receipts.MarkRead() }

// CancelRead reports that the view lost focus.
func (c *Conversation) CancelRead() { c.receipts.CancelRead() }

// Messages returns the timeline in order.
func (c *Conversation) Messages() []timeline.Message { return c.store.Snapshot() }

// Query returns count messages from index from.
func (c *Conversation) Query(from, count int) []timeline.Message { return c.store.Query(from, count) }

// Message looks a message up by id or temp id.
func (c *Conversation) Message(key string) (timeline.Message, bool) { return c.store.Get(key) }

// ReplyTo resolves the message m replies to, when it is loaded.
func (c *Conversation) ReplyTo(m timeline.Message) (timeline.Message, bool) {
	return c.store.Resolve(m.ReplyToID)
}

// PendingSends returns the sends not acknowledged yet.
func (c *Conversation) PendingSends() []outbound.PendingSend { return c.queue.Pending() }

// TypingUsers returns the remote users typing right now.
func (c *Conversation) TypingUsers() []presence.TypingEntry { return c.presence.TypingUsers() }

// Viewers returns the remote users reading right now.
func (c *Conversation) Viewers() []presence.TypingEntry { return c.presence.Viewers() }

// Members returns the known members.
func (c *Conversation) Members() []transport.Member { return c.presence.Members() }

// ConnectionStatus returns the state of the conversation's channel.
func (c *Conversation) ConnectionStatus() status.State {
	if ch := c.link.ch.Load(); ch != nil {
		return ch.Status()
	}
	return status.Connecting
}

// Reconnect forces the channel to reconnect now.
func (c *Conversation) Reconnect() {
	if ch := c.link.ch.Load(); ch != nil {
		ch.Reconnect()
	}
}

// HasMoreOlder reports whether older history may exist.
func (c *Conversation) HasMoreOlder() bool { return c.cache.HasMoreOlder() }

// Window returns the loaded window.
func (c *Conversation) Window() pagination.Window { return c.cache.Window() }

// UnreadCount returns the inbound messages not read yet.
func (c *Conversation) UnreadCount() int { return c.receipts.UnreadCount() }

// Watch subscribes to every event of this conversation. Call the returned
// func to unsubscribe.
func (c *Conversation) Watch(bufSize int) (<-chan bus.Event, func()) {
	return c.engine.bus.SubscribeTopic(c.id, "", bufSize)
}

// Close releases this handle. The last Close of a conversation cancels
// typing timers, discards in-flight page results and releases the channel.
func (c *Conversation) Close() {
	c.engine.release(c)
}

func (c *Conversation) shutdown() {
	<-c.ready
	c.stopOnce.Do(func() {
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		c.presence.Close()
		c.receipts.Close()
		c.cache.Close()
		c.queue.Close()
		c.logger.Info("conversation closed")
	})
}
