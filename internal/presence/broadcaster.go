// Package presence tracks the ephemeral state of a conversation: who is
// typing, who is reading right now, and who is a member. None of it is
// persisted and none of it touches message status.
package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Sender publishes an ephemeral envelope. Implemented by channel.Channel.
type Sender interface {
	Broadcast(ctx context.Context, env transport.Envelope) error
}

// Config tunes typing and viewing timers.
type Config struct {
	// Inactivity stops a local typing burst after no keystroke for this long.
	Inactivity time.Duration
	// TTL is how long a remote typing or viewing signal stays visible.
	TTL           time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Inactivity:    2 * time.Second,
		TTL:           4 * time.Second,
		SweepInterval: time.Second,
		SendTimeout:   5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Inactivity <= 0 {
		c.Inactivity = d.Inactivity
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
}

// TypingEntry is a remote user currently typing or viewing.
type TypingEntry struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// TypingChange is the payload of presence.typing_changed and presence.viewing_changed.
type TypingChange struct {
	ConversationID string
	Users          []TypingEntry
}

// MembersChange is the payload of presence.members_changed.
type MembersChange struct {
	ConversationID string
	Members        []transport.Member
}

// Broadcaster owns the presence state of one conversation.
type Broadcaster struct {
	conversationID string
	selfID         string
	displayName    string
	sender         Sender
	cfg            Config
	bus            *bus.Bus
	logger         *zap.Logger
	mirror         ViewerMirror
	now            func() time.Time

	outbox chan transport.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	typing      map[string]TypingEntry
	viewing     map[string]TypingEntry
	members     map[string]transport.Member
	selfTyping  bool
	typingSent  time.Time
	idle        *time.Timer
	selfViewing bool
	viewingSent time.Time
	closed      bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBus publishes presence changes on b.
func WithBus(b *bus.Bus) Option {
	return func(p *Broadcaster) { p.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Broadcaster) { p.logger = l }
}

// WithViewerMirror mirrors the local viewing signal into m.
func WithViewerMirror(m ViewerMirror) Option {
	return func(p *Broadcaster) { p.mirror = m }
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Broadcaster) { p.now = now }
}

// New creates a broadcaster for selfID in conversationID and starts its sweep.
func New(conversationID, selfID, displayName string, sender Sender, cfg Config, opts ...Option) *Broadcaster {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Broadcaster{
		conversationID: conversationID,
		selfID:         selfID,
		displayName:    displayName,
		sender:         sender,
		cfg:            cfg,
		logger:         zap.NewNop(),
		now:            time.Now,
		outbox:         make(chan transport.Envelope, 16),
		ctx:            ctx,
		cancel:         cancel,
		typing:         make(map[string]TypingEntry),
		viewing:        make(map[string]TypingEntry),
		members:        make(map[string]transport.Member),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("conversation_id", conversationID))

	p.wg.Add(2)
	go p.sendLoop()
	go p.sweepLoop()
	return p
}

// SetTyping reports local keystrokes. The first call of a burst broadcasts
// "typing" and Sweep repeats it every TTL/2 while the burst lasts; "stopped"
// follows after Inactivity or on SetTyping(false).
func (p *Broadcaster) SetTyping(isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if !isTyping {
		p.stopTypingLocked()
		return
	}
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idle = time.AfterFunc(p.cfg.Inactivity, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.closed {
			p.stopTypingLocked()
		}
	})
	if !p.selfTyping {
		p.selfTyping = true
		p.typingSent = p.now()
		p.enqueue(transport.BroadcastTyping, true)
	}
}

func (p *Broadcaster) stopTypingLocked() {
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
	if p.selfTyping {
		p.selfTyping = false
		p.enqueue(transport.BroadcastTyping, false)
	}
}

// SetViewing reports whether the local user is looking at the conversation.
// While active the signal is refreshed before remote entries expire.
func (p *Broadcaster) SetViewing(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.selfViewing == active {
		return
	}
	p.selfViewing = active
	p.viewingSent = p.now()
	p.enqueue(transport.BroadcastViewing, active)
}

// enqueue hands a broadcast to the send loop without blocking. Must hold p.mu.
func (p *Broadcaster) enqueue(event string, active bool) {
	env, err := transport.NewEnvelope(transport.KindBroadcast, p.conversationID, transport.BroadcastPayload{
		Event:       event,
		UserID:      p.selfID,
		DisplayName: p.displayName,
		Active:      active,
	})
	if err != nil {
		p.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	select {
	case p.outbox <- env:
	default:
		p.logger.Warn("presence outbox full, dropping broadcast", zap.String("event", event))
	}
}

// HandleEvent routes a transport event to the presence state. Message
// events are ignored.
func (p *Broadcaster) HandleEvent(env transport.Envelope) {
	switch env.Type {
	case transport.KindBroadcast:
		payload, err := transport.DecodeBroadcast(env)
		if err != nil {
			p.logger.Warn("dropping malformed broadcast", zap.Error(err))
			return
		}
		p.OnBroadcast(payload)
	case transport.KindPresenceSync, transport.KindPresenceJoin, transport.KindPresenceLeave:
		payload, err := transport.DecodePresence(env)
		if err != nil {
			p.logger.Warn("dropping malformed presence event", zap.Error(err))
			return
		}
		p.onMembers(env.Type, payload.Members)
	}
}

// OnBroadcast applies a remote typing or viewing signal.
func (p *Broadcaster) OnBroadcast(payload transport.BroadcastPayload) {
	switch payload.Event {
	case transport.BroadcastTyping:
		p.OnTypingEvent(payload)
	case transport.BroadcastViewing:
		p.upsert(p.viewing, bus.KindPresenceViewing, payload)
	default:
		p.logger.Debug("ignoring unknown broadcast", zap.String("event", payload.Event))
	}
}

// OnTypingEvent records that a remote user is typing, or stopped. Entries
// expire after TTL unless refreshed. The local user's own echo is ignored.
func (p *Broadcaster) OnTypingEvent(payload transport.BroadcastPayload) {
	p.upsert(p.typing, bus.KindPresenceTyping, payload)
}

func (p *Broadcaster) upsert(set map[string]TypingEntry, kind string, payload transport.BroadcastPayload) {
	if payload.UserID == "" || payload.UserID == p.selfID {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old, existed := set[payload.UserID]
	existed = existed && old.ExpiresAt.After(p.now())
	if payload.Active {
		set[payload.UserID] = TypingEntry{
			UserID:      payload.UserID,
			DisplayName: payload.DisplayName,
			ExpiresAt:   p.now().Add(p.cfg.TTL),
		}
	} else {
		delete(set, payload.UserID)
	}
	changed := existed != payload.Active
	users := p.liveLocked(set)
	p.mu.Unlock()

	if changed {
		p.publish(kind, TypingChange{ConversationID: p.conversationID, Users: users})
	}
}

func (p *Broadcaster) onMembers(kind transport.Kind, members []transport.Member) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var typingGone, viewingGone bool
	switch kind {
	case transport.KindPresenceSync:
		p.members = make(map[string]transport.Member, len(members))
		for _, m := range members {
			p.members[m.UserID] = m
		}
	case transport.KindPresenceJoin:
		for _, m := range members {
			p.members[m.UserID] = m
		}
	case transport.KindPresenceLeave:
		for _, m := range members {
			delete(p.members, m.UserID)
			if _, ok := p.typing[m.UserID]; ok {
				delete(p.typing, m.UserID)
				typingGone = true
			}
			if _, ok := p.viewing[m.UserID]; ok {
				delete(p.viewing, m.UserID)
				viewingGone = true
			}
		}
	}
	snapshot := p.membersLocked()
	typing, viewing := p.liveLocked(p.typing), p.liveLocked(p.viewing)
	p.mu.Unlock()

	p.publish(bus.KindPresenceMembers, MembersChange{ConversationID: p.conversationID, Members: snapshot})
	if typingGone {
		p.publish(bus.KindPresenceTyping, TypingChange{ConversationID: p.conversationID, Users: typing})
	}
	if viewingGone {
		p.publish(bus.KindPresenceViewing, TypingChange{ConversationID: p.conversationID, Users: viewing})
	}
}

// TypingUsers returns the remote users typing right now, by user id.
// Entries past their expiry are never returned, even before a sweep.
func (p *Broadcaster) TypingUsers() []TypingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked(p.typing)
}

// Viewers returns the remote users reading the conversation right now.
func (p *Broadcaster) Viewers() []TypingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked(p.viewing)
}

// Members returns the known members, by user id.
func (p *Broadcaster) Members() []transport.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.membersLocked()
}

// IsTyping reports whether a local typing burst is in progress.
func (p *Broadcaster) IsTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfTyping
}

func (p *Broadcaster) liveLocked(set map[string]TypingEntry) []TypingEntry {
	now := p.now()
	out := make([]TypingEntry, 0, len(set))
	for _, e := range set {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b TypingEntry) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

func (p *Broadcaster) membersLocked() []transport.Member {
	out := make([]transport.Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b transport.Member) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Sweep removes expired entries and publishes the sets that changed.
func (p *Broadcaster) Sweep() {
	p.mu.Lock()
	now := p.now()
	typingGone := expire(p.typing, now)
	viewingGone := expire(p.viewing, now)
	typing, viewing := p.liveLocked(p.typing), p.liveLocked(p.viewing)
	if !p.closed && p.selfTyping && now.Sub(p.typingSent) >= p.cfg.TTL/2 {
		p.typingSent = now
		p.enqueue(transport.BroadcastTyping, true)
	}
	if !p.closed && p.selfViewing && now.Sub(p.viewingSent) >= p.cfg.TTL/2 {
		p.viewingSent = now
		p.enqueue(transport.BroadcastViewing, true)
	}
	p.mu.Unlock()

	if typingGone {
		p.publish(bus.KindPresenceTyping, TypingChange{ConversationID: p.conversationID, Users: typing})
	}
	if viewingGone {
		p.publish(bus.KindPresenceViewing, TypingChange{ConversationID: p.conversationID, Users: viewing})
	}
}

func expire(set map[string]TypingEntry, now time.Time) bool {
	gone := false
	for id, e := range set {
		if !e.ExpiresAt.After(now) {
			delete(set, id)
			gone = true
		}
	}
	return gone
}

func (p *Broadcaster) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.ctx.Done():
			return
		}
	}
}

// sendLoop publishes broadcasts in order, off the caller's goroutine.
func (p *Broadcaster) sendLoop() {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.outbox:
			p.send(env)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Broadcaster) send(env transport.Envelope) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SendTimeout)
	defer cancel()
	if err := p.sender.Broadcast(ctx, env); err != nil {
		p.logger.Debug("broadcast failed", zap.Error(err))
	}
	if p.mirror == nil {
		return
	}
	payload, err := transport.DecodeBroadcast(env)
	if err != nil || payload.Event != transport.BroadcastViewing {
		return
	}
	if payload.Active {
		err = p.mirror.SetViewing(ctx, p.conversationID, p.selfID, p.cfg.TTL)
	} else {
		err = p.mirror.ClearViewing(ctx, p.conversationID, p.selfID)
	}
	if err != nil {
		p.logger.Warn("viewing mirror update failed", zap.Error(err))
	}
}

func (p *Broadcaster) publish(kind string, payload any) {
	p.bus.Publish(bus.Event{
		Kind:      kind,
		Topic:     p.conversationID,
		Timestamp: p.now(),
		Payload:   payload,
	})
}

// Close cancels the typing timer and stops the sweep. Pending broadcasts
// are dropped.
func (p *Broadcaster) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
