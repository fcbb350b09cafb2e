// Package conversation is the public surface of the sync engine. An Engine
// opens conversations; each Conversation wires a timeline store, its
// pagination cache, the shared channel, the outbound queue, presence and
// receipts together and exposes their state.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrEngineClosed is returned by Open after Close.
var ErrEngineClosed = errors.New("engine closed")

// Backend is the server side of the engine. Implemented by relay.Backend.
type Backend interface {
	outbound.Writer
	pagination.Fetcher
	receipts.Writer
	DeleteMessage(ctx context.Context, id string) error
	EditMessage(ctx context.Context, id string, p store.MessagePatch) (*store.Message, error)
	Join(ctx context.Context, m store.Member) error
	Leave(ctx context.Context, conversationID, userID string) error
	SyncPresence(ctx context.Context, conversationID string) error
	CreateConversation(ctx context.Context, c store.Conversation) error
	Conversation(self, id string) (*store.Conversation, error)
	Conversations(self string, limit, offset int) ([]store.Conversation, error)
}

// Config gathers the engine's tunables.
type Config struct {
	SelfID      string
	DisplayName string
	PageSize    int
	CacheTTL    time.Duration
	// WindowLimit bounds the in-memory timeline. Realtime growth past twice
	// the limit trims the oldest messages back to it.
	WindowLimit int
	Channel     channel.Config
	Outbound    outbound.Config
	Presence    presence.Config
	Receipts    receipts.Config
}

// DefaultConfig returns the production defaults for selfID.
func DefaultConfig(selfID string) Config {
	return Config{
		SelfID:      selfID,
		PageSize:    20,
		CacheTTL:    5 * time.Second,
		WindowLimit: 500,
		Channel:     channel.DefaultConfig(),
		Outbound:    outbound.DefaultConfig(),
		Presence:    presence.DefaultConfig(),
		Receipts:    receipts.DefaultConfig(),
	}
}

// Engine owns the open conversations of one local user.
type Engine struct {
	cfg      Config
	backend  Backend
	registry *channel.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	journal  outbound.Journal
	mirror   presence.ViewerMirror

	mu     sync.Mutex
	open   map[string]*Conversation
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes every engine event on b.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithJournal journals outbound sends so they survive a restart.
func WithJournal(j outbound.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithViewerMirror mirrors the local viewing signal.
func WithViewerMirror(m presence.ViewerMirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// NewEngine creates an engine talking to backend for writes and history and
// to tr for realtime events.
func NewEngine(backend Backend, tr transport.Transport, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		backend: backend,
		logger:  zap.NewNop(),
		open:    make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = bus.New()
	}
	if e.cfg.WindowLimit <= 0 {
		e.cfg.WindowLimit = 500
	}
	e.logger = e.logger.Named("engine")
	e.registry = channel.NewRegistry(tr, cfg.Channel, e.bus, e.logger)
	return e
}

// Bus returns the bus carrying the engine's events.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// SelfID returns the local user.
func (e *Engine) SelfID() string { return e.cfg.SelfID }

// Open subscribes to a conversation, loads its newest page and restores
// journaled sends. Opening an open conversation returns the same value;
// every Open needs its own Close.
func (e *Engine) Open(ctx context.Context, conversationID string) (*Conversation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if c, ok := e.open[conversationID]; ok {
		c.refs++
		e.mu.Unlock()
		select {
		case <-c.ready:
		case <-ctx.Done():
			e.release(c)
			return nil, ctx.Err()
		}
		if c.startErr != nil {
			return nil, c.startErr
		}
		return c, nil
	}
	c := newConversation(e, conversationID)
	e.open[conversationID] = c
	e.mu.Unlock()

	if err := c.start(ctx); err != nil {
		e.mu.Lock()
		delete(e.open, conversationID)
		e.mu.Unlock()
		c.shutdown()
		return nil, err
	}
	return c, nil
}

// Lookup returns an open conversation.
func (e *Engine) Lookup(conversationID string) (*Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.open[conversationID]
	return c, ok
}

// Conversations lists the conversations visible to the local user with
// their unread counts.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.backend.Conversations(e.cfg.SelfID, limit, offset)
}

// Conversation returns one conversation with the local user's unread count,
// or nil when it does not exist.
func (e *Engine) Conversation(conversationID string) (*store.Conversation, error) {
	return e.backend.Conversation(e.cfg.SelfID, conversationID)
}

// CreateConversation creates a conversation and joins the local user to it.
func (e *Engine) CreateConversation(ctx context.Context, id, title string, public bool) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	if err := e.backend.CreateConversation(ctx, store.Conversation{ID: id, Title: title, IsPublic: public}); err != nil {
		return err
	}
	return e.backend.Join(ctx, store.Member{ConversationID: id, UserID: e.cfg.SelfID, DisplayName: e.cfg.DisplayName})
}

func (e *Engine) release(c *Conversation) {
	e.mu.Lock()
	c.refs--
	last := c.refs <= 0 && e.open[c.id] == c
	if last {
		delete(e.open, c.id)
	}
	e.mu.Unlock()
	if last {
		c.shutdown()
	}
}

// Close closes every open conversation and the channel registry.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	convs := make([]*Conversation, 0, len(e.open))
	for _, c := range e.open {
		convs = append(convs, c)
	}
	e.open = make(map[string]*Conversation)
	e.mu.Unlock()

	for _, c := range convs {
		c.shutdown()
	}
	e.registry.Close()
}
