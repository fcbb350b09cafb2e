// Package pagination loads older history of a conversation into its timeline
// store, page by page, with a freshness TTL and collapsing of concurrent loads.
package pagination

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// ErrClosed is returned by loads on a closed cache.
var ErrClosed = errors.New("pagination cache closed")

// Fetcher reads history pages, newest first, strictly before a cursor.
type Fetcher interface {
	QueryMessages(ctx context.Context, conversationID string, before *store.Cursor, limit int) ([]store.Message, error)
}

// Config tunes a Cache.
type Config struct {
	PageSize     int
	TTL          time.Duration
	FetchTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
}

// Window describes how much of a conversation is loaded in memory.
type Window struct {
	ConversationID string
	OldestLoadedID string
	Oldest         *store.Cursor
	HasMoreOlder   bool
	LastFetchAt    time.Time
}

// Cache governs the older direction of one conversation's store. Realtime
// inserts go straight into the store and never require a refetch.
type Cache struct {
	conversationID string
	store          *timeline.Store
	fetcher        Fetcher
	cfg            Config
	bus            *bus.Bus
	logger         *zap.Logger
	now            func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	window   Window
	pageSize int
	loaded   bool
	closed   bool
	// newestSeen is the newest server message observed through the feed or
	// the newest page. Gap-fill pages back until it crosses this point.
	newestSeen *store.Cursor
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for the TTL.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithBus publishes window changes on b.
func WithBus(b *bus.Bus) Option {
	return func(c *Cache) { c.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache feeding s from f.
func New(s *timeline.Store, f Fetcher, cfg Config, opts ...Option) *Cache {
	cfg.setDefaults()
	c := &Cache{
		conversationID: s.ConversationID(),
		store:          s,
		fetcher:        f,
		cfg:            cfg,
		logger:         zap.NewNop(),
		now:            time.Now,
		pageSize:       cfg.PageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conversation_id", c.conversationID))
	c.window = Window{ConversationID: c.conversationID, HasMoreOlder: true}
	return c
}

// Window returns the current window.
func (c *Cache) Window() Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowLocked()
}

func (c *Cache) windowLocked() Window {
	w := c.window
	if w.Oldest != nil {
		cur := *w.Oldest
		w.Oldest = &cur
	}
	return w
}

// HasMoreOlder reports whether older history may still exist.
func (c *Cache) HasMoreOlder() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.HasMoreOlder
}

// LoadInitial loads the newest pageSize messages. A load that completed
// within the TTL is served from memory without fetching.
func (c *Cache) LoadInitial(ctx context.Context, pageSize int) (Window, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Window{}, ErrClosed
	}
	if pageSize > 0 {
		c.pageSize = pageSize
	}
	if c.loaded && c.now().Sub(c.window.LastFetchAt) < c.cfg.TTL {
		w := c.windowLocked()
		c.mu.Unlock()
		return w, nil
	}
	c.mu.Unlock()

	return c.collapse(ctx, "initial", c.fetchNewest)
}

// Refresh reloads the newest page, ignoring the TTL.
func (c *Cache) Refresh(ctx context.Context) (Window, error) {
	return c.collapse(ctx, "initial", c.fetchNewest)
}

// LoadOlder loads the page strictly older than the oldest loaded message.
// Concurrent calls share one fetch.
func (c *Cache) LoadOlder(ctx context.Context) (Window, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Window{}, ErrClosed
	}
	loaded, more := c.loaded, c.window.HasMoreOlder
	c.mu.Unlock()

	if !loaded {
		return c.LoadInitial(ctx, 0)
	}
	if !more {
		return c.Window(), nil
	}
	return c.collapse(ctx, "older", c.fetchOlder)
}

// collapse runs fn once for all concurrent callers of key. The fetch is
// detached from any single caller's cancellation; each caller still returns
// as soon as its own ctx is done.
func (c *Cache) collapse(ctx context.Context, key string, fn func(context.Context) (Window, error)) (Window, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Window{}, res.Err
		}
		return res.Val.(Window), nil
	case <-ctx.Done():
		return Window{}, ctx.Err()
	}
}

func (c *Cache) fetchNewest(ctx context.Context) (Window, error) {
	c.mu.Lock()
	limit := c.pageSize
	c.mu.Unlock()

	page, err := c.fetcher.QueryMessages(ctx, c.conversationID, nil, limit)
	if err != nil {
		c.logger.Warn("initial page fetch failed", zap.Error(err))
		return Window{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Window{}, ErrClosed
	}
	c.store.AppendBatch(toTimeline(page))
	if len(page) > 0 {
		c.noteLocked(cursorOf(page[0]))
	}
	// A refresh never moves the oldest cursor forward.
	if !c.loaded || c.window.Oldest == nil {
		c.setOldestLocked(page, len(page) == limit)
	}
	c.loaded = true
	c.window.LastFetchAt = c.now()
	w := c.windowLocked()
	c.mu.Unlock()

	c.publish(w)
	return w, nil
}

func (c *Cache) fetchOlder(ctx context.Context) (Window, error) {
	c.mu.Lock()
	limit := c.pageSize
	var before *store.Cursor
	if c.window.Oldest != nil {
		cur := *c.window.Oldest
		before = &cur
	}
	c.mu.Unlock()

	page, err := c.fetcher.QueryMessages(ctx, c.conversationID, before, limit)
	if err != nil {
		c.logger.Warn("older page fetch failed", zap.Error(err))
		return Window{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Window{}, ErrClosed
	}
	c.store.AppendBatch(toTimeline(page))
	c.setOldestLocked(page, len(page) == limit)
	c.window.LastFetchAt = c.now()
	w := c.windowLocked()
	c.mu.Unlock()

	c.logger.Debug("loaded older page", zap.Int("count", len(page)), zap.Bool("has_more_older", w.HasMoreOlder))
	c.publish(w)
	return w, nil
}

// setOldestLocked moves the window to the oldest message of a desc page.
// HasMoreOlder only turns false on a short page.
func (c *Cache) setOldestLocked(page []store.Message, full bool) {
	c.window.HasMoreOlder = full
	if len(page) == 0 {
		return
	}
	oldest := page[len(page)-1]
	cur := cursorOf(oldest)
	c.window.Oldest = &cur
	c.window.OldestLoadedID = oldest.ID
}

// Observe records a message that arrived through the realtime feed. It
// advances the point gap-fill pages back to.
func (c *Cache) Observe(m timeline.Message) {
	if m.ID == "" {
		return
	}
	c.mu.Lock()
	c.noteLocked(store.Cursor{CreatedAt: m.CreatedAt, ID: m.ID})
	c.mu.Unlock()
}

func (c *Cache) noteLocked(cur store.Cursor) {
	if c.newestSeen == nil || cursorBefore(*c.newestSeen, cur) {
		c.newestSeen = &cur
	}
}

// FillGap fetches messages missed while the feed was down. It pages back
// from the newest message until it crosses the newest message observed
// before the outage or reaches a short page. Everything is merged through
// the store's normal dedup path. Returns how many messages were inserted;
// receipt or edit changes to messages already held do not count.
func (c *Cache) FillGap(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	anchor := c.newestSeen
	limit := c.pageSize
	c.mu.Unlock()

	if anchor == nil {
		before := c.store.Len()
		if _, err := c.Refresh(ctx); err != nil {
			return 0, err
		}
		return max(c.store.Len()-before, 0), nil
	}

	added := 0
	var cursor *store.Cursor
	for {
		page, err := c.fetcher.QueryMessages(ctx, c.conversationID, cursor, limit)
		if err != nil {
			c.logger.Warn("gap-fill fetch failed", zap.Error(err))
			return added, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return added, ErrClosed
		}
		if len(page) > 0 {
			c.noteLocked(cursorOf(page[0]))
		}
		c.mu.Unlock()

		added += c.store.AppendBatch(toTimeline(page)).Inserted

		crossed := false
		for _, m := range page {
			if !cursorBefore(*anchor, cursorOf(m)) {
				crossed = true
				break
			}
		}
		if crossed || len(page) < limit {
			break
		}
		last := cursorOf(page[len(page)-1])
		cursor = &last
	}

	c.logger.Info("gap-fill complete", zap.Int("merged", added))
	return added, nil
}

// Trim evicts the oldest in-memory messages down to keep. Trimmed history
// stays reachable through LoadOlder.
func (c *Cache) Trim(keep int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := c.store.TrimOldest(keep)
	if dropped == 0 {
		return 0
	}
	if oldest, ok := c.store.Oldest(); ok {
		cur := store.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}
		c.window.Oldest = &cur
		c.window.OldestLoadedID = oldest.ID
	}
	c.window.HasMoreOlder = true
	return dropped
}

// Close discards the results of in-flight fetches and rejects new loads.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Cache) publish(w Window) {
	c.bus.Publish(bus.Event{
		Kind:      bus.KindPaginationWindow,
		Topic:     c.conversationID,
		Timestamp: c.now(),
		Payload:   w,
	})
}

func toTimeline(page []store.Message) []timeline.Message {
	out := make([]timeline.Message, len(page))
	for i, m := range page {
		out[i] = m.Timeline()
	}
	return out
}

func cursorOf(m store.Message) store.Cursor {
	return store.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func cursorBefore(a, b store.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
