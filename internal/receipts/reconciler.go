// Package receipts moves inbound messages through delivered and read, and
// keeps the conversation's unread count.
package receipts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// Writer persists receipts. Implemented by relay.Backend.
type Writer interface {
	UpdateReadStatus(ctx context.Context, ids []string, field store.ReceiptField) ([]string, error)
	MarkConversationRead(ctx context.Context, conversationID, reader string) ([]string, error)
}

// Config tunes receipt batching.
type Config struct {
	DeliveryBatchWindow time.Duration
	// ReadDelay debounces MarkRead; the view must still be active when it fires.
	ReadDelay    time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DeliveryBatchWindow: 200 * time.Millisecond,
		ReadDelay:           time.Second,
		WriteTimeout:        10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.DeliveryBatchWindow <= 0 {
		c.DeliveryBatchWindow = d.DeliveryBatchWindow
	}
	if c.ReadDelay <= 0 {
		c.ReadDelay = d.ReadDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// UnreadChange is the payload of receipts.unread_changed.
type UnreadChange struct {
	ConversationID string
	Unread         int
}

// Reconciler owns the receipts of one conversation for the local user.
type Reconciler struct {
	conversationID string
	selfID         string
	store          *timeline.Store
	writer         Writer
	cfg            Config
	bus            *bus.Bus
	logger         *zap.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	batch      map[string]struct{}
	batchTimer *time.Timer
	readTimer  *time.Timer
	viewActive bool
	lastUnread int
	closed     bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBus publishes unread changes on b.
func WithBus(b *bus.Bus) Option {
	return func(r *Reconciler) { r.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a reconciler for selfID over s.
func New(selfID string, s *timeline.Store, w Writer, cfg Config, opts ...Option) *Reconciler {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		conversationID: s.ConversationID(),
		selfID:         selfID,
		store:          s,
		writer:         w,
		cfg:            cfg,
		logger:         zap.NewNop(),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		batch:          make(map[string]struct{}),
		lastUnread:     -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("conversation_id", r.conversationID))
	return r
}

func (r *Reconciler) inbound(m *timeline.Message) bool {
	return m.ID != "" && m.SenderID != r.selfID
}

// MarkDelivered queues inbound messages for the sent → delivered move. The
// batch is flushed once DeliveryBatchWindow has passed since its first id.
// Self-authored, unknown and already delivered messages are skipped.
func (r *Reconciler) MarkDelivered(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, id := range ids {
		m, ok := r.store.Get(id)
		if !ok || !r.inbound(&m) || m.Status != timeline.StatusSent {
			continue
		}
		r.batch[m.ID] = struct{}{}
	}
	if len(r.batch) > 0 && r.batchTimer == nil {
		r.batchTimer = time.AfterFunc(r.cfg.DeliveryBatchWindow, r.flushDelivered)
	}
}

func (r *Reconciler) flushDelivered() {
	r.mu.Lock()
	r.batchTimer = nil
	if r.closed || len(r.batch) == 0 {
		r.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(r.batch))
	for id := range r.batch {
		ids = append(ids, id)
	}
	r.batch = make(map[string]struct{})
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
	defer cancel()
	if _, err := r.writer.UpdateReadStatus(ctx, ids, store.FieldDelivered); err != nil {
		r.logger.Warn("mark delivered failed", zap.Int("count", len(ids)), zap.Error(err))
		return
	}

	at := r.now()
	status := timeline.StatusDelivered
	for _, id := range ids {
		m, ok := r.store.Get(id)
		if !ok || m.Status != timeline.StatusSent {
			continue
		}
		r.store.ApplyPatch(id, timeline.Patch{Status: &status, DeliveredAt: &at})
	}
	r.logger.Debug("marked delivered", zap.Int("count", len(ids)))
}

// MarkRead marks every unread inbound message read after ReadDelay, unless
// CancelRead is called first. Repeated calls restart the delay.
func (r *Reconciler) MarkRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.viewActive = true
	if r.readTimer != nil {
		r.readTimer.Stop()
	}
	r.readTimer = time.AfterFunc(r.cfg.ReadDelay, r.fireRead)
}

// CancelRead reports that the view lost focus.
func (r *Reconciler) CancelRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewActive = false
	if r.readTimer != nil {
		r.readTimer.Stop()
		r.readTimer = nil
	}
}

func (r *Reconciler) fireRead() {
	r.mu.Lock()
	r.readTimer = nil
	if r.closed || !r.viewActive {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.ReadNow()
}

// ReadNow marks every unread inbound message read without waiting.
func (r *Reconciler) ReadNow() {
	unread := r.store.Select(func(m *timeline.Message) bool {
		return r.inbound(m) && m.ReadAt == nil
	})

	at := r.now()
	status := timeline.StatusRead
	for _, m := range unread {
		r.store.ApplyPatch(m.ID, timeline.Patch{Status: &status, ReadAt: &at})
	}
	r.SyncUnread()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
	defer cancel()
	changed, err := r.writer.MarkConversationRead(ctx, r.conversationID, r.selfID)
	if err != nil {
		r.logger.Warn("mark read failed", zap.Error(err))
		return
	}
	r.logger.Debug("marked read", zap.Int("local", len(unread)), zap.Int("persisted", len(changed)))
}

// UnreadCount returns the inbound messages without a read timestamp.
func (r *Reconciler) UnreadCount() int {
	return r.store.UnreadCount(r.selfID)
}

// SyncUnread publishes the unread count when it changed since the last call.
func (r *Reconciler) SyncUnread() {
	n := r.UnreadCount()
	r.mu.Lock()
	changed := n != r.lastUnread
	r.lastUnread = n
	r.mu.Unlock()
	if !changed {
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindReceiptsUnread,
		Topic:     r.conversationID,
		Timestamp: r.now(),
		Payload:   UnreadChange{ConversationID: r.conversationID, Unread: n},
	})
}

// Close stops pending timers. Queued deliveries are dropped and picked up
// again the next time the messages are seen.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	if r.batchTimer != nil {
		r.batchTimer.Stop()
		r.batchTimer = nil
	}
	if r.readTimer != nil {
		r.readTimer.Stop()
		r.readTimer = nil
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
