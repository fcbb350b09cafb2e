package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("channel registry closed")

// Registry is the process-wide, ref-counted set of conversation channels.
// The first subscriber of a conversation opens its transport subscriptions
// and the last Unsubscribe tears them down.
type Registry struct {
	tr     transport.Transport
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(tr transport.Transport, cfg Config, b *bus.Bus, logger *zap.Logger) *Registry {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tr:       tr,
		cfg:      cfg,
		bus:      b,
		logger:   logger.Named("channel"),
		channels: make(map[string]*Channel),
	}
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	reg  *Registry
	ch   *Channel
	id   int
	once sync.Once
}

// Channel returns the shared channel.
func (s *Subscription) Channel() *Channel { return s.ch }

// Unsubscribe releases the token. The last one tears the channel down.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.reg.release(s.ch, s.id) })
}

// Subscribe registers obs for conversationID. For the first subscriber it
// opens the subscriptions and waits for the first attempt, bounded by ctx.
// A failed attempt is not an error: the channel reports Disconnected and
// keeps reconnecting in the background.
func (r *Registry) Subscribe(ctx context.Context, conversationID string, obs Observer) (*Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	ch, ok := r.channels[conversationID]
	created := !ok
	if created {
		ch = newChannel(conversationID, r.tr, r.cfg, r.bus, r.logger)
		r.channels[conversationID] = ch
	}
	id := ch.addObserver(obs)
	r.mu.Unlock()

	if created {
		r.logger.Debug("opening channel", zap.String("conversation_id", conversationID))
		ch.start(ctx)
	} else {
		select {
		case <-ch.ready:
		case <-ctx.Done():
		}
	}
	return &Subscription{reg: r, ch: ch, id: id}, nil
}

func (r *Registry) release(ch *Channel, id int) {
	r.mu.Lock()
	remaining := ch.removeObserver(id)
	last := remaining == 0 && r.channels[ch.conversationID] == ch
	if last {
		delete(r.channels, ch.conversationID)
	}
	r.mu.Unlock()

	if last {
		r.logger.Debug("closing channel", zap.String("conversation_id", ch.conversationID))
		ch.stop()
	}
}

// Lookup returns the live channel of a conversation.
func (r *Registry) Lookup(conversationID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[conversationID]
	return ch, ok
}

// Len returns the number of open channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Close tears every channel down and rejects further subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range chans {
		ch.stop()
	}
}
