// Package memory is an in-process Transport with fault injection, used by the
// engine tests and by single-process deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrLinkDown is wrapped by every error returned while the broker is disconnected.
var ErrLinkDown = errors.New("link down")

// ErrNoResponders is wrapped by Request when nothing serves the subject.
var ErrNoResponders = errors.New("no responders")

const defaultBuffer = 1024

// Broker fans envelopes out to subscribers of the same subject.
// Delivery to a full subscriber buffer drops the envelope.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]map[*subscription]struct{}
	handlers  map[string][]*responder
	nextReq   int
	down      bool
	failPings bool
	failSubs  int
	duplicate bool
	buffer    int
	logger    *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(b *Broker) { b.buffer = n }
}

// WithLogger sets the broker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New creates a connected broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:     make(map[string]map[*subscription]struct{}),
		handlers: make(map[string][]*responder),
		buffer:   defaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ transport.Link = (*Broker)(nil)

// Subscribe implements transport.Transport.
func (b *Broker) Subscribe(ctx context.Context, subject string) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, &errs.TransientNetworkError{Op: "subscribe " + subject, Err: ErrLinkDown}
	}
	if b.failSubs > 0 {
		b.failSubs--
		return nil, &errs.TransientNetworkError{Op: "subscribe " + subject, Err: errors.New("subscription rejected")}
	}
	sub := &subscription{
		broker:  b,
		subject: subject,
		ch:      make(chan transport.Envelope, b.buffer),
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*subscription]struct{})
	}
	b.subs[subject][sub] = struct{}{}
	return sub, nil
}

// Publish implements transport.Transport.
func (b *Broker) Publish(ctx context.Context, subject string, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return &errs.TransientNetworkError{Op: "publish " + subject, Err: ErrLinkDown}
	}
	b.published.Add(1)
	copies := 1
	if b.duplicate {
		copies = 2
	}
	for sub := range b.subs[subject] {
		for range copies {
			select {
			case sub.ch <- env:
			default:
				b.dropped.Add(1)
				b.logger.Warn("dropping envelope for slow subscriber",
					zap.String("subject", subject), zap.String("type", string(env.Type)))
			}
		}
	}
	return nil
}

// Ping implements transport.Transport.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down || b.failPings {
		return &errs.TransientNetworkError{Op: "ping", Err: ErrLinkDown}
	}
	return nil
}

// Request implements transport.RPC. Responders take turns per subject.
func (b *Broker) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return nil, &errs.TransientNetworkError{Op: "request " + subject, Err: ErrLinkDown}
	}
	rs := b.handlers[subject]
	if len(rs) == 0 {
		b.mu.Unlock()
		return nil, &errs.TransientNetworkError{Op: "request " + subject, Err: ErrNoResponders}
	}
	r := rs[b.nextReq%len(rs)]
	b.nextReq++
	b.mu.Unlock()

	body := append([]byte(nil), data...)
	done := make(chan []byte, 1)
	go func() { done <- r.h(context.Background(), body) }()
	select {
	case reply := <-done:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle implements transport.RPC. Responders outlive Disconnect, like
// subscriptions a NATS client re-registers after reconnecting.
func (b *Broker) Handle(subject, _ string, h transport.Handler) (func() error, error) {
	r := &responder{h: h}
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], r)
	b.mu.Unlock()
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		rs := b.handlers[subject]
		for i, other := range rs {
			if other == r {
				b.handlers[subject] = append(rs[:i:i], rs[i+1:]...)
				break
			}
		}
		if len(b.handlers[subject]) == 0 {
			delete(b.handlers, subject)
		}
		return nil
	}, nil
}

// Disconnect drops the link: every subscription is closed and all calls fail
// until Restore.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	for subject, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, subject)
	}
}

// Restore brings the link back up. Closed subscriptions stay closed.
func (b *Broker) Restore() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// FailPings makes Ping fail without closing subscriptions.
func (b *Broker) FailPings(fail bool) {
	b.mu.Lock()
	b.failPings = fail
	b.mu.Unlock()
}

// FailSubscribes rejects the next n Subscribe calls.
func (b *Broker) FailSubscribes(n int) {
	b.mu.Lock()
	b.failSubs = n
	b.mu.Unlock()
}

// DuplicateDelivery delivers every envelope twice while enabled.
func (b *Broker) DuplicateDelivery(on bool) {
	b.mu.Lock()
	b.duplicate = on
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions for subject.
func (b *Broker) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

// Published returns how many envelopes were accepted by Publish.
func (b *Broker) Published() int64 { return b.published.Load() }

// Dropped returns how many deliveries were dropped on full buffers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

func (b *Broker) remove(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.subject]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.subject)
	}
	close(sub.ch)
	return true
}

type subscription struct {
	broker  *Broker
	subject string
	ch      chan transport.Envelope
}

func (s *subscription) Subject() string                   { return s.subject }
func (s *subscription) Events() <-chan transport.Envelope { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.broker.remove(s)
	return nil
}

type responder struct {
	h transport.Handler
}
