package memory

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Peer is one client's link to a shared Broker. Disconnecting a peer closes
// only its own subscriptions; the broker and other peers stay up.
type Peer struct {
	broker *Broker

	mu   sync.Mutex
	down bool
	subs map[*subscription]struct{}
}

// Peer opens a new client link on the broker.
func (b *Broker) Peer() *Peer {
	return &Peer{broker: b, subs: make(map[*subscription]struct{})}
}

var _ transport.Link = (*Peer)(nil)

func (p *Peer) linkDown(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return &errs.TransientNetworkError{Op: op, Err: ErrLinkDown}
	}
	return nil
}

// Subscribe implements transport.Transport.
func (p *Peer) Subscribe(ctx context.Context, subject string) (transport.Subscription, error) {
	if err := p.linkDown("subscribe " + subject); err != nil {
		return nil, err
	}
	sub, err := p.broker.Subscribe(ctx, subject)
	if err != nil {
		return nil, err
	}
	s := sub.(*subscription)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		// Lost a race with Disconnect.
		p.broker.remove(s)
		return nil, &errs.TransientNetworkError{Op: "subscribe " + subject, Err: ErrLinkDown}
	}
	p.subs[s] = struct{}{}
	return s, nil
}

// Publish implements transport.Transport.
func (p *Peer) Publish(ctx context.Context, subject string, env transport.Envelope) error {
	if err := p.linkDown("publish " + subject); err != nil {
		return err
	}
	return p.broker.Publish(ctx, subject, env)
}

// Ping implements transport.Transport.
func (p *Peer) Ping(ctx context.Context) error {
	if err := p.linkDown("ping"); err != nil {
		return err
	}
	return p.broker.Ping(ctx)
}

// Request implements transport.RPC.
func (p *Peer) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if err := p.linkDown("request " + subject); err != nil {
		return nil, err
	}
	return p.broker.Request(ctx, subject, data)
}

// Handle implements transport.RPC.
func (p *Peer) Handle(subject, queue string, h transport.Handler) (func() error, error) {
	return p.broker.Handle(subject, queue, h)
}

// Disconnect drops this peer's link and closes its subscriptions.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	p.down = true
	subs := p.subs
	p.subs = make(map[*subscription]struct{})
	p.mu.Unlock()
	for s := range subs {
		p.broker.remove(s)
	}
}

// Restore brings this peer's link back up.
func (p *Peer) Restore() {
	p.mu.Lock()
	p.down = false
	p.mu.Unlock()
}
