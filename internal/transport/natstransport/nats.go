// Package natstransport implements transport.Transport over NATS core subjects.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	Buffer        int
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "chatsync"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Buffer == 0 {
		c.Buffer = 1024
	}
}

// Transport is a NATS-backed transport.Transport.
type Transport struct {
	nc     *nats.Conn
	buffer int
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ transport.Link = (*Transport)(nil)

// Connect dials NATS. The client reconnects on its own; while it is
// disconnected Ping fails, which the channel heartbeat turns into a
// degraded status.
func Connect(cfg Config, logger *zap.Logger) (*Transport, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		buffer: cfg.Buffer,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.closeAll()
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	t.nc = nc
	return t, nil
}

// Subscribe implements transport.Transport. The subscription is acknowledged
// once a flush round trip confirms the server registered it.
func (t *Transport) Subscribe(ctx context.Context, subject string) (transport.Subscription, error) {
	sub := &subscription{
		owner:   t,
		subject: subject,
		ch:      make(chan transport.Envelope, t.buffer),
	}
	ns, err := t.nc.Subscribe(subject, sub.deliver)
	if err != nil {
		return nil, &errs.TransientNetworkError{Op: "subscribe " + subject, Err: err}
	}
	sub.ns = ns
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, &errs.TransientNetworkError{Op: "subscribe " + subject, Err: err}
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, subject string, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := transport.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.nc.Publish(subject, data); err != nil {
		return &errs.TransientNetworkError{Op: "publish " + subject, Err: err}
	}
	return nil
}

// Ping implements transport.Transport.
func (t *Transport) Ping(ctx context.Context) error {
	if !t.nc.IsConnected() {
		return &errs.TransientNetworkError{Op: "ping", Err: nats.ErrConnectionClosed}
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return &errs.TransientNetworkError{Op: "ping", Err: err}
	}
	return nil
}

// Request implements transport.RPC. A missing responder is reported as a
// transient failure: the relay may just be restarting.
func (t *Transport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &errs.TransientNetworkError{Op: "request " + subject, Err: err}
	}
	return msg.Data, nil
}

// Handle implements transport.RPC with a queue subscription. The client
// re-registers it after every reconnect.
func (t *Transport) Handle(subject, queue string, h transport.Handler) (func() error, error) {
	ns, err := t.nc.QueueSubscribe(subject, queue, t.responder(h))
	if err != nil {
		return nil, fmt.Errorf("handle %s: %w", subject, err)
	}
	return func() error {
		err := ns.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil
		}
		return err
	}, nil
}

func (t *Transport) responder(h transport.Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		reply := h(context.Background(), m.Data)
		if err := m.Respond(reply); err != nil {
			t.logger.Warn("failed to send reply", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
}

// Close drains the connection. Subscriptions are closed by the closed handler.
func (t *Transport) Close() error {
	if err := t.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func (t *Transport) closeAll() {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (t *Transport) forget(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

type subscription struct {
	owner   *Transport
	subject string
	ns      *nats.Subscription
	ch      chan transport.Envelope

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Subject() string                   { return s.subject }
func (s *subscription) Events() <-chan transport.Envelope { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.owner.forget(s)
	var err error
	if s.ns != nil {
		err = s.ns.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	}
	s.close()
	return err
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver decodes an inbound message. Malformed events are dropped and logged.
func (s *subscription) deliver(m *nats.Msg) {
	env, err := transport.Decode(m.Data)
	if err != nil {
		s.owner.logger.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
		s.owner.logger.Warn("subscriber buffer full, dropping event",
			zap.String("subject", m.Subject), zap.String("type", string(env.Type)))
	}
}
