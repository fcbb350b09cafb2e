// Package outbound sends a conversation's messages: an optimistic pending
// entry goes into the timeline right away, the write runs in the background
// with an ack timeout and bounded retries, and late acks are still honored.
package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
)

var (
	ErrEmptyMessage = errors.New("message has neither content nor media")
	ErrUnknownSend  = errors.New("unknown temp id")
	ErrNotFailed    = errors.New("send has not failed")
	ErrClosed       = errors.New("outbound queue closed")
)

// Writer persists a message. ClientToken makes repeated writes idempotent.
type Writer interface {
	InsertMessage(ctx context.Context, req store.InsertRequest) (store.InsertResult, error)
}

// Health receives write failures. Implemented by channel.Channel.
type Health interface {
	ReportSendFailure()
}

// Journal records sends so that a restarted process can surface the ones
// left unfinished. Implemented by store.DB.
type Journal interface {
	QueueOutbox(e *store.OutboxEntry) error
	MarkOutboxSending(clientToken string, attempt int) error
	MarkOutboxSent(clientToken, serverID string) error
	MarkOutboxFailed(clientToken, errMsg string) error
	PendingOutbox(conversationID string) ([]store.OutboxEntry, error)
}

// Config tunes send timeouts and retries.
type Config struct {
	SendTimeout time.Duration
	// MaxRetries is the number of automatic re-attempts after the first
	// write. Zero disables them.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout: 30 * time.Second,
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
}

// PendingSend describes a send that has not been acknowledged yet.
type PendingSend struct {
	TempID      string
	RetryCount  int
	NextRetryAt time.Time
	Failed      bool
	Request     store.InsertRequest
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	ConversationID string
	TempID         string
	ID             string
	CreatedAt      time.Time
	// Late is set when the ack arrived after its attempt timed out.
	Late bool
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	ConversationID string
	TempID         string
	Err            error
}

type entry struct {
	PendingSend
	createdAt time.Time
	done      chan struct{}
	acked     bool
	running   bool
}

// Queue is the outbound send queue of one conversation.
type Queue struct {
	conversationID string
	selfID         string
	store          *timeline.Store
	writer         Writer
	cfg            Config
	health         Health
	journal        Journal
	bus            *bus.Bus
	logger         *zap.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithHealth reports write failures to h.
func WithHealth(h Health) Option {
	return func(q *Queue) { q.health = h }
}

// WithJournal records every send in j.
func WithJournal(j Journal) Option {
	return func(q *Queue) { q.journal = j }
}

// WithBus publishes ack and failure events on b.
func WithBus(b *bus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue sending as selfID into s's conversation through w.
func New(selfID string, s *timeline.Store, w Writer, cfg Config, opts ...Option) *Queue {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		conversationID: s.ConversationID(),
		selfID:         selfID,
		store:          s,
		writer:         w,
		cfg:            cfg,
		logger:         zap.NewNop(),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("conversation_id", q.conversationID))
	return q
}

// Send inserts a pending message into the timeline and starts writing it.
// It never blocks on the network. The returned temp id identifies the send
// until the server id is known.
func (q *Queue) Send(content, mediaRef, replyToID string) (string, error) {
	if content == "" && mediaRef == "" {
		return "", ErrEmptyMessage
	}
	tempID := uuid.NewString()
	now := q.now()
	e := &entry{
		PendingSend: PendingSend{
			TempID: tempID,
			Request: store.InsertRequest{
				ConversationID: q.conversationID,
				SenderID:       q.selfID,
				Content:        content,
				MediaRef:       mediaRef,
				ReplyToID:      replyToID,
				ClientToken:    tempID,
			},
		},
		createdAt: now,
		done:      make(chan struct{}),
		running:   true,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.entries[tempID] = e
	q.wg.Add(1)
	q.mu.Unlock()

	q.store.Append(timeline.Message{
		TempID:         tempID,
		ConversationID: q.conversationID,
		SenderID:       q.selfID,
		Content:        content,
		MediaRef:       mediaRef,
		ReplyToID:      replyToID,
		CreatedAt:      now,
		Status:         timeline.StatusPending,
	})
	q.journalQueue(e)

	go q.deliver(e)
	return tempID, nil
}

// Retry moves a failed send back to pending and starts over with a fresh
// attempt counter.
func (q *Queue) Retry(tempID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	e, ok := q.entries[tempID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownSend
	}
	if !e.Failed || e.running {
		q.mu.Unlock()
		return ErrNotFailed
	}
	e.Failed = false
	e.running = true
	e.RetryCount = 0
	e.NextRetryAt = time.Time{}
	q.wg.Add(1)
	q.mu.Unlock()

	q.store.ApplyPatch(tempID, timeline.StatusPatch(timeline.StatusPending))
	q.journalQueue(e)
	q.logger.Info("retrying send", zap.String("temp_id", tempID))

	go q.deliver(e)
	return nil
}

// Acknowledge stops the retries of a send confirmed through another path,
// typically the realtime feed echoing the write. Reports whether m matched
// a pending send.
func (q *Queue) Acknowledge(m timeline.Message) bool {
	if m.TempID == "" || m.ID == "" {
		return false
	}
	q.mu.Lock()
	e, ok := q.entries[m.TempID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.ack(e, store.InsertResult{ID: m.ID, CreatedAt: m.CreatedAt}, false)
	return true
}

// Pending returns the sends that are not acknowledged yet.
func (q *Queue) Pending() []PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingSend, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.PendingSend)
	}
	return out
}

// Restore surfaces journaled sends left unfinished by a previous process as
// failed entries, ready for a manual Retry.
func (q *Queue) Restore() (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	rows, err := q.journal.PendingOutbox(q.conversationID)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, row := range rows {
		if m, ok := q.store.Get(row.ClientToken); ok && m.ID != "" {
			// The write landed and the confirmation is already loaded.
			_ = q.journal.MarkOutboxSent(row.ClientToken, m.ID)
			continue
		}
		q.mu.Lock()
		if _, ok := q.entries[row.ClientToken]; ok {
			q.mu.Unlock()
			continue
		}
		q.entries[row.ClientToken] = &entry{
			PendingSend: PendingSend{
				TempID:     row.ClientToken,
				RetryCount: row.Attempts,
				Failed:     true,
				Request: store.InsertRequest{
					ConversationID: row.ConversationID,
					SenderID:       row.SenderID,
					Content:        row.Content,
					MediaRef:       row.MediaRef,
					ReplyToID:      row.ReplyToID,
					ClientToken:    row.ClientToken,
				},
			},
			createdAt: row.CreatedAt,
			done:      make(chan struct{}),
		}
		q.mu.Unlock()

		q.store.Append(timeline.Message{
			TempID:         row.ClientToken,
			ConversationID: q.conversationID,
			SenderID:       row.SenderID,
			Content:        row.Content,
			MediaRef:       row.MediaRef,
			ReplyToID:      row.ReplyToID,
			CreatedAt:      row.CreatedAt,
			Status:         timeline.StatusFailed,
		})
		if row.Status != "failed" {
			_ = q.journal.MarkOutboxFailed(row.ClientToken, "interrupted")
		}
		restored++
	}
	if restored > 0 {
		q.logger.Info("restored unfinished sends", zap.Int("count", restored))
	}
	return restored, nil
}

// Close stops every send loop. Unacknowledged sends keep their status.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

type writeResult struct {
	res store.InsertResult
	err error
}

// deliver runs the attempts of one send until it is acknowledged, fails for
// good, or the queue closes.
func (q *Queue) deliver(e *entry) {
	defer q.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.RetryDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = q.cfg.RetryDelay << min(q.cfg.MaxRetries, 16)
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if q.settled(e) {
			return
		}
		if attempt > 0 {
			q.store.ApplyPatch(e.TempID, timeline.StatusPatch(timeline.StatusPending))
		}
		if q.journal != nil {
			if err := q.journal.MarkOutboxSending(e.TempID, attempt+1); err != nil {
				q.logger.Warn("journal write failed", zap.Error(err))
			}
		}

		acked, err := q.attempt(e, attempt+1)
		if acked {
			return
		}
		if q.ctx.Err() != nil {
			return
		}
		lastErr = err
		if q.health != nil {
			q.health.ReportSendFailure()
		}

		if attempt >= q.cfg.MaxRetries {
			q.fail(e, &errs.PermanentSendFailure{TempID: e.TempID, Attempts: attempt + 1, Err: lastErr})
			return
		}

		delay := bo.NextBackOff()
		q.mu.Lock()
		e.RetryCount = attempt + 1
		e.NextRetryAt = q.now().Add(delay)
		q.mu.Unlock()
		q.logger.Debug("send retry scheduled",
			zap.String("temp_id", e.TempID), zap.Int("retry", attempt+1), zap.Duration("delay", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-e.done:
			t.Stop()
			return
		case <-q.ctx.Done():
			t.Stop()
			return
		}
	}
}

// attempt performs one write bounded by SendTimeout. A write still running
// at the timeout keeps going: if it succeeds later the send is promoted.
func (q *Queue) attempt(e *entry, n int) (bool, error) {
	results := make(chan writeResult, 1)
	go func() {
		res, err := q.writer.InsertMessage(q.ctx, e.Request)
		results <- writeResult{res: res, err: err}
	}()

	t := time.NewTimer(q.cfg.SendTimeout)
	defer t.Stop()
	select {
	case r := <-results:
		if r.err != nil {
			q.logger.Warn("send attempt failed", zap.String("temp_id", e.TempID), zap.Int("attempt", n), zap.Error(r.err))
			return false, r.err
		}
		q.ack(e, r.res, false)
		return true, nil
	case <-e.done:
		return true, nil
	case <-t.C:
		q.store.ApplyPatch(e.TempID, timeline.StatusPatch(timeline.StatusTimeout))
		q.wg.Add(1)
		go q.awaitLate(e, results)
		return false, &errs.AckTimeoutError{TempID: e.TempID, Attempt: n, After: q.cfg.SendTimeout}
	case <-q.ctx.Done():
		return false, q.ctx.Err()
	}
}

func (q *Queue) awaitLate(e *entry, results <-chan writeResult) {
	defer q.wg.Done()
	select {
	case r := <-results:
		if r.err == nil {
			q.ack(e, r.res, true)
		}
	case <-q.ctx.Done():
	}
}

func (q *Queue) settled(e *entry) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// ack confirms a send once. The timeline takes the server copy through its
// temp id correlation, which also promotes timeout and failed entries.
func (q *Queue) ack(e *entry, res store.InsertResult, late bool) {
	q.mu.Lock()
	if e.acked {
		q.mu.Unlock()
		return
	}
	e.acked = true
	e.running = false
	e.Failed = false
	close(e.done)
	delete(q.entries, e.TempID)
	q.mu.Unlock()

	q.store.Append(timeline.Message{
		ID:             res.ID,
		TempID:         e.TempID,
		ConversationID: q.conversationID,
		SenderID:       e.Request.SenderID,
		Content:        e.Request.Content,
		MediaRef:       e.Request.MediaRef,
		ReplyToID:      e.Request.ReplyToID,
		CreatedAt:      res.CreatedAt,
		Status:         timeline.StatusSent,
	})
	if q.journal != nil {
		if err := q.journal.MarkOutboxSent(e.TempID, res.ID); err != nil {
			q.logger.Warn("journal write failed", zap.Error(err))
		}
	}

	q.logger.Info("message sent",
		zap.String("temp_id", e.TempID), zap.String("msg_id", res.ID), zap.Bool("late", late))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Topic:     q.conversationID,
		Timestamp: q.now(),
		Payload: Ack{
			ConversationID: q.conversationID,
			TempID:         e.TempID,
			ID:             res.ID,
			CreatedAt:      res.CreatedAt,
			Late:           late,
		},
	})
}

// fail marks a send failed and publishes the failure exactly once per run.
func (q *Queue) fail(e *entry, err error) {
	q.mu.Lock()
	if e.acked || e.Failed {
		q.mu.Unlock()
		return
	}
	e.Failed = true
	e.running = false
	q.mu.Unlock()

	q.store.ApplyPatch(e.TempID, timeline.StatusPatch(timeline.StatusFailed))
	if q.journal != nil {
		if jerr := q.journal.MarkOutboxFailed(e.TempID, err.Error()); jerr != nil {
			q.logger.Warn("journal write failed", zap.Error(jerr))
		}
	}

	q.logger.Warn("send failed", zap.String("temp_id", e.TempID), zap.Error(err))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Topic:     q.conversationID,
		Timestamp: q.now(),
		Payload:   Failure{ConversationID: q.conversationID, TempID: e.TempID, Err: err},
	})
}

func (q *Queue) journalQueue(e *entry) {
	if q.journal == nil {
		return
	}
	err := q.journal.QueueOutbox(&store.OutboxEntry{
		ClientToken:    e.TempID,
		ConversationID: e.Request.ConversationID,
		SenderID:       e.Request.SenderID,
		Content:        e.Request.Content,
		MediaRef:       e.Request.MediaRef,
		ReplyToID:      e.Request.ReplyToID,
		CreatedAt:      e.createdAt,
	})
	if err != nil {
		q.logger.Warn("journal write failed", zap.String("temp_id", e.TempID), zap.Error(err))
	}
}
