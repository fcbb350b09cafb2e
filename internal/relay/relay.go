// Package relay is the server side of the change feed: every write goes to
// the persistent store first and the matching event is then published on the
// conversation's message subject.
//
// Publishing is best effort. A write that committed but failed to publish is
// still acknowledged; subscribers recover it through gap-fill.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Backend wraps a store and a transport.
type Backend struct {
	db     *store.DB
	tr     transport.Transport
	logger *zap.Logger
	now    func() time.Time
}

// New creates a relay backend.
func New(db *store.DB, tr transport.Transport, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		db:     db,
		tr:     tr,
		logger: logger.Named("relay"),
		now:    time.Now,
	}
}

// InsertMessage stores a message and publishes message_insert. A repeated
// client token is acknowledged with the original row and not republished.
func (b *Backend) InsertMessage(ctx context.Context, req store.InsertRequest) (store.InsertResult, error) {
	res, err := b.db.InsertMessage(ctx, req)
	if err != nil {
		return store.InsertResult{}, err
	}
	if res.Created {
		b.publishMessage(ctx, transport.KindMessageInsert, store.Message{
			ID:             res.ID,
			ClientToken:    req.ClientToken,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Content:        req.Content,
			MediaRef:       req.MediaRef,
			ReplyToID:      req.ReplyToID,
			CreatedAt:      res.CreatedAt,
		})
	}
	return res, nil
}

// QueryMessages reads a page of history, newest first.
func (b *Backend) QueryMessages(ctx context.Context, conversationID string, before *store.Cursor, limit int) ([]store.Message, error) {
	return b.db.QueryMessages(ctx, conversationID, before, limit)
}

// EditMessage applies an edit and publishes message_update when it won.
func (b *Backend) EditMessage(ctx context.Context, id string, p store.MessagePatch) (*store.Message, error) {
	m, applied, err := b.db.UpdateMessage(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if applied {
		b.publishMessage(ctx, transport.KindMessageUpdate, *m)
	}
	return m, nil
}

// UpdateReadStatus sets a receipt on the given messages and publishes
// message_update for each one that changed.
func (b *Backend) UpdateReadStatus(ctx context.Context, ids []string, field store.ReceiptField) ([]string, error) {
	changed, err := b.db.UpdateReadStatus(ctx, ids, field, b.now())
	if err != nil {
		return nil, err
	}
	b.publishChanged(ctx, changed)
	return changed, nil
}

// MarkConversationRead marks everything reader has not read as read.
func (b *Backend) MarkConversationRead(ctx context.Context, conversationID, reader string) ([]string, error) {
	changed, err := b.db.MarkConversationRead(ctx, conversationID, reader, b.now())
	if err != nil {
		return nil, err
	}
	b.publishChanged(ctx, changed)
	return changed, nil
}

// DeleteMessage hard-deletes a message and publishes message_delete.
func (b *Backend) DeleteMessage(ctx context.Context, id string) error {
	m, err := b.db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	ok, err := b.db.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	b.publish(ctx, m.ConversationID, transport.KindMessageDelete, transport.DeletePayload{ID: id})
	return nil
}

// Join adds a member and publishes presence_join.
func (b *Backend) Join(ctx context.Context, m store.Member) error {
	if err := b.db.UpsertMember(&m); err != nil {
		return fmt.Errorf("join %s: %w", m.ConversationID, err)
	}
	b.publish(ctx, m.ConversationID, transport.KindPresenceJoin, transport.PresencePayload{
		Members: []transport.Member{{UserID: m.UserID, DisplayName: m.DisplayName}},
	})
	return nil
}

// Leave removes a member and publishes presence_leave.
func (b *Backend) Leave(ctx context.Context, conversationID, userID string) error {
	if err := b.db.RemoveMember(conversationID, userID); err != nil {
		return fmt.Errorf("leave %s: %w", conversationID, err)
	}
	b.publish(ctx, conversationID, transport.KindPresenceLeave, transport.PresencePayload{
		Members: []transport.Member{{UserID: userID}},
	})
	return nil
}

// SyncPresence publishes the full member list as presence_sync.
func (b *Backend) SyncPresence(ctx context.Context, conversationID string) error {
	members, err := b.db.ListMembers(conversationID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	payload := transport.PresencePayload{Members: make([]transport.Member, 0, len(members))}
	for _, m := range members {
		payload.Members = append(payload.Members, transport.Member{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	b.publish(ctx, conversationID, transport.KindPresenceSync, payload)
	return nil
}

// CreateConversation creates a conversation or updates its title and
// visibility.
func (b *Backend) CreateConversation(_ context.Context, c store.Conversation) error {
	if err := b.db.UpsertConversation(&c); err != nil {
		return fmt.Errorf("create conversation %s: %w", c.ID, err)
	}
	return nil
}

// Conversation returns one conversation as seen by self, or nil when it
// does not exist.
func (b *Backend) Conversation(self, id string) (*store.Conversation, error) {
	return b.db.GetConversation(id, self)
}

// Conversations lists the conversations visible to self.
func (b *Backend) Conversations(self string, limit, offset int) ([]store.Conversation, error) {
	return b.db.ListConversations(self, limit, offset)
}

func (b *Backend) publishChanged(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	msgs, err := b.db.GetMessages(ctx, ids)
	if err != nil {
		b.logger.Warn("failed to load changed messages", zap.Int("count", len(ids)), zap.Error(err))
		return
	}
	for _, m := range msgs {
		b.publishMessage(ctx, transport.KindMessageUpdate, m)
	}
}

func (b *Backend) publishMessage(ctx context.Context, kind transport.Kind, m store.Message) {
	b.publish(ctx, m.ConversationID, kind, transport.PayloadFrom(m.Timeline()))
}

func (b *Backend) publish(ctx context.Context, conversationID string, kind transport.Kind, payload any) {
	env, err := transport.NewEnvelope(kind, conversationID, payload)
	if err != nil {
		b.logger.Error("failed to build envelope", zap.String("type", string(kind)), zap.Error(err))
		return
	}
	if err := b.tr.Publish(ctx, transport.MessageSubject(conversationID), env); err != nil {
		b.logger.Warn("publish failed, subscribers will gap-fill",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(kind)),
			zap.Error(err))
	}
}
