package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
)

const (
	commandTimeout = 30 * time.Second
	writeTimeout   = 5 * time.Second
	eventBuffer    = 256
)

// session is one client, over the websocket or a gRPC Session stream. It
// holds a reference on every conversation it opened and releases them when
// the client goes away.
type session struct {
	id      string
	engine  *conversation.Engine
	profile string
	conn    frameConn
	logger  *zap.Logger

	mu   sync.Mutex
	open map[string]*conversation.Conversation
}

func newSession(engine *conversation.Engine, profile string, conn frameConn, logger *zap.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		engine:  engine,
		profile: profile,
		conn:    conn,
		logger:  logger.With(zap.String("session_id", id)),
		open:    make(map[string]*conversation.Conversation),
	}
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.conn.close() }()
	defer s.closeAll()

	events, unsub := s.engine.Bus().Subscribe("", eventBuffer)
	defer unsub()

	hello := Hello{Profile: s.profile, SelfID: s.engine.SelfID()}
	if err := s.send(ctx, FrameHello, "", hello, nil); err != nil {
		return err
	}
	go s.forward(ctx, cancel, events)

	for {
		f, err := s.conn.readFrame(ctx)
		var malformed *malformedError
		if errors.As(err, &malformed) {
			_ = s.send(ctx, FrameError, "", nil, malformed)
			continue
		}
		if err != nil {
			return err
		}
		cmdCtx, cmdCancel := context.WithTimeout(ctx, commandTimeout)
		result, err := s.dispatch(cmdCtx, f)
		cmdCancel()
		if err != nil {
			s.logger.Debug("command failed", zap.String("type", f.Type), zap.Error(err))
			err = s.send(ctx, FrameError, f.RequestID, nil, err)
		} else {
			err = s.send(ctx, FrameResult, f.RequestID, result, nil)
		}
		if err != nil {
			return err
		}
	}
}

// forward pushes engine events for the conversations this client opened.
func (s *session) forward(ctx context.Context, cancel context.CancelFunc, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !s.isOpen(evt.Topic) {
				continue
			}
			data, ok := eventData(evt)
			if !ok {
				continue
			}
			err := s.send(ctx, FrameEvent, "", Event{
				EventID:          uuid.NewString(),
				Kind:             evt.Kind,
				ConversationID:   evt.Topic,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				PayloadVersion:   1,
				Data:             data,
			}, nil)
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *session) send(ctx context.Context, typ, requestID string, payload any, cmdErr error) error {
	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	if cmdErr != nil {
		f.Error = cmdErr.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.writeFrame(ctx, f)
}

func (s *session) dispatch(ctx context.Context, f Frame) (any, error) {
	switch f.Type {
	case CmdOpen:
		var req ConversationRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		return s.openConversation(ctx, req.ConversationID)
	case CmdClose:
		var req ConversationRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.closeConversation(req.ConversationID)
	case CmdCreate:
		var req CreateRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		if err := s.engine.CreateConversation(ctx, req.ConversationID, req.Title, req.IsPublic); err != nil {
			return nil, err
		}
		c, err := s.engine.Conversation(req.ConversationID)
		if err != nil || c == nil {
			return nil, err
		}
		return toSummary(*c), nil
	case CmdJoin, CmdLeave:
		var req ConversationRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		if f.Type == CmdJoin {
			return struct{}{}, c.Join(ctx)
		}
		return struct{}{}, c.Leave(ctx)
	case CmdSend:
		var req SendRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		tempID, err := c.SendMessage(req.Content, req.MediaRef, req.ReplyToID)
		if err != nil {
			return nil, err
		}
		return SendResult{TempID: tempID}, nil
	case CmdRetry:
		var req RetryRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.RetryMessage(req.TempID)
	case CmdDelete:
		var req DeleteRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.DeleteMessage(ctx, req.ID)
	case CmdEdit:
		var req EditRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.EditMessage(ctx, req.ID, req.Content)
	case CmdTyping, CmdViewing:
		var req FlagRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		if f.Type == CmdTyping {
			c.SetTyping(req.Active)
		} else {
			c.SetViewing(req.Active)
		}
		return struct{}{}, nil
	case CmdOlder:
		var req ConversationRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		w, err := c.LoadOlder(ctx)
		if err != nil {
			return nil, err
		}
		return HistoryResult{Messages: toWireMessages(c.Messages()), HasMoreOlder: w.HasMoreOlder}, nil
	case CmdRead:
		var req ConversationRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		c, err := s.conversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		c.MarkRead()
		return struct{}{}, nil
	case CmdConversations:
		var req ListRequest
		if err := decode(f, &req); err != nil {
			return nil, err
		}
		convs, err := s.engine.Conversations(req.Limit, req.Offset)
		if err != nil {
			return nil, err
		}
		res := ListResult{Conversations: make([]ConversationSummary, 0, len(convs))}
		for _, c := range convs {
			res.Conversations = append(res.Conversations, toSummary(c))
		}
		return res, nil
	}
	return nil, fmt.Errorf("unknown command %q", f.Type)
}

func decode(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

func (s *session) openConversation(ctx context.Context, id string) (OpenResult, error) {
	if id == "" {
		return OpenResult{}, fmt.Errorf("conversationId is required")
	}
	s.mu.Lock()
	c, ok := s.open[id]
	s.mu.Unlock()
	if !ok {
		opened, err := s.engine.Open(ctx, id)
		if err != nil {
			return OpenResult{}, err
		}
		s.mu.Lock()
		if existing, dup := s.open[id]; dup {
			s.mu.Unlock()
			opened.Close()
			c = existing
		} else {
			s.open[id] = opened
			s.mu.Unlock()
			c = opened
		}
		s.logger.Info("conversation opened", zap.String("conversation_id", id))
	}
	return OpenResult{
		ConversationID: id,
		Messages:       toWireMessages(c.Messages()),
		HasMoreOlder:   c.HasMoreOlder(),
		Status:         string(c.ConnectionStatus()),
		Unread:         c.UnreadCount(),
	}, nil
}

func (s *session) closeConversation(id string) error {
	s.mu.Lock()
	c, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("conversation %q is not open", id)
	}
	c.Close()
	return nil
}

func (s *session) conversation(id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q is not open", id)
	}
	return c, nil
}

func (s *session) isOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[id]
	return ok
}

func (s *session) closeAll() {
	s.mu.Lock()
	convs := s.open
	s.open = make(map[string]*conversation.Conversation)
	s.mu.Unlock()
	for _, c := range convs {
		c.Close()
	}
}
