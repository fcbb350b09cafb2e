package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// QueueGroup load-balances requests across relay processes.
const QueueGroup = "chatrelayd"

const subjectPrefix = "chatsync.relay."

// Relay methods. Each one is served on Subject(method).
const (
	MethodInsert             = "insert"
	MethodQuery              = "query"
	MethodEdit               = "edit"
	MethodDelete             = "delete"
	MethodUpdateReadStatus   = "receipts"
	MethodMarkRead           = "mark_read"
	MethodJoin               = "join"
	MethodLeave              = "leave"
	MethodSyncPresence       = "presence_sync"
	MethodCreateConversation = "conversation_create"
	MethodConversation       = "conversation_get"
	MethodConversations      = "conversation_list"
)

// Subject returns the request subject of a relay method.
func Subject(method string) string { return subjectPrefix + method }

const codeNotFound = "not_found"

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

type queryRequest struct {
	ConversationID string        `json:"conversation_id"`
	Before         *store.Cursor `json:"before,omitempty"`
	Limit          int           `json:"limit"`
}

type receiptRequest struct {
	IDs   []string           `json:"ids"`
	Field store.ReceiptField `json:"field"`
}

type markReadRequest struct {
	ConversationID string `json:"conversation_id"`
	Reader         string `json:"reader"`
}

type idRequest struct {
	ID string `json:"id"`
}

type editRequest struct {
	ID    string             `json:"id"`
	Patch store.MessagePatch `json:"patch"`
}

type leaveRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type conversationRequest struct {
	Self string `json:"self"`
	ID   string `json:"id"`
}

type listRequest struct {
	Self   string `json:"self"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type empty struct{}

// Server answers relay requests against a Backend. Every process that runs
// one joins QueueGroup, so a request is handled exactly once.
type Server struct {
	backend *Backend
	rpc     transport.RPC
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	stops []func() error
}

// NewServer creates a relay server. timeout bounds each request; zero means
// ten seconds.
func NewServer(b *Backend, rpc transport.RPC, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{backend: b, rpc: rpc, timeout: timeout, logger: logger.Named("relay.server")}
}

// Start registers a handler for every relay method.
func (s *Server) Start() error {
	b := s.backend
	handlers := map[string]transport.Handler{
		MethodInsert: serve(s, MethodInsert, b.InsertMessage),
		MethodQuery: serve(s, MethodQuery, func(ctx context.Context, r queryRequest) ([]store.Message, error) {
			return b.QueryMessages(ctx, r.ConversationID, r.Before, r.Limit)
		}),
		MethodEdit: serve(s, MethodEdit, func(ctx context.Context, r editRequest) (*store.Message, error) {
			return b.EditMessage(ctx, r.ID, r.Patch)
		}),
		MethodDelete: serve(s, MethodDelete, func(ctx context.Context, r idRequest) (empty, error) {
			return empty{}, b.DeleteMessage(ctx, r.ID)
		}),
		MethodUpdateReadStatus: serve(s, MethodUpdateReadStatus, func(ctx context.Context, r receiptRequest) ([]string, error) {
			return b.UpdateReadStatus(ctx, r.IDs, r.Field)
		}),
		MethodMarkRead: serve(s, MethodMarkRead, func(ctx context.Context, r markReadRequest) ([]string, error) {
			return b.MarkConversationRead(ctx, r.ConversationID, r.Reader)
		}),
		MethodJoin: serve(s, MethodJoin, func(ctx context.Context, m store.Member) (empty, error) {
			return empty{}, b.Join(ctx, m)
		}),
		MethodLeave: serve(s, MethodLeave, func(ctx context.Context, r leaveRequest) (empty, error) {
			return empty{}, b.Leave(ctx, r.ConversationID, r.UserID)
		}),
		MethodSyncPresence: serve(s, MethodSyncPresence, func(ctx context.Context, r idRequest) (empty, error) {
			return empty{}, b.SyncPresence(ctx, r.ID)
		}),
		MethodCreateConversation: serve(s, MethodCreateConversation, func(ctx context.Context, c store.Conversation) (empty, error) {
			return empty{}, b.CreateConversation(ctx, c)
		}),
		MethodConversation: serve(s, MethodConversation, func(_ context.Context, r conversationRequest) (*store.Conversation, error) {
			return b.Conversation(r.Self, r.ID)
		}),
		MethodConversations: serve(s, MethodConversations, func(_ context.Context, r listRequest) ([]store.Conversation, error) {
			return b.Conversations(r.Self, r.Limit, r.Offset)
		}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for method, h := range handlers {
		stop, err := s.rpc.Handle(Subject(method), QueueGroup, h)
		if err != nil {
			s.stopLocked()
			return fmt.Errorf("serve %s: %w", method, err)
		}
		s.stops = append(s.stops, stop)
	}
	s.logger.Info("relay serving", zap.Int("methods", len(handlers)))
	return nil
}

// Stop unregisters every handler.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Server) stopLocked() error {
	var errList []error
	for _, stop := range s.stops {
		if err := stop(); err != nil {
			errList = append(errList, err)
		}
	}
	s.stops = nil
	return errors.Join(errList...)
}

func serve[Req, Res any](s *Server, method string, fn func(context.Context, Req) (Res, error)) transport.Handler {
	return func(ctx context.Context, data []byte) []byte {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return encodeReply(nil, fmt.Errorf("decode %s request: %w", method, err))
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := fn(ctx, req)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("relay request failed", zap.String("method", method), zap.Error(err))
			}
			return encodeReply(nil, err)
		}
		out, err := json.Marshal(res)
		if err != nil {
			return encodeReply(nil, fmt.Errorf("encode %s result: %w", method, err))
		}
		return encodeReply(out, nil)
	}
}

func encodeReply(result json.RawMessage, err error) []byte {
	r := reply{Result: result}
	if err != nil {
		r.Error = err.Error()
		if errors.Is(err, store.ErrNotFound) {
			r.Code = codeNotFound
		}
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		data, _ = json.Marshal(reply{Error: mErr.Error()})
	}
	return data
}
