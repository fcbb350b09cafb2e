package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/conversation"
)

// Path is the websocket endpoint.
const Path = "/ws"

// Server serves the gateway on a Unix domain socket.
type Server struct {
	engine     *conversation.Engine
	profile    string
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer binds the gateway to socketPath.
func NewServer(engine *conversation.Engine, profile, socketPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:     engine,
		profile:    profile,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger.Named("gateway"),
		ctx:        ctx,
		cancel:     cancel,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gateway starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every connection, releasing the conversations they opened,
// and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gateway stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", zap.Error(err))
	}
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	sess := newSession(s.engine, s.profile, &wsConn{conn: conn}, s.logger)
	err = sess.run(s.ctx)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Debug("client disconnected", zap.String("session_id", sess.id))
	default:
		if s.ctx.Err() == nil {
			s.logger.Info("client connection ended", zap.String("session_id", sess.id), zap.Error(err))
		}
	}
}
