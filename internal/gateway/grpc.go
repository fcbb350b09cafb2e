package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/conversation"
)

// ServiceName is the gRPC service served on the profile's daemon socket.
const ServiceName = "chatsync.gateway.v1.Gateway"

// CodecName is the content subtype of the gateway's messages. They are the
// same JSON documents the websocket carries.
const CodecName = "json"

// EventSnapshot is the first event of a Watch stream. Its data is the
// OpenResult of the watched conversation.
const EventSnapshot = "conversation.snapshot"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// WatchRequest is the argument of Watch.
type WatchRequest struct {
	ConversationID string `json:"conversationId"`
}

// GatewayService is the gRPC surface of the gateway.
type GatewayService interface {
	// ListConversations lists the conversations visible to the daemon's user.
	ListConversations(ctx context.Context, req *ListRequest) (*ListResult, error)
	// Session speaks the frame protocol of the websocket endpoint.
	Session(stream grpc.ServerStream) error
	// Watch opens a conversation for the lifetime of the stream and pushes
	// its events, starting with a snapshot.
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListConversations", Handler: listConversationsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Session", Handler: sessionHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func listConversationsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayService).ListConversations(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ListConversations")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayService).ListConversations(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(GatewayService).Session(stream)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GatewayService).Watch(in, stream)
}

// RPCServer serves GatewayService on a Unix domain socket.
type RPCServer struct {
	engine     *conversation.Engine
	profile    string
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ GatewayService = (*RPCServer)(nil)

// NewRPCServer binds the gRPC gateway to socketPath.
func NewRPCServer(engine *conversation.Engine, profile, socketPath string, logger *zap.Logger) (*RPCServer, error) {
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
	s := &RPCServer{
		engine:     engine,
		profile:    profile,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger.Named("gateway.grpc"),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&gatewayServiceDesc, s)
	return s, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *RPCServer) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop ends open streams, performs a graceful shutdown and removes the
// socket file.
func (s *RPCServer) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// streamContext ends when either the client or the server goes away.
func (s *RPCServer) streamContext(stream grpc.ServerStream) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(stream.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *RPCServer) ListConversations(_ context.Context, req *ListRequest) (*ListResult, error) {
	convs, err := s.engine.Conversations(req.Limit, req.Offset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list conversations: %v", err)
	}
	res := &ListResult{Conversations: make([]ConversationSummary, 0, len(convs))}
	for _, c := range convs {
		res.Conversations = append(res.Conversations, toSummary(c))
	}
	return res, nil
}

func (s *RPCServer) Session(stream grpc.ServerStream) error {
	ctx, cancel := s.streamContext(stream)
	defer cancel()

	sess := newSession(s.engine, s.profile, &streamConn{stream: stream}, s.logger)
	err := sess.run(ctx)
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		s.logger.Debug("session stream ended", zap.String("session_id", sess.id))
		return nil
	}
	return err
}

func (s *RPCServer) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	if req.ConversationID == "" {
		return status.Error(codes.InvalidArgument, "conversationId is required")
	}
	ctx, cancel := s.streamContext(stream)
	defer cancel()

	events, unsub := s.engine.Bus().SubscribeTopic(req.ConversationID, "", eventBuffer)
	defer unsub()

	c, err := s.engine.Open(ctx, req.ConversationID)
	if err != nil {
		return status.Errorf(codes.Unavailable, "open %s: %v", req.ConversationID, err)
	}
	defer c.Close()
	s.logger.Info("watch started", zap.String("conversation_id", req.ConversationID))

	snapshot := OpenResult{
		ConversationID: req.ConversationID,
		Messages:       toWireMessages(c.Messages()),
		HasMoreOlder:   c.HasMoreOlder(),
		Status:         string(c.ConnectionStatus()),
		Unread:         c.UnreadCount(),
	}
	if err := stream.SendMsg(&Event{
		EventID:        uuid.NewString(),
		Kind:           EventSnapshot,
		ConversationID: req.ConversationID,
		PayloadVersion: 1,
		Data:           snapshot,
	}); err != nil {
		return err
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			data, ok := eventData(evt)
			if !ok {
				continue
			}
			if err := stream.SendMsg(&Event{
				EventID:          uuid.NewString(),
				Kind:             evt.Kind,
				ConversationID:   evt.Topic,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				PayloadVersion:   1,
				Data:             data,
			}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RPCClient talks to the gRPC gateway.
type RPCClient struct {
	conn *grpc.ClientConn
}

// DialRPC returns a client for the gRPC gateway on socketPath. The
// connection is made lazily on the first call.
func DialRPC(socketPath string) (*RPCClient, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &RPCClient{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *RPCClient) Close() error {
	return c.conn.Close()
}

// Conversations lists the conversations visible to the daemon's user.
func (c *RPCClient) Conversations(ctx context.Context, limit, offset int) ([]ConversationSummary, error) {
	var res ListResult
	if err := c.conn.Invoke(ctx, fullMethod("ListConversations"), &ListRequest{Limit: limit, Offset: offset}, &res); err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

// Session opens a frame session over gRPC. The returned Client behaves like
// one from Dial and must be closed.
func (c *RPCClient) Session(ctx context.Context) (*Client, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(streamCtx, &gatewayServiceDesc.Streams[0], fullMethod("Session"))
	if err != nil {
		cancel()
		return nil, err
	}
	conn := &streamConn{stream: stream}
	conn.closeFn = func() error {
		conn.sendMu.Lock()
		err := stream.CloseSend()
		conn.sendMu.Unlock()
		cancel()
		return err
	}
	return newClient(ctx, conn)
}

// WatchStream is an open Watch call.
type WatchStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	once   sync.Once
}

// Watch opens conversationID on the daemon and streams its events. The
// first event is an EventSnapshot.
func (c *RPCClient) Watch(ctx context.Context, conversationID string) (*WatchStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &gatewayServiceDesc.Streams[1], fullMethod("Watch"))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{ConversationID: conversationID}); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &WatchStream{stream: stream, cancel: cancel}, nil
}

// Recv returns the next event. Data is decoded into generic JSON values.
func (w *WatchStream) Recv() (Event, error) {
	var evt Event
	if err := w.stream.RecvMsg(&evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Close ends the watch; the daemon releases the conversation.
func (w *WatchStream) Close() {
	w.once.Do(w.cancel)
}
