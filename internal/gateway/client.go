package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("gateway client closed")

// Client is a gateway connection, over the websocket or a gRPC Session
// stream.
type Client struct {
	conn   frameConn
	hello  Hello
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan Frame
	err     error
}

// Dial connects to the gateway on socketPath and waits for its hello.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	conn, _, err := websocket.Dial(ctx, "ws://chatsyncd"+Path, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)
	return newClient(ctx, &wsConn{conn: conn, graceful: true})
}

// newClient waits for the daemon's hello on conn and starts reading.
func newClient(ctx context.Context, conn frameConn) (*Client, error) {
	f, err := conn.readFrame(ctx)
	if err != nil {
		_ = conn.close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if f.Type != FrameHello {
		_ = conn.close()
		return nil, fmt.Errorf("expected %q, got %q", FrameHello, f.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		events:  make(chan Event, eventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan Frame),
	}
	if err := json.Unmarshal(f.Payload, &c.hello); err != nil {
		cancel()
		_ = conn.close()
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Hello returns the daemon's greeting.
func (c *Client) Hello() Hello { return c.hello }

// Events delivers pushed events. It is closed when the connection ends.
// Events are dropped while the channel is full.
func (c *Client) Events() <-chan Event { return c.events }

// Call sends a command and decodes its result into out, which may be nil.
func (c *Client) Call(ctx context.Context, cmd string, req, out any) error {
	f := Frame{Type: cmd, RequestID: uuid.NewString()}
	if req != nil {
		raw, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s: %w", cmd, err)
		}
		f.Payload = raw
	}
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[f.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
	}()

	if err := c.conn.writeFrame(ctx, f); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == FrameError {
			return fmt.Errorf("%s: %s", cmd, resp.Error)
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("decode %s result: %w", cmd, err)
			}
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		f, err := c.conn.readFrame(ctx)
		var malformed *malformedError
		if errors.As(err, &malformed) {
			continue
		}
		if err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case FrameEvent:
			var evt Event
			if err := json.Unmarshal(f.Payload, &evt); err != nil {
				continue
			}
			select {
			case c.events <- evt:
			default:
			}
		case FrameResult, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if closedByClient(err) {
			c.err = ErrClientClosed
		} else {
			c.err = fmt.Errorf("gateway connection lost: %w", err)
		}
	}
	c.mu.Unlock()
	close(c.done)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClientClosed
	}
	c.mu.Unlock()
	err := c.conn.close()
	c.cancel()
	<-c.done
	return err
}

// closedByClient reports whether err ends a connection this side closed.
func closedByClient(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		status.Code(err) == codes.Canceled
}

// Open opens a conversation and returns its loaded window.
func (c *Client) Open(ctx context.Context, conversationID string) (OpenResult, error) {
	var res OpenResult
	err := c.Call(ctx, CmdOpen, ConversationRequest{ConversationID: conversationID}, &res)
	return res, err
}

// CloseConversation releases a conversation opened by this client.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	return c.Call(ctx, CmdClose, ConversationRequest{ConversationID: conversationID}, nil)
}

// Send sends a message and returns its temp id.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	var res SendResult
	err := c.Call(ctx, CmdSend, req, &res)
	return res.TempID, err
}

// Older loads the previous page of an open conversation.
func (c *Client) Older(ctx context.Context, conversationID string) (HistoryResult, error) {
	var res HistoryResult
	err := c.Call(ctx, CmdOlder, ConversationRequest{ConversationID: conversationID}, &res)
	return res, err
}

// SetTyping reports local typing in an open conversation.
func (c *Client) SetTyping(ctx context.Context, conversationID string, active bool) error {
	return c.Call(ctx, CmdTyping, FlagRequest{ConversationID: conversationID, Active: active}, nil)
}

// MarkRead marks an open conversation read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.Call(ctx, CmdRead, ConversationRequest{ConversationID: conversationID}, nil)
}

// Conversations lists the conversations visible to the daemon's user.
func (c *Client) Conversations(ctx context.Context, limit, offset int) ([]ConversationSummary, error) {
	var res ListResult
	err := c.Call(ctx, CmdConversations, ListRequest{Limit: limit, Offset: offset}, &res)
	return res.Conversations, err
}
