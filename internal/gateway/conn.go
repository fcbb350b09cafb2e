package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// frameConn carries protocol frames. The websocket endpoint and the gRPC
// Session stream both speak the same frames through it.
type frameConn interface {
	readFrame(ctx context.Context) (Frame, error)
	writeFrame(ctx context.Context, f Frame) error
	close() error
}

// malformedError is a frame that arrived but did not decode. The connection
// is still usable.
type malformedError struct{ err error }

func (e *malformedError) Error() string { return fmt.Sprintf("malformed frame: %v", e.err) }
func (e *malformedError) Unwrap() error { return e.err }

type wsConn struct {
	conn *websocket.Conn
	// graceful runs the close handshake; the server side drops the
	// connection instead.
	graceful bool
}

func (c *wsConn) readFrame(ctx context.Context) (Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &malformedError{err: err}
	}
	return f, nil
}

func (c *wsConn) writeFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) close() error {
	if c.graceful {
		return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return c.conn.CloseNow()
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream a
// session needs.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamConn adapts a gRPC stream. SendMsg must not be called concurrently.
type streamConn struct {
	stream  msgStream
	closeFn func() error

	sendMu sync.Mutex
}

type recvResult struct {
	f   Frame
	err error
}

func (c *streamConn) readFrame(ctx context.Context) (Frame, error) {
	ch := make(chan recvResult, 1)
	go func() {
		var f Frame
		err := c.stream.RecvMsg(&f)
		ch <- recvResult{f: f, err: err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		// The pending RecvMsg returns once the stream ends.
		return Frame{}, ctx.Err()
	}
}

func (c *streamConn) writeFrame(_ context.Context, f Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(&f)
}

func (c *streamConn) close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}
