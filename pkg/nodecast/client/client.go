// Package client implements a consumer for the nodecast event stream. It
// connects to a nodecast server over WebSocket, optionally requesting
// per-message-deflate compression, and delivers each received event payload
// to a handler.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a single-connection consumer of a nodecast event stream.
// Use NewClient().WithURL(...).WithEventHandler(...).Build() to create one.
type Client struct {
	url         string
	logger      *zap.Logger
	dialTimeout time.Duration
	compression bool
	handler     EventHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	started  int32
	stopping int32

	done     chan struct{} // closed when the read loop exits
	doneOnce sync.Once
	err      error
}

// Connect establishes the WebSocket connection and starts delivering events
// to the handler. Cancelling ctx aborts an in-flight dial but does not stop
// an established client; use Disconnect for that.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.dialTimeout,
		EnableCompression: c.compression,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Connected to event stream",
		zap.String("url", c.url),
		zap.String("negotiated_extensions", resp.Header.Get("Sec-WebSocket-Extensions")),
	)

	go c.readLoop(conn)

	return nil
}

// Disconnect closes the connection and stops event delivery. Idempotent,
// and a no-op on a client that never connected.
func (c *Client) Disconnect() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnecting"),
			deadline)
		conn.Close()
	}

	<-c.done
	c.logger.Info("Disconnected from event stream", zap.String("url", c.url))
	return nil
}

// Done returns a channel closed when the connection has ended, whether by
// Disconnect, a server close, or a transport error.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any. nil after a clean close.
// Valid once Done is closed.
func (c *Client) Err() error {
	return c.err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) || atomic.LoadInt32(&c.stopping) == 1 {
				c.logger.Debug("Event stream closed", zap.Error(err))
			} else {
				c.logger.Error("Failed to read from event stream", zap.Error(err))
				c.err = err
			}
			return
		}

		c.handler(payload)
	}
}
