package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
)

func startTestServer(t *testing.T, source nodecast.EventSource, configure func(*Config)) *Server {
	t.Helper()

	cfg := NewConfig().
		WithLogger(zap.NewNop()).
		WithEventSource(source).
		WithListenAddress("127.0.0.1:0").
		WithWriteTimeout(time.Second).
		WithDrainTimeout(500 * time.Millisecond)
	cfg.checkInterval = 20 * time.Millisecond
	if configure != nil {
		configure(cfg)
	}

	srv, err := cfg.Build()
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialTestServer(t *testing.T, srv *Server, compression bool) (*websocket.Conn, string) {
	t.Helper()

	dialer := websocket.Dialer{
		EnableCompression: compression,
		HandshakeTimeout:  2 * time.Second,
	}
	conn, resp, err := dialer.Dial(fmt.Sprintf("ws://%s/", srv.Addr()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp.Header.Get("Sec-WebSocket-Extensions")
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func TestServerUncompressedOrderedDelivery(t *testing.T) {
	source := nodecast.NewChannelSource(8)
	srv := startTestServer(t, source, func(cfg *Config) {
		cfg.WithCompressionLevel(0)
	})

	conn, extensions := dialTestServer(t, srv, true)
	// Level 0 disables compression regardless of what the client offered.
	assert.NotContains(t, extensions, "permessage-deflate")

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for _, payload := range []string{"A", "B", "C"} {
		require.NoError(t, source.Publish(ctx, nodecast.NewEvent([]byte(payload))))
	}

	assert.Equal(t, "A", readMessage(t, conn))
	assert.Equal(t, "B", readMessage(t, conn))
	assert.Equal(t, "C", readMessage(t, conn))
}

func TestServerNegotiatesCompression(t *testing.T) {
	source := nodecast.NewChannelSource(8)
	srv := startTestServer(t, source, func(cfg *Config) {
		cfg.WithCompressionLevel(6)
	})

	conn, extensions := dialTestServer(t, srv, true)
	assert.Contains(t, extensions, "permessage-deflate")

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	payload := "a compressible payload: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	require.NoError(t, source.Publish(context.Background(), nodecast.NewEvent([]byte(payload))))
	assert.Equal(t, payload, readMessage(t, conn))
}

func TestServerClientWithoutCompressionSupport(t *testing.T) {
	source := nodecast.NewChannelSource(8)
	srv := startTestServer(t, source, func(cfg *Config) {
		cfg.WithCompressionLevel(6)
	})

	// The client does not offer permessage-deflate; the handshake still
	// succeeds and the session runs uncompressed.
	conn, extensions := dialTestServer(t, srv, false)
	assert.NotContains(t, extensions, "permessage-deflate")

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, source.Publish(context.Background(), nodecast.NewEvent([]byte("plain"))))
	assert.Equal(t, "plain", readMessage(t, conn))
}

func TestServerInactivityShutdown(t *testing.T) {
	source := nodecast.NewChannelSource(1)
	srv := startTestServer(t, source, func(cfg *Config) {
		cfg.inactivityTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server never shut down on inactivity")
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	// threshold plus one check interval, with scheduler slack
	assert.Less(t, elapsed, time.Second)
	assert.NoError(t, srv.Err())
}

func TestServerActivityDefersShutdown(t *testing.T) {
	source := nodecast.NewChannelSource(1)
	srv := startTestServer(t, source, func(cfg *Config) {
		cfg.inactivityTimeout = 300 * time.Millisecond
	})

	ctx := context.Background()
	deadline := time.After(900 * time.Millisecond)
	feed := time.NewTicker(100 * time.Millisecond)
	defer feed.Stop()

feeding:
	for {
		select {
		case <-feed.C:
			require.NoError(t, source.Publish(ctx, nodecast.NewEvent([]byte("keepalive"))))
		case <-srv.Done():
			t.Fatal("server shut down despite steady events")
		case <-deadline:
			break feeding
		}
	}

	// Events stop; now the watchdog fires.
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server never shut down after events stopped")
	}
}

func TestServerDisconnectDoesNotAffectOthers(t *testing.T) {
	source := nodecast.NewChannelSource(8)
	srv := startTestServer(t, source, nil)

	conn1, _ := dialTestServer(t, srv, false)
	conn2, _ := dialTestServer(t, srv, false)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 },
		time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, source.Publish(ctx, nodecast.NewEvent([]byte("one"))))
	assert.Equal(t, "one", readMessage(t, conn1))
	assert.Equal(t, "one", readMessage(t, conn2))

	// First client disconnects; its session is cleaned up promptly.
	conn1.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	conn1.Close()

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The remaining client keeps receiving.
	require.NoError(t, source.Publish(ctx, nodecast.NewEvent([]byte("two"))))
	assert.Equal(t, "two", readMessage(t, conn2))
}

func TestServerExternalStopClosesSessions(t *testing.T) {
	source := nodecast.NewChannelSource(1)

	cfg := NewConfig().
		WithLogger(zap.NewNop()).
		WithEventSource(source).
		WithListenAddress("127.0.0.1:0").
		WithDrainTimeout(300 * time.Millisecond)
	cfg.checkInterval = 20 * time.Millisecond

	srv, err := cfg.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	conn, _ := dialTestServer(t, srv, false)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-srv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server never stopped after context cancellation")
	}
	assert.NoError(t, srv.Err())
	assert.Equal(t, 0, srv.SessionCount())

	// The client observes the going-away close frame.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"expected going-away close, got %v", err)
}

func TestServerSourceExhaustionIsFatal(t *testing.T) {
	source := nodecast.NewChannelSource(0)
	srv := startTestServer(t, source, nil)

	source.Close()

	select {
	case <-srv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server never stopped after source exhaustion")
	}
	require.Error(t, srv.Err())
	assert.Contains(t, srv.Err().Error(), "exhausted")
}

func TestServerDoubleStart(t *testing.T) {
	source := nodecast.NewChannelSource(1)
	srv := startTestServer(t, source, nil)

	assert.Error(t, srv.Start(context.Background()))
}

func TestServerShutdownIdempotent(t *testing.T) {
	source := nodecast.NewChannelSource(1)
	srv := startTestServer(t, source, nil)

	srv.Shutdown()
	srv.Shutdown()

	select {
	case <-srv.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
}
