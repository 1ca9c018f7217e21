package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoServer upgrades connections and writes the given payloads, then
// closes with the given code.
func streamServer(t *testing.T, payloads []string, closeCode int) string {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, payload := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""),
			time.Now().Add(time.Second))
		// Wait for the client's close response or disconnect.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClientBuilderValidation(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		_, err := NewClient().WithEventHandler(func([]byte) {}).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "URL")
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := NewClient().WithURL("ws://localhost:1/").Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "EventHandler")
	})

	t.Run("complete configuration builds", func(t *testing.T) {
		c, err := NewClient().
			WithURL("ws://localhost:1/").
			WithLogger(zap.NewNop()).
			WithDialTimeout(time.Second).
			WithCompression(true).
			WithEventHandler(func([]byte) {}).
			Build()
		require.NoError(t, err)
		assert.NotNil(t, c)
	})
}

func TestClientReceivesEvents(t *testing.T) {
	url := streamServer(t, []string{"one", "two", "three"}, websocket.CloseNormalClosure)

	var mu sync.Mutex
	var received []string

	c, err := NewClient().
		WithURL(url).
		WithLogger(zap.NewNop()).
		WithEventHandler(func(payload []byte) {
			mu.Lock()
			received = append(received, string(payload))
			mu.Unlock()
		}).
		Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client never finished")
	}

	assert.NoError(t, c.Err())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, received)
}

func TestClientConnectTwiceFails(t *testing.T) {
	url := streamServer(t, nil, websocket.CloseNormalClosure)

	c, err := NewClient().
		WithURL(url).
		WithEventHandler(func([]byte) {}).
		Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	assert.Error(t, c.Connect(context.Background()))
	c.Disconnect()
}

func TestClientDisconnectIdempotent(t *testing.T) {
	url := streamServer(t, []string{"event"}, websocket.CloseNormalClosure)

	c, err := NewClient().
		WithURL(url).
		WithEventHandler(func([]byte) {}).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
}

func TestClientDisconnectWithoutConnect(t *testing.T) {
	c, err := NewClient().
		WithURL("ws://localhost:1/").
		WithEventHandler(func([]byte) {}).
		Build()
	require.NoError(t, err)

	finished := make(chan error, 1)
	go func() { finished <- c.Disconnect() }()

	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Disconnect on a never-connected client did not return")
	}
}

func TestClientDialFailure(t *testing.T) {
	c, err := NewClient().
		WithURL("ws://127.0.0.1:1/").
		WithDialTimeout(200 * time.Millisecond).
		WithEventHandler(func([]byte) {}).
		Build()
	require.NoError(t, err)

	assert.Error(t, c.Connect(context.Background()))
}
