package client

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventHandler receives the payload of each event delivered by the server.
type EventHandler func(payload []byte)

// ClientBuilder provides a fluent interface for building stream clients.
type ClientBuilder struct {
	url         string
	logger      *zap.Logger
	dialTimeout time.Duration
	compression bool
	handler     EventHandler
}

// NewClient creates a new stream client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialTimeout: 30 * time.Second,
		logger:      zap.NewNop(),
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithCompression offers the permessage-deflate extension during the
// handshake. Whether it is used depends on the server's configured level.
func (b *ClientBuilder) WithCompression(enabled bool) *ClientBuilder {
	b.compression = enabled
	return b
}

// WithEventHandler sets the handler invoked for each received event.
func (b *ClientBuilder) WithEventHandler(handler EventHandler) *ClientBuilder {
	b.handler = handler
	return b
}

// IsValid checks if the builder has all required parameters set.
func (b *ClientBuilder) IsValid() error {
	var missing []string
	if b.url == "" {
		missing = append(missing, "URL")
	}
	if b.handler == nil {
		missing = append(missing, "EventHandler")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid client configuration, missing: %v", missing)
	}
	return nil
}

// Build creates and returns a new stream client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:         b.url,
		logger:      b.logger,
		dialTimeout: b.dialTimeout,
		compression: b.compression,
		handler:     b.handler,
		done:        make(chan struct{}),
	}, nil
}
