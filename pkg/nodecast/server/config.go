package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
	"github.com/nodecast/nodecast/pkg/nodecast/o11y"
)

// Config holds the configuration for building a Server.
// Use NewConfig() to create a new configuration and chain methods to set the
// required parameters before calling Build().
type Config struct {
	logger            *zap.Logger
	source            nodecast.EventSource
	listenAddress     string
	compressionLevel  int
	inactivityTimeout time.Duration
	checkInterval     time.Duration
	queueSize         int
	pingInterval      time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	drainTimeout      time.Duration
	metricsProvider   o11y.MetricsProvider
}

const (
	// DefaultCompressionLevel is the deflate level applied when none is
	// configured. Level 1 favors speed over ratio.
	DefaultCompressionLevel = 1

	// DefaultInactivityTimeout is how long the server tolerates an idle
	// event stream before shutting itself down.
	DefaultInactivityTimeout = 5 * time.Second

	// MinInactivityTimeout is the enforced floor for the inactivity timeout.
	// Anything lower risks spurious shutdowns from check-interval jitter.
	MinInactivityTimeout = 5 * time.Second

	// DefaultCheckInterval is how often the watchdog examines the
	// last-activity timestamp. Kept well below the timeout floor.
	DefaultCheckInterval = 1 * time.Second

	// DefaultQueueSize is the per-session outbound queue bound. When a
	// session falls this far behind, the oldest queued events are dropped.
	DefaultQueueSize = 256

	// DefaultPingInterval is the interval for sending WebSocket ping frames.
	// This helps detect dead connections and maintain connection health.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout is the deadline for reads from a client between
	// frames. Longer than the ping interval so pongs keep sessions alive.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout is the deadline for a single write to a client.
	// Short enough to detect slow or dead clients quickly.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultDrainTimeout bounds how long shutdown waits for sessions to
	// flush their queues before force-closing them.
	DefaultDrainTimeout = 5 * time.Second
)

// NewConfig creates a new Config for building a Server.
// Use the fluent methods to set the required EventSource and Logger, then
// call Build().
//
// Example:
//
//	srv, err := server.NewConfig().
//	    WithLogger(logger).
//	    WithEventSource(source).
//	    WithListenAddress("0.0.0.0:8000").
//	    WithCompressionLevel(6).
//	    WithInactivityTimeout(30 * time.Second).
//	    Build()
func NewConfig() *Config {
	return &Config{
		compressionLevel:  DefaultCompressionLevel,
		inactivityTimeout: DefaultInactivityTimeout,
		checkInterval:     DefaultCheckInterval,
		queueSize:         DefaultQueueSize,
		pingInterval:      DefaultPingInterval,
		readTimeout:       DefaultReadTimeout,
		writeTimeout:      DefaultWriteTimeout,
		drainTimeout:      DefaultDrainTimeout,
	}
}

// WithLogger sets the Logger for the server. Required.
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.logger = logger
	return c
}

// WithEventSource sets the source of node events to fan out. Required.
func (c *Config) WithEventSource(source nodecast.EventSource) *Config {
	c.source = source
	return c
}

// WithListenAddress sets the host:port the server listens on.
func (c *Config) WithListenAddress(address string) *Config {
	c.listenAddress = address
	return c
}

// WithCompressionLevel sets the per-message-deflate level offered to
// clients. 0 disables compression entirely; 1 is fastest; 9 produces the
// smallest output. Values outside 0-9 are rejected by Build.
func (c *Config) WithCompressionLevel(level int) *Config {
	c.compressionLevel = level
	return c
}

// WithInactivityTimeout sets how long the server tolerates a silent event
// stream before exiting. Values below MinInactivityTimeout are raised to the
// floor.
func (c *Config) WithInactivityTimeout(timeout time.Duration) *Config {
	if timeout < MinInactivityTimeout {
		timeout = MinInactivityTimeout
	}
	c.inactivityTimeout = timeout
	return c
}

// WithQueueSize sets the per-session outbound queue bound. When the queue is
// full the oldest queued event is dropped, so slow clients cannot grow
// server memory without limit. Must be positive.
//
// Default: 256 events per session
func (c *Config) WithQueueSize(size int) *Config {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring; with pings disabled no
// read deadline is applied either, so idle clients stay connected and dead
// connections are detected only when a write to them fails.
//
// Default: 30 seconds
func (c *Config) WithPingInterval(interval time.Duration) *Config {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout sets the per-frame read deadline for client connections.
// Should be longer than the ping interval to allow for pong responses.
//
// Default: 60 seconds
func (c *Config) WithReadTimeout(timeout time.Duration) *Config {
	if timeout > 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the deadline for writing a message to a client.
// A timed-out write counts as a send failure and closes the session.
//
// Default: 10 seconds
func (c *Config) WithWriteTimeout(timeout time.Duration) *Config {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithDrainTimeout sets the grace period shutdown allows sessions to flush
// queued events before force-closing them.
//
// Default: 5 seconds
func (c *Config) WithDrainTimeout(timeout time.Duration) *Config {
	if timeout > 0 {
		c.drainTimeout = timeout
	}
	return c
}

// WithMetricsProvider sets an optional metrics provider. When nil, no
// metrics are collected.
func (c *Config) WithMetricsProvider(provider o11y.MetricsProvider) *Config {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's
// missing or out of range.
func (c *Config) IsValid() error {
	var missing []string
	if c.source == nil {
		missing = append(missing, "EventSource")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid server configuration, missing: %v", missing)
	}

	if c.compressionLevel < 0 || c.compressionLevel > 9 {
		return fmt.Errorf("compression level %d out of range 0-9", c.compressionLevel)
	}

	return nil
}

// Build creates a new Server from the configuration.
// Returns an error if the configuration is invalid.
func (c *Config) Build() (*Server, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newServer(c), nil
}
