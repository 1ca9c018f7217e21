// Package server implements the nodecast streaming server: it accepts
// WebSocket connections, fans node events out to every connected session,
// negotiates per-message-deflate compression per connection, and shuts the
// whole process down after a configured period with no observed events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server supervises the accept loop, the session registry, the event
// fan-out, and the inactivity watchdog, and owns the single-shot graceful
// shutdown that ties them together.
type Server struct {
	cfg      *Config
	logger   *zap.Logger
	registry *registry
	watchdog *watchdog
	fanout   *fanout
	metrics  *ServerMetrics

	httpServer   *http.Server
	listener     net.Listener
	cancelFanout context.CancelFunc
	fanoutErr    chan error

	started      int32 // atomic; prevents double-start
	nextID       atomic.Uint64
	shutdown     chan struct{} // closed when teardown begins
	shutdownOnce sync.Once
	done         chan struct{} // closed when teardown completes
	err          error
}

// newServer creates a Server from a validated Config. This is a private
// constructor - use NewConfig().Build() instead.
func newServer(cfg *Config) *Server {
	metrics := NewServerMetrics(cfg.metricsProvider)
	reg := newRegistry(cfg.logger)
	wd := newWatchdog(cfg.inactivityTimeout, cfg.checkInterval, cfg.logger)

	return &Server{
		cfg:      cfg,
		logger:   cfg.logger,
		registry: reg,
		watchdog: wd,
		metrics:  metrics,
		fanout: &fanout{
			source:   cfg.source,
			registry: reg,
			watchdog: wd,
			logger:   cfg.logger,
			metrics:  metrics,
		},
		fanoutErr: make(chan error, 1),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ServeWebSocket handles an incoming HTTP request and upgrades it to a
// WebSocket session. It can be plugged directly into any HTTP router; the
// goroutine serving the request becomes the session's receive loop and the
// method blocks until the session closes.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	mode := Negotiate(s.cfg.compressionLevel, r.Header)

	upgrader := websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: mode.Deflate,
		// The server streams to arbitrary clients; there is no browser
		// origin policy to enforce.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		s.metrics.RecordHandshakeError(r.Context())
		return
	}

	if mode.Deflate {
		conn.SetCompressionLevel(mode.Level)
	}
	conn.EnableWriteCompression(mode.Deflate)

	id := s.nextID.Add(1)
	sess := newSession(id, conn, mode, s.cfg, s.metrics, s.onSessionClosed)
	s.registry.register(sess)
	s.watchdog.Touch()
	s.metrics.RecordSessionStart(r.Context())
	s.metrics.RecordSessionsActive(r.Context(), s.registry.count())

	s.logger.Debug("WebSocket connection established",
		zap.Uint64("session_id", id),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Stringer("compression", mode),
		zap.Int("active_sessions", s.registry.count()),
	)

	sess.run()
}

func (s *Server) onSessionClosed(sess *session) {
	s.registry.unregister(sess.id)
	s.metrics.RecordSessionsActive(context.Background(), s.registry.count())
}

// Start binds the listener and launches the accept loop, the event fan-out,
// and the watchdog. It returns once the server is accepting connections;
// use Done or Run to observe termination. Cancelling ctx requests a
// graceful stop.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("server already started")
	}

	if s.cfg.listenAddress == "" {
		return errors.New("no listen address configured")
	}
	listener, err := net.Listen("tcp", s.cfg.listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.listenAddress, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ServeWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	fanoutCtx, cancel := context.WithCancel(context.Background())
	s.cancelFanout = cancel
	go func() {
		s.fanoutErr <- s.fanout.run(fanoutCtx)
	}()

	s.watchdog.start()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	go s.supervise(ctx)

	s.logger.Info("Running websocket server", zap.String("address", listener.Addr().String()))
	return nil
}

// Run starts the server and blocks until it has shut down. It returns nil
// for a designed shutdown (inactivity timeout or external stop) and an
// error when the event source failed.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.done
	return s.err
}

// Addr returns the bound listen address. Valid after Start has returned.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Done returns a channel closed once graceful teardown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, if any. Valid once Done is closed.
func (s *Server) Err() error {
	return s.err
}

// SessionCount returns the current number of registered sessions.
func (s *Server) SessionCount() int {
	return s.registry.count()
}

// supervise waits for a termination trigger and runs the teardown. The
// watchdog firing is a designed shutdown, not an error; an event source
// failure is fatal and surfaces through Run.
func (s *Server) supervise(ctx context.Context) {
	var cause error

	select {
	case <-s.watchdog.Done():
		s.metrics.RecordWatchdogTriggered(context.Background())
		s.logger.Info("Shutting down: no activity within threshold",
			zap.Duration("threshold", s.cfg.inactivityTimeout),
		)

	case err := <-s.fanoutErr:
		if err != nil {
			cause = err
			s.logger.Error("Shutting down: event source terminated", zap.Error(err))
		} else {
			s.logger.Info("Shutting down: event source stopped")
		}

	case <-ctx.Done():
		s.logger.Info("Shutting down: stop requested")

	case <-s.shutdown:
		// Teardown already started elsewhere.
		return
	}

	s.teardown(cause)
}

// Shutdown begins graceful teardown without waiting for the watchdog.
// It is idempotent and safe to call concurrently with a watchdog trigger;
// teardown runs exactly once. It blocks until teardown completes.
func (s *Server) Shutdown() {
	s.teardown(nil)
	<-s.done
}

// teardown is the single-shot shutdown sequence: stop the event pump, stop
// accepting connections, close every session, wait (bounded) for them to
// drain, then force-close stragglers.
func (s *Server) teardown(cause error) {
	s.shutdownOnce.Do(func() {
		s.err = cause
		close(s.shutdown)

		if s.cancelFanout != nil {
			s.cancelFanout()
		}

		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.drainTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Debug("HTTP server shutdown", zap.Error(err))
			}
		}

		count := s.registry.count()
		if count > 0 {
			s.logger.Info("Closing active sessions", zap.Int("session_count", count))
		}
		s.registry.closeAll(websocket.CloseGoingAway, "server shutting down")

		deadline := time.Now().Add(s.cfg.drainTimeout + s.cfg.writeTimeout)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for s.registry.count() > 0 {
			if time.Now().After(deadline) {
				remaining := s.registry.count()
				s.logger.Warn("Shutdown grace period elapsed, force closing sessions",
					zap.Int("remaining_sessions", remaining),
				)
				s.registry.forceCloseAll()
				break
			}
			<-ticker.C
		}

		// Give force-closed sessions a moment to fall out of the registry.
		for i := 0; i < 20 && s.registry.count() > 0; i++ {
			<-ticker.C
		}

		s.watchdog.stop()

		s.logger.Info("Server stopped", zap.Int("remaining_sessions", s.registry.count()))
		close(s.done)
	})
}
