package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
)

// sessionState is the lifecycle state of one client session.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// maxFrameSize limits incoming client frames. Clients only ever send control
// frames; anything larger is misbehaving.
const maxFrameSize = 32 * 1024

// session owns one client WebSocket connection: its outbound queue, its
// negotiated compression mode, and its closing sequence. Transport errors
// terminate only the owning session, never the server or other sessions.
type session struct {
	id      uint64
	conn    *websocket.Conn
	mode    CompressionMode
	logger  *zap.Logger
	cfg     *Config
	metrics *ServerMetrics

	// onClosed tells the registry to forget this session once it reaches
	// the Closed state.
	onClosed func(*session)

	state    atomic.Int32
	outbound chan nodecast.Event
	dropped  atomic.Int64

	closing   chan struct{} // closed when the closing sequence begins
	sendDone  chan struct{} // closed when the send loop has exited
	finished  chan struct{} // closed when the session reaches Closed
	closeOnce sync.Once

	openedAt time.Time
}

func newSession(id uint64, conn *websocket.Conn, mode CompressionMode, cfg *Config, metrics *ServerMetrics, onClosed func(*session)) *session {
	s := &session{
		id:       id,
		conn:     conn,
		mode:     mode,
		logger:   cfg.logger,
		cfg:      cfg,
		metrics:  metrics,
		onClosed: onClosed,
		outbound: make(chan nodecast.Event, cfg.queueSize),
		closing:  make(chan struct{}),
		sendDone: make(chan struct{}),
		finished: make(chan struct{}),
		openedAt: time.Now(),
	}
	s.state.Store(int32(stateConnecting))
	return s
}

func (s *session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// run transitions the session to Open, starts the send loop, and reads from
// the client until the connection dies. It blocks until the session has
// fully closed, so the caller's goroutine doubles as the receive loop.
func (s *session) run() {
	if !s.state.CompareAndSwap(int32(stateConnecting), int32(stateOpen)) {
		// Closed before it ever opened. The send loop never started, so
		// release its completion signal ourselves and let the closing
		// sequence finish.
		close(s.sendDone)
		<-s.finished
		return
	}

	go s.sendLoop()
	s.receiveLoop()

	s.close(websocket.CloseNormalClosure, "connection closed")
	<-s.finished
}

// enqueue appends an event to the outbound queue. When the queue is full the
// oldest queued event is dropped: delivery to a session is best-effort, and
// a slow client must not grow server memory without bound.
// Events enqueued before the session opens are delivered once the send loop
// starts; sessions that are Closing or Closed silently ignore the event.
func (s *session) enqueue(event nodecast.Event) {
	switch s.currentState() {
	case stateConnecting, stateOpen:
	default:
		return
	}

	for {
		select {
		case s.outbound <- event:
			return
		default:
		}
		select {
		case <-s.outbound:
			s.dropped.Add(1)
			s.metrics.RecordEventDropped(context.Background())
			s.logger.Debug("Outbound queue full, dropped oldest event",
				zap.Uint64("session_id", s.id),
			)
		default:
		}
	}
}

// sendLoop dequeues events in FIFO order and writes them to the client,
// interleaved with periodic ping frames. A write failure closes the session.
func (s *session) sendLoop() {
	defer close(s.sendDone)

	var pingChan <-chan time.Time
	if s.cfg.pingInterval > 0 {
		ticker := time.NewTicker(s.cfg.pingInterval)
		defer ticker.Stop()
		pingChan = ticker.C
	}

	for {
		select {
		case event := <-s.outbound:
			if err := s.writeEvent(event); err != nil {
				s.logger.Debug("Failed to write event, closing session",
					zap.Uint64("session_id", s.id),
					zap.Error(err),
				)
				s.metrics.RecordSendError(context.Background())
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-pingChan:
			deadline := time.Now().Add(s.cfg.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("Failed to send ping, closing session",
					zap.Uint64("session_id", s.id),
					zap.Error(err),
				)
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
			s.metrics.RecordPingSent(context.Background())

		case <-s.closing:
			s.flushQueue()
			return
		}
	}
}

// flushQueue drains already-queued events best-effort within the drain grace
// period. Anything still queued when the period elapses is abandoned.
func (s *session) flushQueue() {
	deadline := time.Now().Add(s.cfg.drainTimeout)
	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case event := <-s.outbound:
			if err := s.writeEvent(event); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeEvent(event nodecast.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, event.Payload); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(context.Background(), len(event.Payload), s.mode.Deflate)
	return nil
}

// receiveLoop reads from the client until the connection dies. Data frames
// carry no application protocol and are discarded; control frames (ping,
// pong, close) are handled by the library and the pong handler. A client
// close or read error ends the loop, which starts the closing sequence.
//
// The read deadline is refreshed only by pongs, so it is armed only when
// pings are enabled. With pings disabled an idle client reads block
// indefinitely and dead connections surface through failed writes.
func (s *session) receiveLoop() {
	s.conn.SetReadLimit(maxFrameSize)
	if s.cfg.pingInterval > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.readTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.readTimeout))
		})
	}

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Debug("Session closed by client", zap.Uint64("session_id", s.id))
			} else if s.currentState() == stateOpen {
				s.logger.Debug("Failed to read from client",
					zap.Uint64("session_id", s.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// close begins the closing sequence: the session moves to Closing, the send
// loop flushes queued events within the grace period, then the transport is
// released, the session is marked Closed, and the registry forgets it.
// close is idempotent; concurrent calls result in exactly one teardown.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		for {
			state := s.currentState()
			if state == stateClosing || state == stateClosed {
				break
			}
			if s.state.CompareAndSwap(int32(state), int32(stateClosing)) {
				break
			}
		}
		close(s.closing)
		go s.finish(code, reason)
	})
}

// forceClose abandons the grace period and tears the transport down
// immediately, unsticking any blocked read or write. Used when shutdown has
// waited long enough.
func (s *session) forceClose() {
	s.close(websocket.CloseGoingAway, "server shutting down")
	s.conn.Close()
}

func (s *session) finish(code int, reason string) {
	// Give the send loop its flush window, but never wait forever: a write
	// stuck on a dead peer is cut off by the deadline below.
	select {
	case <-s.sendDone:
	case <-time.After(s.cfg.drainTimeout + s.cfg.writeTimeout):
	}

	deadline := time.Now().Add(s.cfg.writeTimeout)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.conn.Close()

	s.state.Store(int32(stateClosed))
	if s.onClosed != nil {
		s.onClosed(s)
	}
	s.metrics.RecordSessionEnd(context.Background(), time.Since(s.openedAt))

	s.logger.Debug("Session closed",
		zap.Uint64("session_id", s.id),
		zap.String("reason", reason),
		zap.Int64("dropped_events", s.dropped.Load()),
	)
	close(s.finished)
}
