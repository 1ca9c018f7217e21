package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
)

// registry is the concurrency-safe collection of live sessions. It is
// mutated by the accept path (register), by each session's own close path
// (unregister), and iterated by the fan-out (broadcast). Structural
// mutations are serialized against iteration by snapshotting under a
// read-write lock, so lock hold times stay short even when a broadcast
// touches many slow sessions.
type registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[uint64]*session
}

func newRegistry(logger *zap.Logger) *registry {
	return &registry{
		logger:   logger,
		sessions: make(map[uint64]*session),
	}
}

func (r *registry) register(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("Session registered",
		zap.Uint64("session_id", s.id),
		zap.Int("active_sessions", count),
	)
}

func (r *registry) unregister(id uint64) {
	r.mu.Lock()
	_, present := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if present {
		r.logger.Debug("Session unregistered",
			zap.Uint64("session_id", id),
			zap.Int("active_sessions", count),
		)
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns the current sessions without holding the lock for the
// caller's iteration.
func (r *registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// broadcast enqueues the event on every registered session. Ordering across
// sessions is unspecified; within one session the queue preserves FIFO
// order. A session removed mid-broadcast ignores the enqueue, so removal
// races are harmless.
func (r *registry) broadcast(event nodecast.Event) {
	for _, s := range r.snapshot() {
		s.enqueue(event)
	}
}

// closeAll starts the closing sequence on every registered session. Each
// close runs in its own goroutine so one stuck session cannot delay the
// others.
func (r *registry) closeAll(code int, reason string) {
	for _, s := range r.snapshot() {
		go s.close(code, reason)
	}
}

// forceCloseAll tears down the transport of every remaining session
// immediately. Called when the shutdown grace period has elapsed.
func (r *registry) forceCloseAll() {
	for _, s := range r.snapshot() {
		s.forceClose()
	}
}
