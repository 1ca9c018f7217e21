package server

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// watchdogState is the liveness monitor's state: active until the configured
// inactivity threshold is exceeded, then triggered, which is terminal.
type watchdogState int32

const (
	watchdogActive watchdogState = iota
	watchdogTriggered
)

// watchdog tracks the timestamp of the most recently observed activity and
// signals exactly once when the gap since that activity exceeds the
// threshold. The last-activity timestamp is a single shared value updated
// with a forward-only compare-and-swap, so concurrent activity sources never
// lose updates and readers never block writers.
type watchdog struct {
	threshold time.Duration
	interval  time.Duration
	logger    *zap.Logger

	lastActivity atomic.Int64 // unix nanoseconds, only ever moves forward
	state        atomic.Int32

	triggered chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newWatchdog(threshold, interval time.Duration, logger *zap.Logger) *watchdog {
	w := &watchdog{
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		triggered: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	w.lastActivity.Store(time.Now().UnixNano())
	return w
}

// start launches the periodic check. Call stop to halt it.
func (w *watchdog) start() {
	w.wg.Add(1)
	go w.check()
}

// stop halts the periodic check. Idempotent. It does not trigger the
// shutdown signal; a stopped watchdog simply no longer fires.
func (w *watchdog) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Touch records activity at the current time. The update is forward-only: a
// Touch that races with a later one never moves the timestamp backwards.
func (w *watchdog) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := w.lastActivity.Load()
		if prev >= now {
			return
		}
		if w.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// Done returns a channel that is closed when the inactivity threshold has
// been exceeded. It is closed at most once.
func (w *watchdog) Done() <-chan struct{} {
	return w.triggered
}

func (w *watchdog) currentState() watchdogState {
	return watchdogState(w.state.Load())
}

func (w *watchdog) check() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, w.lastActivity.Load()))
			if idle <= w.threshold {
				continue
			}
			if !w.state.CompareAndSwap(int32(watchdogActive), int32(watchdogTriggered)) {
				// Already triggered; later ticks are no-ops.
				continue
			}
			w.logger.Info("Inactivity threshold exceeded, requesting shutdown",
				zap.Duration("idle", idle),
				zap.Duration("threshold", w.threshold),
			)
			close(w.triggered)
			return

		case <-w.stopCh:
			return
		}
	}
}
