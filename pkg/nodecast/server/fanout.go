package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
)

// fanout consumes node events from the external source and pushes each one
// to every live session through the registry. It performs no buffering of
// its own: back-pressure lands entirely on the per-session bounded queues
// and their drop-oldest policy, never on the source.
type fanout struct {
	source   nodecast.EventSource
	registry *registry
	watchdog *watchdog
	logger   *zap.Logger
	metrics  *ServerMetrics
}

// run consumes the source until it fails, is exhausted, or ctx is cancelled.
// Cancellation returns nil; the server's purpose depends on a live event
// stream, so exhaustion and failure are returned as fatal errors for the
// supervisor.
func (f *fanout) run(ctx context.Context) error {
	for {
		event, err := f.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			case errors.Is(err, io.EOF):
				return errors.New("event source exhausted")
			default:
				return fmt.Errorf("event source failed: %w", err)
			}
		}

		f.watchdog.Touch()
		f.registry.broadcast(event)
		f.metrics.RecordEventBroadcast(ctx)

		f.logger.Debug("Event broadcast",
			zap.Int("payload_bytes", len(event.Payload)),
			zap.Int("sessions", f.registry.count()),
		)
	}
}
