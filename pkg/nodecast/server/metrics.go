package server

import (
	"context"
	"time"

	"github.com/nodecast/nodecast/pkg/nodecast/o11y"
)

// ServerMetrics holds the metric instruments used to monitor the streaming
// server. All methods are safe on a nil receiver, so components can record
// unconditionally whether or not a provider is configured.
type ServerMetrics struct {
	// Session metrics
	activeSessions  o11y.Gauge     // Current number of live sessions
	sessionsTotal   o11y.Counter   // Total sessions accepted
	sessionDuration o11y.Histogram // Lifetime of closed sessions
	handshakeErrors o11y.Counter   // WebSocket upgrade failures

	// Event metrics
	eventsBroadcast o11y.Counter   // Node events fanned out
	eventsDropped   o11y.Counter   // Events dropped from full session queues
	messagesSent    o11y.Counter   // Messages written to clients
	messageSize     o11y.Histogram // Size distribution of sent messages (bytes)
	sendErrors      o11y.Counter   // Write failures that closed a session

	// Health metrics
	pingsSent         o11y.Counter // Ping frames sent
	watchdogTriggered o11y.Counter // Inactivity shutdowns (0 or 1 per process)
}

// NewServerMetrics creates a ServerMetrics instance using the provided
// MetricsProvider. If the provider is nil, returns nil (no metrics will be
// collected).
func NewServerMetrics(provider o11y.MetricsProvider) *ServerMetrics {
	if provider == nil {
		return nil
	}

	return &ServerMetrics{
		activeSessions:  provider.Gauge("nodecast_sessions_active"),
		sessionsTotal:   provider.Counter("nodecast_sessions_total"),
		sessionDuration: provider.Histogram("nodecast_session_duration_seconds"),
		handshakeErrors: provider.Counter("nodecast_handshake_errors_total"),

		eventsBroadcast: provider.Counter("nodecast_events_broadcast_total"),
		eventsDropped:   provider.Counter("nodecast_events_dropped_total"),
		messagesSent:    provider.Counter("nodecast_messages_sent_total"),
		messageSize:     provider.Histogram("nodecast_message_size_bytes"),
		sendErrors:      provider.Counter("nodecast_send_errors_total"),

		pingsSent:         provider.Counter("nodecast_pings_sent_total"),
		watchdogTriggered: provider.Counter("nodecast_watchdog_triggered_total"),
	}
}

// RecordSessionStart records an accepted session.
func (m *ServerMetrics) RecordSessionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsTotal.Add(ctx, 1)
}

// RecordSessionsActive updates the live session count.
func (m *ServerMetrics) RecordSessionsActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(ctx, float64(count))
}

// RecordSessionEnd records a closed session and its lifetime.
func (m *ServerMetrics) RecordSessionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionDuration.Record(ctx, duration.Seconds())
}

// RecordHandshakeError records a failed WebSocket upgrade.
func (m *ServerMetrics) RecordHandshakeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.handshakeErrors.Add(ctx, 1)
}

// RecordEventBroadcast records one node event fanned out to the given number
// of sessions.
func (m *ServerMetrics) RecordEventBroadcast(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsBroadcast.Add(ctx, 1)
}

// RecordEventDropped records an event evicted from a full session queue.
func (m *ServerMetrics) RecordEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
}

// RecordMessageSent records a message written to a client.
func (m *ServerMetrics) RecordMessageSent(ctx context.Context, sizeBytes int, compressed bool) {
	if m == nil {
		return
	}
	mode := "none"
	if compressed {
		mode = "deflate"
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "compression", Value: mode})
	m.messageSize.Record(ctx, float64(sizeBytes))
}

// RecordSendError records a write failure that terminated a session.
func (m *ServerMetrics) RecordSendError(ctx context.Context) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1)
}

// RecordPingSent records a ping frame sent to a client.
func (m *ServerMetrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}

// RecordWatchdogTriggered records the inactivity shutdown.
func (m *ServerMetrics) RecordWatchdogTriggered(ctx context.Context) {
	if m == nil {
		return
	}
	m.watchdogTriggered.Add(ctx, 1)
}
