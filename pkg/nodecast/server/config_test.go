package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, DefaultCompressionLevel, cfg.compressionLevel)
	assert.Equal(t, DefaultInactivityTimeout, cfg.inactivityTimeout)
	assert.Equal(t, DefaultCheckInterval, cfg.checkInterval)
	assert.Equal(t, DefaultQueueSize, cfg.queueSize)
	assert.Equal(t, DefaultPingInterval, cfg.pingInterval)
	assert.Equal(t, DefaultReadTimeout, cfg.readTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.writeTimeout)
	assert.Equal(t, DefaultDrainTimeout, cfg.drainTimeout)
}

func TestConfigValidation(t *testing.T) {
	logger := zap.NewNop()
	source := nodecast.NewChannelSource(1)

	t.Run("missing event source", func(t *testing.T) {
		_, err := NewConfig().WithLogger(logger).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "EventSource")
	})

	t.Run("missing logger", func(t *testing.T) {
		_, err := NewConfig().WithEventSource(source).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Logger")
	})

	t.Run("compression level out of range", func(t *testing.T) {
		for _, level := range []int{-1, 10} {
			_, err := NewConfig().
				WithLogger(logger).
				WithEventSource(source).
				WithCompressionLevel(level).
				Build()
			require.Error(t, err, "level %d", level)
			assert.Contains(t, err.Error(), "out of range")
		}
	})

	t.Run("valid configuration builds", func(t *testing.T) {
		srv, err := NewConfig().
			WithLogger(logger).
			WithEventSource(source).
			WithCompressionLevel(9).
			Build()
		require.NoError(t, err)
		assert.NotNil(t, srv)
	})
}

func TestConfigInactivityFloor(t *testing.T) {
	cfg := NewConfig().WithInactivityTimeout(1 * time.Second)
	assert.Equal(t, MinInactivityTimeout, cfg.inactivityTimeout)

	cfg = NewConfig().WithInactivityTimeout(30 * time.Second)
	assert.Equal(t, 30*time.Second, cfg.inactivityTimeout)
}

func TestConfigIgnoresInvalidTunables(t *testing.T) {
	cfg := NewConfig().
		WithQueueSize(0).
		WithReadTimeout(0).
		WithWriteTimeout(-time.Second).
		WithDrainTimeout(0)

	assert.Equal(t, DefaultQueueSize, cfg.queueSize)
	assert.Equal(t, DefaultReadTimeout, cfg.readTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.writeTimeout)
	assert.Equal(t, DefaultDrainTimeout, cfg.drainTimeout)
}

func TestConfigDisablePing(t *testing.T) {
	cfg := NewConfig().WithPingInterval(0)
	assert.Equal(t, time.Duration(0), cfg.pingInterval)
}
