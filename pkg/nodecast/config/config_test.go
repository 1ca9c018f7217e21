package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nodecast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Server.Address)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Server.CompressionLevel)
	assert.Equal(t, 5, cfg.Server.InactivityExitSecs)
	assert.Equal(t, 256, cfg.Server.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddress())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9000
  compression_level: 6
  inactivity_exit_secs: 30
  ping_interval: 10s
metrics:
  backend: otel
  listen: 127.0.0.1:9100
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress())
	assert.Equal(t, 6, cfg.Server.CompressionLevel)
	assert.Equal(t, 30, cfg.Server.InactivityExitSecs)
	assert.Equal(t, 10*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, "otel", cfg.Metrics.Backend)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress())
	assert.Equal(t, 1, cfg.Server.CompressionLevel)
	assert.Equal(t, 256, cfg.Server.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}
