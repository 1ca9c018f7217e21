// Package config loads optional YAML configuration for the nodecast server.
// Command-line flags take precedence over file values; the file exists for
// deployments where flags are awkward to manage.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address            string        `yaml:"address"`
	Port               int           `yaml:"port"`
	CompressionLevel   int           `yaml:"compression_level"`
	InactivityExitSecs int           `yaml:"inactivity_exit_secs"`
	QueueSize          int           `yaml:"queue_size"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

type MetricsConfig struct {
	// Backend selects the metrics implementation: "prometheus" exposes a
	// scrape endpoint on Listen, "otel" records through the global
	// OpenTelemetry meter provider, "" disables metrics unless Listen is set.
	Backend string `yaml:"backend"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "0.0.0.0",
			Port:               8000,
			CompressionLevel:   1,
			InactivityExitSecs: 5,
			QueueSize:          256,
			PingInterval:       30 * time.Second,
			DrainTimeout:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ListenAddress returns the host:port the server should bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
