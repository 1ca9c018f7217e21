package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast"
	"github.com/nodecast/nodecast/pkg/nodecast/config"
	"github.com/nodecast/nodecast/pkg/nodecast/o11y"
	"github.com/nodecast/nodecast/pkg/nodecast/otel"
	"github.com/nodecast/nodecast/pkg/nodecast/prom"
	"github.com/nodecast/nodecast/pkg/nodecast/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nodecast server",
	Long: `Start the nodecast WebSocket server.

Node events are read from stdin, one per line, and fanned out to every
connected WebSocket client. Clients may request per-message-deflate
compression during the handshake; whether it is granted depends on the
configured compression level (0 disables it).

The server supervises itself: when no events arrive for the configured
inactivity period it shuts down gracefully on its own.

Examples:
  some-event-producer | nodecast serve
  nodecast serve --port 9000 --websocket-compression-level 6
  nodecast serve --config /etc/nodecast/nodecast.yaml --metrics-listen :9100`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddress       string
	servePort          int
	compressionLevel   int
	inactivityExitSecs int
	queueSize          int
	logLevel           string
	configFile         string
	metricsBackend     string
	metricsListen      string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddress, "address", "0.0.0.0", "address to bind the server to")
	serveCmd.Flags().IntVar(&servePort, "port", 8000, "port to bind the server to")
	serveCmd.Flags().IntVar(&compressionLevel, "websocket-compression-level", 1, "per-message-deflate level (0 disables, 1 fastest, 9 smallest)")
	serveCmd.Flags().IntVar(&inactivityExitSecs, "inactivity-exit-secs", 5, "exit after this many seconds without events (minimum 5)")
	serveCmd.Flags().IntVar(&queueSize, "queue-size", server.DefaultQueueSize, "per-client outbound queue size")
	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (flags take precedence)")
	serveCmd.Flags().StringVar(&metricsBackend, "metrics-backend", "", "metrics backend (prometheus, otel)")
	serveCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9100)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	applyFlagOverrides(cmd, cfg)

	// Setup logger
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	if configFile != "" {
		logger.Info("Loaded configuration file", zap.String("path", configFile))
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	source := nodecast.NewReaderSource(os.Stdin)

	serverConfig := server.NewConfig().
		WithLogger(logger).
		WithEventSource(source).
		WithListenAddress(cfg.ListenAddress()).
		WithCompressionLevel(cfg.Server.CompressionLevel).
		WithInactivityTimeout(time.Duration(cfg.Server.InactivityExitSecs) * time.Second).
		WithQueueSize(cfg.Server.QueueSize).
		WithPingInterval(cfg.Server.PingInterval).
		WithDrainTimeout(cfg.Server.DrainTimeout)

	provider, err := buildMetricsProvider(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	if provider != nil {
		serverConfig = serverConfig.WithMetricsProvider(provider)
	}

	srv, err := serverConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}

// applyFlagOverrides copies explicitly-set flags over file values, so the
// command line always wins.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("address") {
		cfg.Server.Address = serveAddress
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("websocket-compression-level") {
		cfg.Server.CompressionLevel = compressionLevel
	}
	if cmd.Flags().Changed("inactivity-exit-secs") {
		cfg.Server.InactivityExitSecs = inactivityExitSecs
	}
	if cmd.Flags().Changed("queue-size") {
		cfg.Server.QueueSize = queueSize
	}
	if cmd.Flags().Changed("metrics-backend") {
		cfg.Metrics.Backend = metricsBackend
	}
	if cmd.Flags().Changed("metrics-listen") {
		cfg.Metrics.Listen = metricsListen
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	} else if cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}
}

// buildMetricsProvider selects the metrics backend. "prometheus" (the
// default when a scrape address is set) also starts the scrape endpoint;
// "otel" records through the globally configured OpenTelemetry meter
// provider and needs no listener of its own.
func buildMetricsProvider(cfg config.MetricsConfig, logger *zap.Logger) (o11y.MetricsProvider, error) {
	backend := cfg.Backend
	if backend == "" && cfg.Listen != "" {
		backend = "prometheus"
	}

	switch backend {
	case "":
		return nil, nil

	case "prometheus":
		provider := prom.NewProvider()
		if cfg.Listen != "" {
			go serveMetrics(cfg.Listen, provider, logger)
		}
		return provider, nil

	case "otel":
		return otel.NewProvider("nodecast", ""), nil

	default:
		return nil, fmt.Errorf("unknown metrics backend %q (expected prometheus or otel)", backend)
	}
}

func serveMetrics(address string, provider *prom.Provider, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())

	logger.Info("Serving metrics", zap.String("address", address))
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Error("Metrics endpoint failed", zap.Error(err))
	}
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	debugFlag := GetDebug()
	verboseFlag := GetVerbose()

	// Override log level based on flags
	if debugFlag {
		level = "debug"
	} else if verboseFlag && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debugFlag

	return config.Build()
}
