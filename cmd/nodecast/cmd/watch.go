package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodecast/nodecast/pkg/nodecast/client"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <websocket-url>",
	Short: "Watch the event stream of a nodecast server",
	Long: `Connect to a nodecast server and print each received event to stdout.

The single argument is the WebSocket URL to connect to.

Examples:
  nodecast watch ws://localhost:8000/
  nodecast watch --compression ws://example.com:8000/`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchCompression bool
	dialTimeout      time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchCompression, "compression", false, "offer permessage-deflate during the handshake")
	watchCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
}

func runWatch(cmd *cobra.Command, args []string) error {
	// Setup logger
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]

	wsClient, err := client.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(dialTimeout).
		WithCompression(watchCompression).
		WithEventHandler(func(payload []byte) {
			fmt.Println(string(payload))
		}).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := wsClient.Connect(ctx); err != nil {
		return err
	}

	logger.Info("Watching for events... (Press Ctrl+C to exit)")

	select {
	case <-ctx.Done():
		if err := wsClient.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
		logger.Info("Shutdown complete")
		return nil

	case <-wsClient.Done():
		if err := wsClient.Err(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		logger.Info("Server closed the connection")
		return nil
	}
}
