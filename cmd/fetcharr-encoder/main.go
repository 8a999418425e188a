// Command fetcharr-encoder runs a remote encoder worker. It connects to a
// fetcharrd coordinator over WebSocket, accepts encode assignments, and runs
// ffmpeg locally while streaming progress back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fetcharr/internal/config"
	"fetcharr/internal/deps"
	"fetcharr/internal/encoderagent"
	"fetcharr/internal/logging"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var serverFlag string
	var encoderIDFlag string

	cmd := &cobra.Command{
		Use:           "fetcharr-encoder",
		Short:         "Fetcharr remote encoder worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configFlag, serverFlag, encoderIDFlag)
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&serverFlag, "server", "", "Coordinator WebSocket URL (overrides encoder.server_url)")
	cmd.Flags().StringVar(&encoderIDFlag, "id", "", "Encoder identifier (overrides encoder.encoder_id)")
	return cmd
}

func runAgent(parent context.Context, configPath, serverURL, encoderID string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Encoder.ServerURL = serverURL
	}
	if encoderID != "" {
		cfg.Encoder.EncoderID = encoderID
	}
	if cfg.Encoder.ServerURL == "" {
		return fmt.Errorf("encoder server_url is required (set encoder.server_url or pass --server)")
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if status := deps.CheckFFmpeg(cfg.Encoder.FFmpegBinary); !status.Available {
		logger.Warn("ffmpeg not found, encodes will fail until it is installed",
			logging.String("binary", status.Command))
	}

	runner := encoderagent.NewFFmpegRunner(encoderagent.WithBinary(cfg.Encoder.FFmpegBinary))
	agent := encoderagent.New(cfg, runner, logger, nil)
	return agent.Run(ctx)
}
