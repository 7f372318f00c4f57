package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/8007342/ai-way/internal/backend"
	"github.com/8007342/ai-way/internal/conductor"
	"github.com/8007342/ai-way/internal/daemon"
	"github.com/8007342/ai-way/internal/heartbeat"
	"github.com/8007342/ai-way/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "conductord",
		Short: "ai-way conductor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			socket, _ := cmd.Flags().GetString("socket")

			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			transport := daemon.TransportConfigFromEnv()
			if socket != "" {
				transport.SocketPath = socket
			}

			hb := heartbeat.DefaultConfig()
			hb.Enabled = transport.HeartbeatEnabled
			hb.Interval = transport.HeartbeatInterval

			srv := daemon.New(
				backend.OllamaFromEnv(),
				transport,
				daemon.DefaultServerConfig(),
				conductor.ConfigFromEnv(),
				hb,
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("conductord starting", "socket", transport.SocketPath)
			return srv.Run(ctx)
		},
	}

	root.Flags().String("socket", "", "unix socket path (overrides CONDUCTOR_SOCKET)")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "also log to this file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
