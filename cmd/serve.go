package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cmmsbridge/pkg/channel"
	"cmmsbridge/pkg/channel/telegram"
	"cmmsbridge/pkg/channel/websocket"
	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/gateway"
	"cmmsbridge/pkg/logger"

	"github.com/spf13/cobra"
)

const (
	websocketChannelName = "websocket"
	telegramChannelName  = "telegram"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long:  "Runs the WebSocket listener (and Telegram, when enabled) in front of the worker, with health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Server configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, adapters, log)
		if err != nil {
			log.Error("Failed to initialize bridge service", "error", err)
			return err
		}

		log.Info("Bridge started",
			"channels", enabledChannelNames(adapters),
			"worker", cfg.Worker.Command,
			"request_path", cfg.Bridge.RequestPath,
			"response_path", cfg.Bridge.ResponsePath,
			"worker_timeout", cfg.Worker.WorkerTimeout(),
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("Bridge runtime failed", "error", err)
			return err
		}

		log.Info("Bridge stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", config.DefaultServerPort, "WebSocket listen port (overrides config)")
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Server.WebSocketEnabled() {
		adapter, err := websocket.NewAdapter(cfg.Server, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", websocketChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
