package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/audiolibrelab/answercapture/internal/observe"
	"github.com/audiolibrelab/answercapture/internal/server"
	"github.com/audiolibrelab/answercapture/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote practice sessions",
	Long: `Start the AnswerCapture web server to run sessions from a browser.
Sessions are driven through a JSON API and a websocket live feed, and
metrics are exposed on /metrics.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("failed to initialise metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("Metrics shutdown failed", "error", err)
			}
		}()

		svc, err := service.New(cfg, cfgFile, service.Dependencies{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		slog.Info("AnswerCapture web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks until interrupted)
		if err := server.New(svc, port).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

// version is reported as the service version of exported metrics.
var version = "dev"

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides config)")
}
