package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/jamloop/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for remote control",
	Long: `Start the looper and control it over HTTP.
This allows you to trigger takes from a phone or a foot controller bridge
on the same network.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetString("port")
		}

		looper, err := newLooper(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := looper.Close(); err != nil {
				slog.Error("Failed to close looper", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("jamloop server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks until interrupted)
		if err := server.New(looper, port).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server (overrides server.port)")
}
