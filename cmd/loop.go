package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/jamloop/internal/console"
	"github.com/spf13/cobra"
)

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Start the interactive looper console",
	Long: `Start the looper with a line-oriented console.

Type 'r' to arm or finish a take and 'p' to start or stop playback.
Seeking (seek, fwd, back) only works while the transport is stopped.
Type 'help' for the full command list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		st := looper.State()
		fmt.Printf("jamloop ready: %s backend, %g bpm, %d Hz\n", cfg.Audio.Backend, st.Tempo, cfg.Audio.SampleRate)
		return console.New(looper).Run(ctx, cfg.Console.HistoryFile)
	},
}
