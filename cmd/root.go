package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/jamloop/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	backendName  string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "jamloop",
	Short: "Keyboard-driven looping recorder",
	Long: `jamloop is a looping recorder for live layering.

Arm a take, play against what is already there, and every finished take
becomes a track that plays back in sync with a shared timeline.

Run 'jamloop loop' for the interactive console or 'jamloop serve' to
drive the looper over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = config.DefaultConfigPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if backendName != "" {
			cfg.Audio.Backend = backendName
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile, "backend", cfg.Audio.Backend)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/jamloop.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "audio backend: portaudio, sim (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	// Add subcommands
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
