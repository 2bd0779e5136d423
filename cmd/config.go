package cmd

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage jamloop configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Printf("# profile: %s\n", cfg.Profile)
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active configuration profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to '%s' in %s\n", args[0], cfgFile)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
}
