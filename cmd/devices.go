package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/audio/pa"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available audio devices",
	Long:  `List the audio devices PortAudio can open for capture and playback.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio backends (%s): %v\n\n", runtime.GOOS, audio.GetAvailableBackends())

		devices, err := pa.Devices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		fmt.Printf("PortAudio devices (%d found):\n", len(devices))
		for i, d := range devices {
			fmt.Printf("  %d. %s [%s] in:%d out:%d %.0f Hz\n",
				i+1, d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		}
		fmt.Printf("\nThe looper records from the default input and plays to the default output.\n")
		return nil
	},
}
