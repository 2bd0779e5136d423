package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/jamloop/internal/audio/sim"
	"github.com/audiolibrelab/jamloop/internal/console"
	"github.com/audiolibrelab/jamloop/internal/service"
	"github.com/audiolibrelab/jamloop/internal/tracks"
	"github.com/audiolibrelab/jamloop/internal/transport"
	"github.com/spf13/cobra"
)

const defaultScript = "r; feed 2; r; fwd 1; fwd 1; fwd 1; fwd 1; p; tick 0.5; p"

// SimulationStep is one executed script command
type SimulationStep struct {
	Command string `yaml:"command"`
	Output  string `yaml:"output,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

// SimulationReport is printed at the end of a simulation
type SimulationReport struct {
	Steps  []SimulationStep `yaml:"steps"`
	State  transport.State  `yaml:"state"`
	Beats  float64          `yaml:"beats"`
	Tracks []tracks.Entry   `yaml:"tracks"`
	Voices int              `yaml:"voices"`
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted performance on the simulated backend",
	Long: `Run console commands against a simulated audio device and print the
resulting transport and tracks as YAML.

Besides the console commands, scripts understand:
  feed SECONDS   capture SECONDS of test tone into the running take
  tick SECONDS   render SECONDS of output, advancing a playing transport

Commands are separated by ';' or newlines. Without --script or --file the
default script records a 2 second take, moves to 4s and plays briefly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		script, _ := cmd.Flags().GetString("script")
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			script = string(data)
		}
		if script == "" {
			script = defaultScript
		}

		report, err := runSimulation(cmd.Context(), script)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("error marshaling report: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	simulateCmd.Flags().String("script", "", "commands to run, separated by ';'")
	simulateCmd.Flags().String("file", "", "read the script from a file")
}

func runSimulation(ctx context.Context, script string) (*SimulationReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	simCfg := *cfg
	simCfg.Audio.Backend = "sim"

	backend, capture, engine := sim.New(simCfg.Audio.SampleRate, simCfg.Audio.Channels, simCfg.Volume())
	looper, err := service.New(&simCfg, backend)
	if err != nil {
		return nil, err
	}
	defer looper.Close()
	con := console.New(looper)

	report := &SimulationReport{}
	for _, line := range splitScript(script) {
		step := SimulationStep{Command: line}
		fields := strings.Fields(line)

		switch fields[0] {
		case "feed", "tick":
			if len(fields) != 2 {
				step.Error = fmt.Sprintf("%s: wrong number of arguments: want 1, got %d", fields[0], len(fields)-1)
				break
			}
			seconds, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				step.Error = fmt.Sprintf("argument error: expected seconds, got %q", fields[1])
				break
			}
			if fields[0] == "feed" {
				if !capture.Recording() {
					step.Error = "feed: no take is being recorded"
					break
				}
				capture.Feed(seconds)
			} else {
				engine.Advance(seconds)
				// Let the poll loop observe the new engine position
				time.Sleep(2 * simCfg.PollInterval())
			}
		default:
			out, err := con.Eval(ctx, line)
			if errors.Is(err, console.ErrQuit) {
				report.Steps = append(report.Steps, step)
				return finishReport(report, looper), nil
			}
			step.Output = out
			if err != nil {
				step.Error = err.Error()
			}
		}
		report.Steps = append(report.Steps, step)
	}
	return finishReport(report, looper), nil
}

func finishReport(report *SimulationReport, looper *service.Looper) *SimulationReport {
	report.State = looper.State()
	report.Beats = report.State.Beats()
	report.Tracks = looper.Tracks()
	report.Voices = looper.Voices()
	return report
}

func splitScript(script string) []string {
	var lines []string
	for _, part := range strings.FieldsFunc(script, func(r rune) bool { return r == ';' || r == '\n' }) {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "#") {
			continue
		}
		lines = append(lines, part)
	}
	return lines
}
