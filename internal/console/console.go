// Package console is the line-oriented control surface of the looper.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/audiolibrelab/jamloop/internal/recording"
	"github.com/audiolibrelab/jamloop/internal/service"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

// ErrQuit is returned by Eval for the quit command.
var ErrQuit = errors.New("quit")

type command struct {
	name    string
	aliases []string
	usage   string
	arity   int
	run     func(c *Console, ctx context.Context, args []string) (string, error)
}

var commands []command

func init() {
	commands = []command{
		{"record", []string{"r"}, "toggle recording", 0, recordCommand},
		{"play", []string{"p"}, "toggle playback", 0, playCommand},
		{"seek", nil, "seek SECONDS, move the stopped transport", 1, seekCommand},
		{"fwd", nil, "fwd SECONDS, advance the stopped transport", 1, fwdCommand},
		{"back", nil, "back SECONDS, rewind the stopped transport", 1, backCommand},
		{"tempo", nil, "tempo BPM", 1, tempoCommand},
		{"note", []string{"k"}, "note NOTE [SECONDS], play a synth note", -1, noteCommand},
		{"rm", nil, "rm NAME..., remove a track", -1, removeCommand},
		{"ls", nil, "list tracks", 0, listCommand},
		{"status", nil, "show the transport", 0, statusCommand},
		{"beats", nil, "show the position in beats", 0, beatsCommand},
		{"help", []string{"?"}, "show commands", 0, helpCommand},
		{"quit", []string{"q", "exit"}, "leave the console", 0, quitCommand},
	}
}

// Console evaluates commands against a looper service.
type Console struct {
	svc service.Service
}

// New creates a console for svc.
func New(svc service.Service) *Console {
	return &Console{svc: svc}
}

// Eval runs one command line and returns its output.
func (c *Console) Eval(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name, args := fields[0], fields[1:]
	cmd, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown command: %s (try help)", name)
	}
	if cmd.arity < 0 {
		if len(args) < -cmd.arity {
			return "", fmt.Errorf("%s: wrong number of arguments: need at least %v, got %v",
				cmd.name, -cmd.arity, len(args))
		}
	} else if len(args) != cmd.arity {
		return "", fmt.Errorf("%s: wrong number of arguments: want %v, got %v",
			cmd.name, cmd.arity, len(args))
	}
	return cmd.run(c, ctx, args)
}

func lookup(name string) (command, bool) {
	name = strings.ToLower(name)
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
		for _, alias := range cmd.aliases {
			if alias == name {
				return cmd, true
			}
		}
	}
	return command{}, false
}

// Run reads commands from the terminal until quit or EOF.
func (c *Console) Run(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "jamloop> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("cannot start console: %w", err)
	}
	defer rl.Close()
	return c.loop(ctx, rl, rl.Stdout())
}

type lineReader interface {
	Readline() (string, error)
}

func (c *Console) loop(ctx context.Context, rl lineReader, out io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := rl.Readline()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		result, err := c.Eval(ctx, line)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if result != "" {
			fmt.Fprintln(out, result)
		}
	}
}

func recordCommand(c *Console, ctx context.Context, args []string) (string, error) {
	res, err := c.svc.Record(ctx)
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case recording.OutcomeArmed:
		return fmt.Sprintf("recording %s at %.3fs", res.Track, res.Offset), nil
	case recording.OutcomeFinalized:
		return fmt.Sprintf("%s: %.3fs at %.3fs", res.Track, res.Duration, res.Offset), nil
	case recording.OutcomeDiscarded:
		return "nothing captured, take discarded", nil
	default:
		return fmt.Sprintf("ignored while %s", c.svc.State().Status), nil
	}
}

func playCommand(c *Console, ctx context.Context, args []string) (string, error) {
	st, err := c.svc.Play(ctx)
	if err != nil {
		return "", err
	}
	return formatState(st), nil
}

func seekCommand(c *Console, ctx context.Context, args []string) (string, error) {
	return moveTransport(c, args[0], c.svc.Seek)
}

func fwdCommand(c *Console, ctx context.Context, args []string) (string, error) {
	return moveTransport(c, args[0], c.svc.Advance)
}

func backCommand(c *Console, ctx context.Context, args []string) (string, error) {
	return moveTransport(c, args[0], c.svc.Retreat)
}

func moveTransport(c *Console, arg string, move func(float64) bool) (string, error) {
	seconds, err := parseNumber(arg)
	if err != nil {
		return "", fmt.Errorf("argument error: expected seconds, got %q", arg)
	}
	if !move(seconds) {
		return fmt.Sprintf("cannot seek while %s", c.svc.State().Status), nil
	}
	return formatState(c.svc.State()), nil
}

func tempoCommand(c *Console, ctx context.Context, args []string) (string, error) {
	bpm, err := parseNumber(args[0])
	if err != nil {
		return "", fmt.Errorf("argument error: expected bpm, got %q", args[0])
	}
	if err := c.svc.SetTempo(bpm); err != nil {
		return "", err
	}
	return formatState(c.svc.State()), nil
}

// defaultNoteSeconds is how long a note is held when no length is given.
const defaultNoteSeconds = 0.5

func noteCommand(c *Console, ctx context.Context, args []string) (string, error) {
	if len(args) > 2 {
		return "", fmt.Errorf("note: wrong number of arguments: want at most 2, got %v", len(args))
	}
	seconds := defaultNoteSeconds
	if len(args) == 2 {
		v, err := parseNumber(args[1])
		if err != nil {
			return "", fmt.Errorf("argument error: expected seconds, got %q", args[1])
		}
		seconds = v
	}
	if err := c.svc.Note(ctx, args[0], seconds); err != nil {
		return "", err
	}
	if c.svc.State().Status == transport.StatusRecording {
		return fmt.Sprintf("%s (recorded)", args[0]), nil
	}
	return args[0], nil
}

func removeCommand(c *Console, ctx context.Context, args []string) (string, error) {
	// Track names contain a space, so "rm Track 2" is accepted
	name := strings.Join(args, " ")
	if !c.svc.RemoveTrack(name) {
		return "", fmt.Errorf("no such track: %s", name)
	}
	return "removed " + name, nil
}

func listCommand(c *Console, ctx context.Context, args []string) (string, error) {
	entries := c.svc.Tracks()
	if len(entries) == 0 {
		return "no tracks", nil
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.IsFinalized() {
			fmt.Fprintf(&b, "%-10s %8.3fs  +%.3fs", e.Name, e.OffsetSeconds, e.DurationSeconds)
		} else {
			fmt.Fprintf(&b, "%-10s %8.3fs  (recording)", e.Name, e.OffsetSeconds)
		}
	}
	return b.String(), nil
}

func statusCommand(c *Console, ctx context.Context, args []string) (string, error) {
	out := formatState(c.svc.State())
	if msg := c.svc.GetLastError(); msg != "" {
		out += "\nlast error: " + msg
	}
	return out, nil
}

func beatsCommand(c *Console, ctx context.Context, args []string) (string, error) {
	return fmt.Sprintf("%.2f", c.svc.State().Beats()), nil
}

func helpCommand(c *Console, ctx context.Context, args []string) (string, error) {
	var b strings.Builder
	for i, cmd := range commands {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := cmd.name
		if len(cmd.aliases) > 0 {
			name += " (" + strings.Join(cmd.aliases, ", ") + ")"
		}
		fmt.Fprintf(&b, "%-18s %s", name, cmd.usage)
	}
	return b.String(), nil
}

func quitCommand(c *Console, ctx context.Context, args []string) (string, error) {
	return "", ErrQuit
}

func formatState(st transport.State) string {
	return fmt.Sprintf("%s %.3fs beat %.2f @ %g bpm", st.Status, st.Position, st.Beats(), st.Tempo)
}

// parseNumber accepts finite decimal numbers only.
func parseNumber(arg string) (float64, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", arg)
	}
	return v, nil
}
