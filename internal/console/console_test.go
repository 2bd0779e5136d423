package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/audiolibrelab/jamloop/internal/audio/sim"
	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/audiolibrelab/jamloop/internal/service"
)

func newTestConsole(t *testing.T) (*Console, *service.Looper, *sim.Capture) {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.SampleRate = 8000
	backend, capture, _ := sim.New(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Volume())
	looper, err := service.New(cfg, backend)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { looper.Close() })
	return New(looper), looper, capture
}

func eval(t *testing.T, c *Console, line string) string {
	t.Helper()
	out, err := c.Eval(context.Background(), line)
	if err != nil {
		t.Fatalf("Eval(%q): %v", line, err)
	}
	return out
}

func TestEvalArity(t *testing.T) {
	c, _, _ := newTestConsole(t)

	tests := []struct {
		line    string
		wantErr string
	}{
		{"seek", "want 1, got 0"},
		{"status now", "want 0, got 1"},
		{"rm", "need at least 1"},
		{"bogus", "unknown command"},
		{"seek abc", "expected seconds"},
		{"seek NaN", "expected seconds"},
		{"fwd +Inf", "expected seconds"},
		{"tempo nan", "expected bpm"},
		{"tempo -3", "tempo must be positive"},
		{"note", "need at least 1"},
		{"note A4 1 2", "want at most 2"},
		{"note A4 inf", "expected seconds"},
		{"k H9", "invalid note"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := c.Eval(context.Background(), tt.line)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Eval(%q) error = %v, want containing %q", tt.line, err, tt.wantErr)
			}
		})
	}
}

func TestRecordAndList(t *testing.T) {
	c, looper, capture := newTestConsole(t)

	eval(t, c, "fwd 1.5")
	if out := eval(t, c, "r"); !strings.Contains(out, "recording Track 1 at 1.500s") {
		t.Errorf("arm output = %q", out)
	}
	if out := eval(t, c, "ls"); !strings.Contains(out, "(recording)") {
		t.Errorf("ls during take = %q", out)
	}
	capture.Feed(0.5)
	if out := eval(t, c, "record"); !strings.Contains(out, "Track 1: 0.500s at 1.500s") {
		t.Errorf("finalize output = %q", out)
	}
	if out := eval(t, c, "ls"); !strings.Contains(out, "+0.500s") {
		t.Errorf("ls = %q", out)
	}

	if out := eval(t, c, "rm Track 1"); out != "removed Track 1" {
		t.Errorf("rm output = %q", out)
	}
	if len(looper.Tracks()) != 0 {
		t.Error("track not removed")
	}
	if _, err := c.Eval(context.Background(), "rm Track 1"); err == nil {
		t.Error("expected error removing a missing track")
	}
}

func TestTransportCommands(t *testing.T) {
	c, _, _ := newTestConsole(t)

	eval(t, c, "seek 2")
	if out := eval(t, c, "beats"); out != "4.00" {
		t.Errorf("beats = %q, want 4.00", out)
	}
	eval(t, c, "tempo 60")
	if out := eval(t, c, "beats"); out != "2.00" {
		t.Errorf("beats at 60 bpm = %q, want 2.00", out)
	}
	if out := eval(t, c, "back 5"); !strings.HasPrefix(out, "OFF 0.000s") {
		t.Errorf("back output = %q", out)
	}

	if out := eval(t, c, "p"); !strings.HasPrefix(out, "PLAYING") {
		t.Errorf("play output = %q", out)
	}
	if out := eval(t, c, "seek 1"); out != "cannot seek while PLAYING" {
		t.Errorf("seek while playing = %q", out)
	}
	if out := eval(t, c, "r"); out != "ignored while PLAYING" {
		t.Errorf("record while playing = %q", out)
	}
	if out := eval(t, c, "play"); !strings.HasPrefix(out, "OFF") {
		t.Errorf("stop output = %q", out)
	}
}

func TestNoteCommand(t *testing.T) {
	c, looper, capture := newTestConsole(t)

	if out := eval(t, c, "k A4"); out != "A4" {
		t.Errorf("note output = %q", out)
	}
	eval(t, c, "r")
	capture.FeedSilence(0.1)
	if out := eval(t, c, "note C5 0.25"); out != "C5 (recorded)" {
		t.Errorf("note while recording = %q", out)
	}
	capture.FeedSilence(0.5)
	eval(t, c, "r")

	entries := looper.Tracks()
	if len(entries) != 1 {
		t.Fatalf("tracks = %+v", entries)
	}
	var recorded bool
	for _, s := range entries[0].Buffer.Samples {
		if s > 0.3 {
			recorded = true
			break
		}
	}
	if !recorded {
		t.Error("note missing from the take")
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	c, _, _ := newTestConsole(t)
	out := eval(t, c, "help")
	for _, cmd := range commands {
		if !strings.Contains(out, cmd.name) {
			t.Errorf("help is missing %s", cmd.name)
		}
	}
}

type scriptedReader struct {
	lines []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func TestLoopStopsAtQuit(t *testing.T) {
	c, looper, _ := newTestConsole(t)
	reader := &scriptedReader{lines: []string{"fwd 3", "", "nope", "quit", "fwd 3"}}
	var out bytes.Buffer

	if err := c.loop(context.Background(), reader, &out); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if got := looper.State().Position; got != 3 {
		t.Errorf("position = %v, want 3", got)
	}
	if !strings.Contains(out.String(), "unknown command: nope") {
		t.Errorf("output = %q", out.String())
	}
	if len(reader.lines) != 1 {
		t.Errorf("loop kept reading after quit")
	}
}

func TestQuitSentinel(t *testing.T) {
	c, _, _ := newTestConsole(t)
	if _, err := c.Eval(context.Background(), "exit"); !errors.Is(err, ErrQuit) {
		t.Errorf("exit error = %v, want ErrQuit", err)
	}
}
