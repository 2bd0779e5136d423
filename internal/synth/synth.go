// Package synth renders short test notes that can be played while a take is
// recorded.
package synth

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/jamloop/internal/audio"
)

const (
	twoPi = 2 * math.Pi
	level = 0.5
)

var semitones = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// Waveforms lists the oscillator shapes the synth understands.
var Waveforms = []string{"sine", "triangle", "saw", "square"}

// Synth renders notes with a single oscillator and a linear
// attack/release envelope.
type Synth struct {
	sampleRate int
	channels   int
	wave       func(phase float64) float64
	attack     time.Duration
	release    time.Duration
}

// New creates a synth for the given output layout.
func New(sampleRate, channels int, waveform string, attack, release time.Duration) (*Synth, error) {
	wave, err := oscillator(waveform)
	if err != nil {
		return nil, err
	}
	if attack < 0 || release < 0 {
		return nil, fmt.Errorf("envelope times must not be negative")
	}
	return &Synth{
		sampleRate: sampleRate,
		channels:   channels,
		wave:       wave,
		attack:     attack,
		release:    release,
	}, nil
}

// Render produces a note held for seconds followed by its release tail.
func (s *Synth) Render(freq, seconds float64) (*audio.Buffer, error) {
	if !(freq > 0) || math.IsInf(freq, 0) {
		return nil, fmt.Errorf("invalid frequency: %v", freq)
	}
	if !(seconds > 0) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("invalid note length: %v", seconds)
	}

	held := audio.FramesFor(seconds, s.sampleRate)
	attack := audio.FramesFor(s.attack.Seconds(), s.sampleRate)
	release := audio.FramesFor(s.release.Seconds(), s.sampleRate)
	buf := audio.NewBuffer(s.sampleRate, s.channels, held+release)

	phase := 0.0
	delta := freq * twoPi / float64(s.sampleRate)
	env := 0.0
	for i := 0; i < held+release; i++ {
		switch {
		case i < held && i < attack:
			env = float64(i+1) / float64(attack)
		case i < held:
			env = 1
		default:
			// Release starts from wherever the attack got to
			if release > 0 {
				env -= envAtRelease(held, attack) / float64(release)
			}
			if env < 0 {
				env = 0
			}
		}
		v := float32(level * env * s.wave(phase))
		for ch := 0; ch < s.channels; ch++ {
			buf.Samples[i*s.channels+ch] = v
		}
		phase += delta
		if phase >= twoPi {
			phase -= twoPi
		}
	}
	return buf, nil
}

func envAtRelease(held, attack int) float64 {
	if attack == 0 || held >= attack {
		return 1
	}
	return float64(held) / float64(attack)
}

// ParseNote converts a note name such as A4, C#3 or Bb2 into a frequency.
func ParseNote(name string) (float64, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return 0, fmt.Errorf("invalid note: %q", name)
	}
	semitone, ok := semitones[strings.ToUpper(name[:1])[0]]
	if !ok {
		return 0, fmt.Errorf("invalid note: %q", name)
	}
	rest := name[1:]
	switch rest[0] {
	case '#':
		semitone++
		rest = rest[1:]
	case 'b':
		semitone--
		rest = rest[1:]
	}
	octave, err := strconv.Atoi(rest)
	if err != nil || octave < -1 || octave > 9 {
		return 0, fmt.Errorf("invalid octave in note %q", name)
	}
	return midiToFreq(12*(octave+1) + semitone), nil
}

func midiToFreq(note int) float64 {
	return math.Pow(2, float64(note-69)/12.0) * 440
}

func oscillator(waveform string) (func(float64) float64, error) {
	switch strings.ToLower(waveform) {
	case "sine":
		return math.Sin, nil
	case "", "triangle":
		return func(phase float64) float64 {
			return 2*math.Abs(2*(phase/twoPi)-1) - 1
		}, nil
	case "saw":
		return func(phase float64) float64 {
			return (2.0 * phase / twoPi) - 1.
		}, nil
	case "square":
		return func(phase float64) float64 {
			if phase <= math.Pi {
				return 1.0
			}
			return -1.0
		}, nil
	}
	return nil, fmt.Errorf("unknown waveform: %q (valid: %s)", waveform, strings.Join(Waveforms, ", "))
}
