package mix

import (
	"fmt"
	"sync"

	"github.com/audiolibrelab/jamloop/internal/audio"
)

// Mixer sums every live voice into interleaved output blocks and keeps the
// transport frame counter that synced voices are aligned against.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	gain       float32

	running bool
	frame   int64 // transport position in frames
	voices  map[*Voice]struct{}
}

// New creates a mixer producing blocks with the given layout. A gain of
// zero mutes the output; negative gains are treated as zero.
func New(sampleRate, channels int, gain float64) *Mixer {
	if gain < 0 {
		gain = 0
	}
	return &Mixer{
		sampleRate: sampleRate,
		channels:   channels,
		gain:       float32(gain),
		voices:     make(map[*Voice]struct{}),
	}
}

// SampleRate returns the output sample rate.
func (m *Mixer) SampleRate() int { return m.sampleRate }

// Channels returns the output channel count.
func (m *Mixer) Channels() int { return m.channels }

// Start runs the transport from the given position.
func (m *Mixer) Start(fromSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = int64(audio.FramesFor(fromSeconds, m.sampleRate))
	m.running = true
	return nil
}

// Stop halts the transport. Synced voices go silent until the next Start.
func (m *Mixer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// Running reports whether the transport is advancing.
func (m *Mixer) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Position returns the transport position in seconds.
func (m *Mixer) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.frame) / float64(m.sampleRate)
}

// NewVoice registers a voice for buf. The voice is silent until it is
// connected and started.
func (m *Mixer) NewVoice(buf *audio.Buffer) (audio.Voice, error) {
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("cannot create voice: %w", err)
	}
	if buf.SampleRate != m.sampleRate {
		return nil, fmt.Errorf("cannot create voice: buffer rate %d Hz does not match output rate %d Hz", buf.SampleRate, m.sampleRate)
	}
	v := &Voice{mixer: m, buf: buf}
	m.mu.Lock()
	m.voices[v] = struct{}{}
	m.mu.Unlock()
	return v, nil
}

// PlayOnce plays buf immediately, outside the transport, and releases it
// once the last frame has been rendered.
func (m *Mixer) PlayOnce(buf *audio.Buffer) error {
	v, err := m.NewVoice(buf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mv := v.(*Voice)
	mv.oneShot = true
	mv.connected = true
	mv.started = true
	return nil
}

// VoiceCount returns the number of undisposed voices.
func (m *Mixer) VoiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Process renders one block into out, which holds interleaved frames for
// the mixer's channel count, and advances the transport if it is running.
func (m *Mixer) Process(out []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range out {
		out[i] = 0
	}
	frames := len(out) / m.channels
	for v := range m.voices {
		v.render(out, frames, m.channels, m.frame, m.running)
		if v.oneShot && !v.started {
			v.release()
		}
	}
	for i, s := range out {
		s *= m.gain
		// Clip to the float sample range
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}
	if m.running {
		m.frame += int64(frames)
	}
}
