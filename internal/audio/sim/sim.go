// Package sim provides a deterministic audio backend. Capture is fed
// explicitly with Feed and the engine only advances when Advance is called,
// which makes it suitable for tests and scripted rehearsals.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/mix"
)

const (
	toneFrequency = 220.0
	toneLevel     = 0.5
	blockFrames   = 256
)

var errNotCapturing = errors.New("capture not started")

// Capture is a simulated input device.
type Capture struct {
	mu         sync.Mutex
	sampleRate int
	channels   int

	recording bool
	samples   []float32
	phase     float64
	overdub   audio.Overdub

	startErr    error
	nextPayload []byte
	overridden  bool
}

// NewCapture creates a simulated input device.
func NewCapture(sampleRate, channels int) *Capture {
	return &Capture{sampleRate: sampleRate, channels: channels}
}

// Start implements audio.Capturer.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		err := c.startErr
		c.startErr = nil
		return err
	}
	c.recording = true
	c.samples = c.samples[:0]
	c.overdub.Reset()
	return nil
}

// Feed appends seconds of a sine tone to an active capture.
func (c *Capture) Feed(seconds float64) {
	c.feed(seconds, toneLevel)
}

// FeedSilence appends seconds of silence to an active capture.
func (c *Capture) FeedSilence(seconds float64) {
	c.feed(seconds, 0)
}

func (c *Capture) feed(seconds, level float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	frames := audio.FramesFor(seconds, c.sampleRate)
	step := 2 * math.Pi * toneFrequency / float64(c.sampleRate)
	start := len(c.samples)
	for i := 0; i < frames; i++ {
		v := float32(level * math.Sin(c.phase))
		c.phase += step
		for ch := 0; ch < c.channels; ch++ {
			c.samples = append(c.samples, v)
		}
	}
	c.overdub.Apply(c.samples[start:])
}

// Inject implements audio.Injector. The audio lands on the frames fed
// after the call.
func (c *Capture) Inject(buf *audio.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return nil
	}
	if buf.Channels != c.channels {
		return fmt.Errorf("cannot inject %d channels into a %d channel capture", buf.Channels, c.channels)
	}
	return c.overdub.Add(buf)
}

// Recording reports whether a capture is in progress.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// FailNextStart makes the next Start return err.
func (c *Capture) FailNextStart(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

// SetNextPayload replaces the payload returned by the next Stop.
func (c *Capture) SetNextPayload(p []byte) {
	c.mu.Lock()
	c.nextPayload = p
	c.overridden = true
	c.mu.Unlock()
}

// Stop implements audio.Capturer.
func (c *Capture) Stop(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return nil, errNotCapturing
	}
	c.recording = false
	c.overdub.Reset()

	if c.overridden {
		p := c.nextPayload
		c.nextPayload = nil
		c.overridden = false
		return p, nil
	}
	if len(c.samples) == 0 {
		return nil, nil
	}
	buf := &audio.Buffer{
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		Samples:    append([]float32(nil), c.samples...),
	}
	return audio.EncodeWAV(buf)
}

// Engine is a simulated output device driven by Advance.
type Engine struct {
	*mix.Mixer

	mu       sync.Mutex
	readyErr error
	warmups  int
}

// NewEngine creates a simulated output device.
func NewEngine(sampleRate, channels int, gain float64) *Engine {
	return &Engine{Mixer: mix.New(sampleRate, channels, gain)}
}

// Ready implements audio.Engine.
func (e *Engine) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warmups++
	return e.readyErr
}

// FailReady makes every Ready call return err until cleared with nil.
func (e *Engine) FailReady(err error) {
	e.mu.Lock()
	e.readyErr = err
	e.mu.Unlock()
}

// Warmups returns how many times Ready was awaited.
func (e *Engine) Warmups() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warmups
}

// Advance renders seconds of output in fixed-size blocks and returns the
// rendered interleaved samples.
func (e *Engine) Advance(seconds float64) []float32 {
	frames := audio.FramesFor(seconds, e.SampleRate())
	channels := e.Channels()
	out := make([]float32, 0, frames*channels)
	block := make([]float32, blockFrames*channels)
	for frames > 0 {
		n := blockFrames
		if frames < n {
			n = frames
		}
		b := block[:n*channels]
		e.Process(b)
		out = append(out, b...)
		frames -= n
	}
	return out
}

// New assembles a simulated backend.
func New(sampleRate, channels int, gain float64) (audio.Backend, *Capture, *Engine) {
	capture := NewCapture(sampleRate, channels)
	engine := NewEngine(sampleRate, channels, gain)
	return audio.Backend{
		Type:     audio.BackendTypeSim,
		Capturer: capture,
		Decoder:  audio.WAVDecoder{},
		Engine:   engine,
	}, capture, engine
}
