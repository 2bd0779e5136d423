// Package pa implements the platform audio layer on top of PortAudio.
package pa

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/audiolibrelab/jamloop/internal/mix"
)

// DeviceInfo describes a PortAudio device
type DeviceInfo struct {
	Name              string  `json:"name" yaml:"name"`
	HostAPI           string  `json:"host_api" yaml:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels" yaml:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels" yaml:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate" yaml:"default_sample_rate"`
}

// Devices lists the devices PortAudio can open.
func Devices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("cannot initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("cannot list devices: %w", err)
	}
	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// New initializes PortAudio and returns a backend using the default input
// and output devices.
func New(cfg *config.Config) (audio.Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return audio.Backend{}, fmt.Errorf("cannot initialize portaudio: %w", err)
	}

	capture := &Capturer{
		sampleRate:      cfg.Audio.SampleRate,
		channels:        cfg.Audio.Channels,
		framesPerBuffer: cfg.Audio.FramesPerBuffer,
	}
	engine := &Engine{
		Mixer:           mix.New(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Volume()),
		framesPerBuffer: cfg.Audio.FramesPerBuffer,
	}

	return audio.Backend{
		Type:     audio.BackendTypePortAudio,
		Capturer: capture,
		Decoder:  audio.WAVDecoder{},
		Engine:   engine,
		Close: func() error {
			engine.close()
			capture.close()
			return portaudio.Terminate()
		},
	}, nil
}

// startTimeout bounds how long Start waits for the first input buffer.
const startTimeout = 2 * time.Second

// Capturer records from the default input device.
type Capturer struct {
	sampleRate      int
	channels        int
	framesPerBuffer int

	mu      sync.Mutex
	stream  *portaudio.Stream
	latency int

	samplesMu sync.Mutex
	samples   []float32
	started   chan struct{}
	overdub   audio.Overdub
}

// Start implements audio.Capturer. It returns once the input stream has
// delivered its first buffer.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return fmt.Errorf("capture already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	started := make(chan struct{})
	c.samplesMu.Lock()
	c.samples = c.samples[:0]
	c.started = started
	c.samplesMu.Unlock()
	c.overdub.Reset()

	stream, err := portaudio.OpenDefaultStream(c.channels, 0, float64(c.sampleRate), c.framesPerBuffer, c.process)
	if err != nil {
		return fmt.Errorf("cannot open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("cannot start input stream: %w", err)
	}

	var waitErr error
	select {
	case <-started:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-time.After(startTimeout):
		waitErr = fmt.Errorf("input stream delivered no audio within %s", startTimeout)
	}
	if waitErr != nil {
		stream.Stop()
		stream.Close()
		return waitErr
	}

	c.stream = stream
	c.latency = 0
	if info := stream.Info(); info != nil {
		c.latency = audio.FramesFor(info.InputLatency.Seconds(), c.sampleRate)
	}
	slog.Debug("PortAudio capture started",
		"sample_rate", c.sampleRate, "channels", c.channels, "latency_frames", c.latency)
	return nil
}

func (c *Capturer) process(in []float32) {
	c.samplesMu.Lock()
	start := len(c.samples)
	c.samples = append(c.samples, in...)
	c.overdub.Apply(c.samples[start:])
	if c.started != nil {
		close(c.started)
		c.started = nil
	}
	c.samplesMu.Unlock()
}

// Inject implements audio.Injector. The device latency is skipped so the
// injected audio lines up with what is heard once Stop trims it.
func (c *Capturer) Inject(buf *audio.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	if buf.Channels != c.channels {
		return fmt.Errorf("cannot inject %d channels into a %d channel capture", buf.Channels, c.channels)
	}
	return c.overdub.Add(buf.PadLeading(float64(c.latency) / float64(c.sampleRate)))
}

// Stop implements audio.Capturer. Stopping the stream waits for pending
// input buffers to be delivered before the payload is encoded. The input
// latency reported by the device is trimmed from the front so the take
// lines up with the position it was armed at.
func (c *Capturer) Stop(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, fmt.Errorf("capture not running")
	}
	stopErr := c.stream.Stop()
	closeErr := c.stream.Close()
	c.stream = nil
	c.overdub.Reset()
	if stopErr != nil {
		return nil, fmt.Errorf("cannot stop input stream: %w", stopErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("cannot close input stream: %w", closeErr)
	}

	c.samplesMu.Lock()
	samples := audio.TrimFrames(c.samples, c.latency, c.channels)
	c.samplesMu.Unlock()

	slog.Debug("PortAudio capture stopped", "samples", len(samples), "trimmed_frames", c.latency)
	if len(samples) == 0 {
		return nil, nil
	}
	return audio.EncodeWAV(&audio.Buffer{
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		Samples:    samples,
	})
}

func (c *Capturer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
		c.stream = nil
	}
}

// Engine renders the mixer to the default output device.
type Engine struct {
	*mix.Mixer
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// Ready implements audio.Engine. The output stream is opened lazily on the
// first call; later calls return immediately.
func (e *Engine) Ready(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(0, e.Channels(), float64(e.SampleRate()), e.framesPerBuffer, e.Process)
	if err != nil {
		return fmt.Errorf("cannot open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("cannot start output stream: %w", err)
	}
	e.stream = stream
	slog.Info("PortAudio output ready", "sample_rate", e.SampleRate(), "channels", e.Channels())
	return nil
}

// Start opens the output stream if needed and runs the mixer from the
// given position, so finished takes are heard while a new one records.
func (e *Engine) Start(fromSeconds float64) error {
	if err := e.Ready(context.Background()); err != nil {
		return err
	}
	return e.Mixer.Start(fromSeconds)
}

func (e *Engine) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		e.stream.Stop()
		e.stream.Close()
		e.stream = nil
	}
}
