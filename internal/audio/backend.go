package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypeSim       BackendType = "sim"
	BackendTypeAuto      BackendType = "auto"
)

var (
	// ErrEmptyPayload is returned by decoders for a zero-length payload.
	ErrEmptyPayload = errors.New("empty audio payload")
	// ErrVoiceDisposed is returned by voice primitives after Dispose.
	ErrVoiceDisposed = errors.New("voice disposed")
)

// Capturer records raw audio from an input device.
type Capturer interface {
	// Start returns once frames are being captured, so the first captured
	// frame lines up with the moment Start returned.
	Start(ctx context.Context) error
	// Stop ends the capture and returns the encoded payload. An empty
	// payload means nothing was captured.
	Stop(ctx context.Context) ([]byte, error)
}

// Decoder turns a capture payload into a sample buffer.
type Decoder interface {
	Decode(ctx context.Context, payload []byte) (*Buffer, error)
}

// Driver is the device-side timeline that synced voices follow.
type Driver interface {
	Start(fromSeconds float64) error
	Stop() error
	// Position is the driver's elapsed timeline position in seconds.
	Position() float64
}

// Engine is the playback side of the platform audio layer.
type Engine interface {
	Driver
	// Ready blocks until the engine can produce sound.
	Ready(ctx context.Context) error
	NewVoice(buf *Buffer) (Voice, error)
	// PlayOnce plays buf straight to the output, outside the transport.
	PlayOnce(buf *Buffer) error
}

// Voice is a playback handle bound to one buffer.
type Voice interface {
	Connect() error
	// Start begins playback. For a synced voice at is a timeline position,
	// for a free-running voice it is an offset into the buffer.
	Start(at float64) error
	Stop() error
	Sync() error
	Unsync() error
	Synced() bool
	Dispose() error
}

// Backend bundles the platform primitives consumed by the looper core.
type Backend struct {
	Type     BackendType
	Capturer Capturer
	Decoder  Decoder
	Engine   Engine
	// Close releases device resources; nil when there is nothing to release.
	Close func() error
}

// ParseBackendType resolves a configured backend name.
func ParseBackendType(name string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return BackendTypePortAudio, nil
	case "portaudio":
		return BackendTypePortAudio, nil
	case "sim", "simulated":
		return BackendTypeSim, nil
	}
	return "", fmt.Errorf("unknown audio backend: %q (valid: portaudio, sim, auto)", name)
}

// GetAvailableBackends returns the backends compiled into this binary
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePortAudio, BackendTypeSim}
}
