package audio

import (
	"fmt"
	"math"
)

// Buffer holds interleaved float samples in the range [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// NewBuffer allocates a silent buffer of the given number of frames.
func NewBuffer(sampleRate, channels, frames int) *Buffer {
	if frames < 0 {
		frames = 0
	}
	return &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    make([]float32, frames*channels),
	}
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Validate reports whether the buffer header is usable.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("nil buffer")
	}
	if b.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", b.SampleRate)
	}
	if b.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", b.Channels)
	}
	if len(b.Samples)%b.Channels != 0 {
		return fmt.Errorf("sample count %d is not a multiple of %d channels", len(b.Samples), b.Channels)
	}
	return nil
}

// FramesFor converts seconds into a whole number of frames at sampleRate.
func FramesFor(seconds float64, sampleRate int) int {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(math.Round(seconds * float64(sampleRate)))
}

// PadLeading returns a new buffer with seconds of silence prepended.
// The receiver is left untouched.
func (b *Buffer) PadLeading(seconds float64) *Buffer {
	pad := FramesFor(seconds, b.SampleRate)
	out := NewBuffer(b.SampleRate, b.Channels, pad+b.Frames())
	copy(out.Samples[pad*b.Channels:], b.Samples)
	return out
}

// TrimFrames copies interleaved samples without their first frames.
func TrimFrames(samples []float32, frames, channels int) []float32 {
	skip := frames * channels
	if skip < 0 {
		skip = 0
	}
	if skip >= len(samples) {
		return nil
	}
	return append([]float32(nil), samples[skip:]...)
}

// Frame returns the sample at frame i for channel ch. Buffers with fewer
// channels than requested repeat their last channel.
func (b *Buffer) Frame(i, ch int) float32 {
	if ch >= b.Channels {
		ch = b.Channels - 1
	}
	return b.Samples[i*b.Channels+ch]
}
