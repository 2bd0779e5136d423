package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	wav "github.com/youpy/go-wav"
)

const wavBitsPerSample = 16

// EncodeWAV serializes a buffer as a 16-bit PCM WAV payload. This is the
// payload format produced by every Capturer in this module.
func EncodeWAV(b *Buffer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("cannot encode buffer: %w", err)
	}
	if b.Channels > 2 {
		return nil, fmt.Errorf("cannot encode %d channels, at most 2 are supported", b.Channels)
	}

	frames := b.Frames()
	var out bytes.Buffer
	w := wav.NewWriter(&out, uint32(frames), uint16(b.Channels), uint32(b.SampleRate), wavBitsPerSample)

	samples := make([]wav.Sample, frames)
	for i := range samples {
		for ch := 0; ch < b.Channels; ch++ {
			samples[i].Values[ch] = floatToPCM16(b.Samples[i*b.Channels+ch])
		}
	}
	if err := w.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("cannot write wav samples: %w", err)
	}
	return out.Bytes(), nil
}

func floatToPCM16(v float32) int {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(float64(v) * math.MaxInt16))
}

// WAVDecoder decodes WAV capture payloads into sample buffers.
type WAVDecoder struct{}

// Decode implements Decoder.
func (WAVDecoder) Decode(ctx context.Context, payload []byte) (*Buffer, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	r := wav.NewReader(bytes.NewReader(payload))
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("invalid wav header: %w", err)
	}
	if format.NumChannels == 0 || format.SampleRate == 0 {
		return nil, fmt.Errorf("invalid wav format: %d channels at %d Hz", format.NumChannels, format.SampleRate)
	}
	if format.NumChannels > 2 {
		return nil, fmt.Errorf("unsupported wav channel count: %d", format.NumChannels)
	}

	buf := &Buffer{
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := r.ReadSamples()
		for _, sample := range samples {
			for ch := 0; ch < buf.Channels; ch++ {
				buf.Samples = append(buf.Samples, float32(r.FloatValue(sample, uint(ch))))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot read wav samples: %w", err)
		}
		if len(samples) == 0 {
			break
		}
	}
	return buf, nil
}
