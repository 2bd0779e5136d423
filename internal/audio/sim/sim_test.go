package sim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/audiolibrelab/jamloop/internal/audio"
)

func TestCaptureProducesDecodablePayload(t *testing.T) {
	backend, capture, _ := New(8000, 2, 1)
	ctx := context.Background()

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	capture.Feed(0.5)
	payload, err := capture.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	buf, err := backend.Decoder.Decode(ctx, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Frames() != 4000 || buf.Channels != 2 {
		t.Errorf("decoded %d frames, %d channels", buf.Frames(), buf.Channels)
	}
}

func TestCaptureEdgeCases(t *testing.T) {
	capture := NewCapture(8000, 1)
	ctx := context.Background()

	if _, err := capture.Stop(ctx); err == nil {
		t.Error("Stop without Start should fail")
	}

	capture.Feed(1)
	capture.Start(ctx)
	payload, err := capture.Stop(ctx)
	if err != nil || payload != nil {
		t.Errorf("empty capture = %d bytes, %v; want nil", len(payload), err)
	}

	boom := errors.New("boom")
	capture.FailNextStart(boom)
	if err := capture.Start(ctx); !errors.Is(err, boom) {
		t.Errorf("Start error = %v, want boom", err)
	}
	if capture.Recording() {
		t.Error("capture recording after failed start")
	}
}

func TestEngineAdvance(t *testing.T) {
	_, _, engine := New(1000, 1, 1)
	buf := audio.NewBuffer(1000, 1, 1000)
	for i := range buf.Samples {
		buf.Samples[i] = 0.1
	}
	v, _ := engine.NewVoice(buf)
	v.Connect()
	v.Sync()
	v.Start(0)

	if err := engine.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	engine.Start(0.5)
	out := engine.Advance(0.6)

	if len(out) != 600 {
		t.Fatalf("rendered %d samples, want 600", len(out))
	}
	if out[499] != 0.1 || out[500] != 0 {
		t.Errorf("buffer end at %v/%v, want audio until 0.5s into the block", out[499], out[500])
	}
	if got := engine.Position(); got != 1.1 {
		t.Errorf("position = %v, want 1.1", got)
	}
}

func TestCaptureInjectsIntoFedFrames(t *testing.T) {
	capture := NewCapture(1000, 1)
	ctx := context.Background()
	note := audio.NewBuffer(1000, 1, 100)
	for i := range note.Samples {
		note.Samples[i] = 0.25
	}

	if err := capture.Inject(note); err != nil {
		t.Fatalf("Inject while idle: %v", err)
	}
	capture.Start(ctx)
	capture.FeedSilence(0.05)
	if err := capture.Inject(note); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if err := capture.Inject(audio.NewBuffer(1000, 2, 10)); err == nil {
		t.Error("expected channel mismatch error")
	}
	capture.FeedSilence(0.2)
	payload, err := capture.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	buf, err := audio.WAVDecoder{}.Decode(ctx, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Frames() != 250 {
		t.Fatalf("frames = %d, want 250", buf.Frames())
	}
	for _, tc := range []struct {
		frame int
		want  float32
	}{{49, 0}, {50, 0.25}, {149, 0.25}, {150, 0}} {
		if got := buf.Frame(tc.frame, 0); math.Abs(float64(got-tc.want)) > 0.001 {
			t.Errorf("frame %d = %v, want %v", tc.frame, got, tc.want)
		}
	}
}
