package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/audio/sim"
	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/audiolibrelab/jamloop/internal/recording"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

func newTestLooper(t *testing.T) (*Looper, *sim.Capture, *sim.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Backend = "sim"
	cfg.Audio.SampleRate = 8000
	cfg.Transport.PollRateHz = 500

	backend, capture, engine := sim.New(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Volume())
	looper, err := New(cfg, backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { looper.Close() })
	return looper, capture, engine
}

func TestNewRejectsIncompleteBackend(t *testing.T) {
	if _, err := New(config.Default(), audio.Backend{}); err == nil {
		t.Error("expected error for empty backend")
	}
}

func TestRecordPlayCycle(t *testing.T) {
	looper, capture, _ := newTestLooper(t)
	ctx := context.Background()

	res, err := looper.Record(ctx)
	if err != nil || res.Outcome != recording.OutcomeArmed {
		t.Fatalf("arm = %+v, %v", res, err)
	}
	capture.Feed(1)
	res, err = looper.Record(ctx)
	if err != nil || res.Outcome != recording.OutcomeFinalized {
		t.Fatalf("finalize = %+v, %v", res, err)
	}

	entries := looper.Tracks()
	if len(entries) != 1 || entries[0].Name != "Track 1" || !entries[0].IsFinalized() {
		t.Fatalf("tracks = %+v", entries)
	}
	if looper.Voices() != 1 {
		t.Errorf("voices = %d, want 1", looper.Voices())
	}

	st, err := looper.Play(ctx)
	if err != nil || st.Status != transport.StatusPlaying {
		t.Fatalf("play = %+v, %v", st, err)
	}
	if looper.Seek(3) {
		t.Error("seek applied while playing")
	}
	st, err = looper.Play(ctx)
	if err != nil || st.Status != transport.StatusOff {
		t.Fatalf("stop = %+v, %v", st, err)
	}

	if !looper.RemoveTrack("Track 1") {
		t.Error("RemoveTrack reported missing track")
	}
	if looper.Voices() != 0 || len(looper.Tracks()) != 0 {
		t.Error("track or voice left after removal")
	}
}

func TestLastErrorTracking(t *testing.T) {
	looper, capture, engine := newTestLooper(t)
	ctx := context.Background()

	engine.FailReady(errors.New("no output device"))
	if _, err := looper.Play(ctx); err == nil {
		t.Fatal("expected play error")
	}
	if looper.GetLastError() == "" {
		t.Error("last error not recorded")
	}

	engine.FailReady(nil)
	if _, err := looper.Play(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := looper.GetLastError(); got != "" {
		t.Errorf("last error = %q after success", got)
	}
	looper.Play(ctx)

	looper.Record(ctx)
	capture.SetNextPayload([]byte("garbage"))
	if _, err := looper.Record(ctx); !errors.Is(err, recording.ErrRecordingDecode) {
		t.Fatalf("error = %v, want ErrRecordingDecode", err)
	}
	if looper.GetLastError() == "" {
		t.Error("decode error not recorded")
	}
	if got := looper.State().Status; got != transport.StatusOff {
		t.Errorf("status = %s, want OFF", got)
	}

	if err := looper.SetTempo(0); !errors.Is(err, transport.ErrInvalidTempo) {
		t.Errorf("SetTempo(0) = %v", err)
	}
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(float64(s)))
	}
	return p
}

func TestNotePlaysThroughOutput(t *testing.T) {
	looper, _, engine := newTestLooper(t)

	if err := looper.Note(context.Background(), "A4", 0.25); err != nil {
		t.Fatalf("Note: %v", err)
	}
	if got := peak(engine.Advance(0.2)); got < 0.4 {
		t.Errorf("note peak = %v, want about 0.5", got)
	}
	engine.Advance(0.5)
	if engine.VoiceCount() != 0 {
		t.Errorf("voices = %d after the note ended, want 0", engine.VoiceCount())
	}
	if engine.Running() {
		t.Error("note must not start the transport")
	}
}

func TestNoteIsRecordedIntoTake(t *testing.T) {
	looper, capture, _ := newTestLooper(t)
	ctx := context.Background()

	looper.Record(ctx)
	capture.FeedSilence(0.1)
	if err := looper.Note(ctx, "A4", 0.5); err != nil {
		t.Fatalf("Note: %v", err)
	}
	capture.FeedSilence(1)
	if res, err := looper.Record(ctx); err != nil || res.Outcome != recording.OutcomeFinalized {
		t.Fatalf("finalize = %+v, %v", res, err)
	}

	entries := looper.Tracks()
	if len(entries) != 1 {
		t.Fatalf("tracks = %+v", entries)
	}
	buf := entries[0].Buffer
	if got := peak(buf.Samples[:800]); got != 0 {
		t.Errorf("audio before the note = %v, want silence", got)
	}
	if got := peak(buf.Samples[800:]); got < 0.4 || got > 0.51 {
		t.Errorf("recorded note peak = %v, want about 0.5", got)
	}
}

func TestNoteRejectsInvalidInput(t *testing.T) {
	looper, _, engine := newTestLooper(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		seconds float64
	}{{"H2", 0.5}, {"A4", 0}, {"A4", math.NaN()}} {
		if err := looper.Note(ctx, tc.name, tc.seconds); err == nil {
			t.Errorf("Note(%q, %v) should fail", tc.name, tc.seconds)
		}
	}
	if looper.GetLastError() == "" {
		t.Error("invalid note not recorded as last error")
	}
	if engine.VoiceCount() != 0 {
		t.Errorf("voices = %d, want 0", engine.VoiceCount())
	}
}

func TestRemoveTrackRefusesLiveTake(t *testing.T) {
	looper, _, _ := newTestLooper(t)
	res, _ := looper.Record(context.Background())

	if looper.RemoveTrack(res.Track) {
		t.Error("removed the track being recorded")
	}
	if len(looper.Tracks()) != 1 {
		t.Errorf("tracks = %d, want the pending take", len(looper.Tracks()))
	}
}

func TestSubscriptions(t *testing.T) {
	looper, _, _ := newTestLooper(t)

	states, cancelState := looper.SubscribeState()
	trackLists, cancelTracks := looper.SubscribeTracks()

	looper.Advance(2)
	select {
	case st := <-states:
		if st.Position != 2 {
			t.Errorf("published position = %v, want 2", st.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}

	looper.Record(context.Background())
	select {
	case list := <-trackLists:
		if len(list) != 1 || list[0].OffsetSeconds != 2 {
			t.Errorf("published tracks = %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no track list published")
	}

	cancelState()
	cancelTracks()
	// Cancelling closes the channel once buffered values are drained
	for range trackLists {
	}
}
