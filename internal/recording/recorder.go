// Package recording implements the record toggle: arming a take against
// the transport and turning the captured payload into a timeline-anchored
// track.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/tracks"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

// Outcome describes what a toggle did.
type Outcome string

const (
	OutcomeArmed     Outcome = "armed"
	OutcomeFinalized Outcome = "finalized"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeIgnored   Outcome = "ignored"
)

var (
	// ErrEmptyCapture marks a take with no audio. The take is discarded
	// and Toggle does not return it.
	ErrEmptyCapture = errors.New("empty capture")
	// ErrRecordingDecode is matched by every DecodeError.
	ErrRecordingDecode = errors.New("recording decode failed")
)

// DecodeError reports a capture payload that could not be decoded.
type DecodeError struct {
	Track string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode recording for %s: %v", e.Track, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrRecordingDecode, e.Err}
}

// Session is the take in flight between arm and finalize.
type Session struct {
	TrackName   string
	StartOffset float64
	StartedAt   time.Time
}

// Result is returned by Toggle.
type Result struct {
	Outcome  Outcome `json:"outcome" yaml:"outcome"`
	Track    string  `json:"track,omitempty" yaml:"track,omitempty"`
	Offset   float64 `json:"offset_seconds" yaml:"offset_seconds"`
	Duration float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRewind makes the transport return to the take's start offset once
// the take completes. By default the position stays where recording left
// it.
func WithRewind(rewind bool) Option {
	return func(r *Recorder) {
		r.rewind = rewind
	}
}

// Recorder drives the record toggle. At most one session is live.
type Recorder struct {
	clock    *transport.Clock
	registry *tracks.Registry
	capturer audio.Capturer
	decoder  audio.Decoder
	rewind   bool
	now      func() time.Time

	mu      sync.Mutex
	session *Session
}

// New creates a recorder over the given transport and registry.
func New(clock *transport.Clock, registry *tracks.Registry, capturer audio.Capturer, decoder audio.Decoder, opts ...Option) *Recorder {
	r := &Recorder{
		clock:    clock,
		registry: registry,
		capturer: capturer,
		decoder:  decoder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns a copy of the live session, if any.
func (r *Recorder) Session() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// Toggle arms a take when the transport is OFF and finalizes it when
// RECORDING. Toggles while PLAYING or RECORDING_PROCESSING are ignored.
// Finalizing blocks on capture stop and decode; the recorder lock is not
// held meanwhile, so a concurrent toggle observes RECORDING_PROCESSING.
// Once capture stop begins the take runs to completion even if ctx is
// cancelled.
func (r *Recorder) Toggle(ctx context.Context) (Result, error) {
	r.mu.Lock()
	switch status := r.clock.Status(); status {
	case transport.StatusOff:
		defer r.mu.Unlock()
		return r.arm(ctx)
	case transport.StatusRecording:
		session := r.session
		if session == nil {
			r.mu.Unlock()
			slog.Warn("Transport recording without a session, stopping")
			return Result{Outcome: OutcomeIgnored}, r.clock.Stop()
		}
		r.clock.Process()
		r.mu.Unlock()
		return r.finalize(context.WithoutCancel(ctx), session)
	default:
		r.mu.Unlock()
		slog.Debug("Record toggle ignored", "status", status)
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (r *Recorder) arm(ctx context.Context) (Result, error) {
	offset := r.clock.Position()
	name := r.registry.NextName()

	if err := r.registry.Upsert(name, tracks.Pending(offset)); err != nil {
		return Result{}, fmt.Errorf("cannot register %s: %w", name, err)
	}
	if err := r.capturer.Start(ctx); err != nil {
		r.registry.Remove(name)
		return Result{}, fmt.Errorf("cannot start capture: %w", err)
	}
	ok, err := r.clock.Record()
	if !ok {
		// Either the driver failed or the transport left OFF meanwhile
		if _, serr := r.capturer.Stop(context.WithoutCancel(ctx)); serr != nil {
			slog.Error("Failed to stop capture", "error", serr)
		}
		r.registry.Remove(name)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIgnored}, nil
	}

	r.session = &Session{TrackName: name, StartOffset: offset, StartedAt: r.now()}
	slog.Info("Recording armed", "track", name, "offset", offset)
	return Result{Outcome: OutcomeArmed, Track: name, Offset: offset}, nil
}

func (r *Recorder) finalize(ctx context.Context, s *Session) (Result, error) {
	result := Result{Track: s.TrackName, Offset: s.StartOffset}

	payload, err := r.capturer.Stop(ctx)
	if err != nil {
		r.abort(s)
		return Result{}, fmt.Errorf("cannot stop capture for %s: %w", s.TrackName, err)
	}

	buf, err := r.decode(ctx, s, payload)
	if errors.Is(err, ErrEmptyCapture) {
		r.abort(s)
		slog.Info("Recording discarded, nothing captured", "track", s.TrackName)
		result.Outcome = OutcomeDiscarded
		return result, nil
	}
	if err != nil {
		r.abort(s)
		return Result{}, err
	}

	result.Duration = buf.Duration()
	padded := buf.PadLeading(s.StartOffset)
	if err := r.registry.Upsert(s.TrackName, tracks.Finalized(s.StartOffset, result.Duration, padded)); err != nil {
		r.abort(s)
		return Result{}, fmt.Errorf("cannot register %s: %w", s.TrackName, err)
	}

	r.complete(s)
	slog.Info("Recording finalized", "track", s.TrackName, "offset", s.StartOffset,
		"duration", result.Duration, "elapsed", r.now().Sub(s.StartedAt))
	result.Outcome = OutcomeFinalized
	return result, nil
}

func (r *Recorder) decode(ctx context.Context, s *Session, payload []byte) (*audio.Buffer, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyCapture
	}
	buf, err := r.decoder.Decode(ctx, payload)
	if err != nil {
		return nil, &DecodeError{Track: s.TrackName, Err: err}
	}
	if err := buf.Validate(); err != nil {
		return nil, &DecodeError{Track: s.TrackName, Err: err}
	}
	if buf.Frames() == 0 {
		return nil, ErrEmptyCapture
	}
	return buf, nil
}

// abort drops the placeholder and returns the transport to OFF.
func (r *Recorder) abort(s *Session) {
	r.registry.Remove(s.TrackName)
	r.complete(s)
}

func (r *Recorder) complete(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == s {
		r.session = nil
	}
	if err := r.clock.Stop(); err != nil {
		slog.Error("Failed to stop transport", "error", err)
	}
	if r.rewind {
		r.clock.Seek(s.StartOffset)
	}
}
