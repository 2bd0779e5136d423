package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/config"
	"github.com/audiolibrelab/jamloop/internal/recording"
	"github.com/audiolibrelab/jamloop/internal/scheduler"
	"github.com/audiolibrelab/jamloop/internal/synth"
	"github.com/audiolibrelab/jamloop/internal/tracks"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

// Service represents the looper command surface shared by the console and
// the HTTP server
type Service interface {
	// Transport operations
	Record(ctx context.Context) (recording.Result, error)
	Play(ctx context.Context) (transport.State, error)
	Seek(seconds float64) bool
	Advance(delta float64) bool
	Retreat(delta float64) bool
	SetTempo(bpm float64) error
	Note(ctx context.Context, name string, seconds float64) error

	// Track operations
	RemoveTrack(name string) bool
	Tracks() []tracks.Entry
	Voices() int

	// Observation
	State() transport.State
	SubscribeState() (<-chan transport.State, func())
	SubscribeTracks() (<-chan []tracks.Entry, func())

	// Information operations
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// Looper is the main service implementation
type Looper struct {
	cfg      *config.Config
	backend  audio.Backend
	clock    *transport.Clock
	sched    *scheduler.Scheduler
	registry *tracks.Registry
	recorder *recording.Recorder
	synth    *synth.Synth

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New wires the transport, registry, scheduler and recorder over backend.
func New(cfg *config.Config, backend audio.Backend) (*Looper, error) {
	if backend.Engine == nil || backend.Capturer == nil || backend.Decoder == nil {
		return nil, errors.New("incomplete audio backend")
	}

	clock, err := transport.New(backend.Engine, cfg.Transport.TempoBPM)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	sched := scheduler.New(clock, backend.Engine, cfg.PollInterval(), cfg.Audio.WarmupTimeout)
	registry := tracks.NewRegistry(backend.Engine, sched)
	recorder := recording.New(clock, registry, backend.Capturer, backend.Decoder,
		recording.WithRewind(cfg.RewindsAfterRecord()))

	voice, err := synth.New(cfg.Audio.SampleRate, cfg.Audio.Channels,
		cfg.Synth.Waveform, cfg.Synth.Attack, cfg.Synth.Release)
	if err != nil {
		return nil, fmt.Errorf("failed to create synth: %w", err)
	}

	slog.Debug("Looper created", "backend", backend.Type, "tempo", cfg.Transport.TempoBPM,
		"poll_interval", cfg.PollInterval())

	return &Looper{
		cfg:      cfg,
		backend:  backend,
		clock:    clock,
		sched:    sched,
		registry: registry,
		recorder: recorder,
		synth:    voice,
	}, nil
}

// Record toggles recording: arm when stopped, finalize when recording
func (s *Looper) Record(ctx context.Context) (recording.Result, error) {
	res, err := s.recorder.Toggle(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", err))
		return res, err
	}
	if res.Outcome != recording.OutcomeIgnored {
		s.clearLastError()
	}
	return res, nil
}

// Play toggles playback and returns the resulting transport state
func (s *Looper) Play(ctx context.Context) (transport.State, error) {
	if _, err := s.sched.Toggle(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Playback failed: %v", err))
		return s.clock.Snapshot(), err
	}
	s.clearLastError()
	return s.clock.Snapshot(), nil
}

// Seek moves the transport while stopped. It reports false if the
// transport is running.
func (s *Looper) Seek(seconds float64) bool {
	return s.clock.Seek(seconds)
}

func (s *Looper) Advance(delta float64) bool {
	return s.clock.Advance(delta)
}

func (s *Looper) Retreat(delta float64) bool {
	return s.clock.Retreat(delta)
}

// SetTempo changes the tempo used for beat display
func (s *Looper) SetTempo(bpm float64) error {
	if err := s.clock.SetTempo(bpm); err != nil {
		s.setLastError(fmt.Sprintf("Invalid tempo: %v", err))
		return err
	}
	return nil
}

// Note plays a synth note through the output. While a take is recording
// the note is also mixed into the capture.
func (s *Looper) Note(ctx context.Context, name string, seconds float64) error {
	freq, err := synth.ParseNote(name)
	if err != nil {
		s.setLastError(fmt.Sprintf("Invalid note: %v", err))
		return err
	}
	buf, err := s.synth.Render(freq, seconds)
	if err != nil {
		s.setLastError(fmt.Sprintf("Invalid note: %v", err))
		return err
	}
	if err := s.backend.Engine.Ready(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Note failed: %v", err))
		return err
	}
	if err := s.backend.Engine.PlayOnce(buf); err != nil {
		s.setLastError(fmt.Sprintf("Note failed: %v", err))
		return err
	}
	if injector, ok := s.backend.Capturer.(audio.Injector); ok && s.clock.Snapshot().Status == transport.StatusRecording {
		if err := injector.Inject(buf); err != nil {
			s.setLastError(fmt.Sprintf("Note not recorded: %v", err))
			return err
		}
	}
	slog.Debug("Note played", "note", name, "frequency", freq, "seconds", seconds)
	return nil
}

// RemoveTrack deletes a track and releases its voice
func (s *Looper) RemoveTrack(name string) bool {
	if session, ok := s.recorder.Session(); ok && session.TrackName == name {
		slog.Warn("Refusing to remove the track being recorded", "track", name)
		return false
	}
	return s.registry.Remove(name)
}

func (s *Looper) Tracks() []tracks.Entry {
	return s.registry.List()
}

// Voices returns the number of live playback voices
func (s *Looper) Voices() int {
	return s.registry.VoiceCount()
}

func (s *Looper) State() transport.State {
	return s.clock.Snapshot()
}

// SubscribeState streams transport snapshots until cancel is called
func (s *Looper) SubscribeState() (<-chan transport.State, func()) {
	l := s.clock.Subscribe()
	return l.C, func() { s.clock.Unsubscribe(l) }
}

// SubscribeTracks streams the track list until cancel is called
func (s *Looper) SubscribeTracks() (<-chan []tracks.Entry, func()) {
	l := s.registry.Subscribe()
	return l.C, func() { s.registry.Unsubscribe(l) }
}

// GetConfig returns the current configuration
func (s *Looper) GetConfig() *config.Config {
	return s.cfg
}

// Close stops the transport, releases every voice and closes the backend
func (s *Looper) Close() error {
	if err := s.clock.Stop(); err != nil {
		slog.Warn("Failed to stop transport on close", "error", err)
	}
	s.sched.Close()
	s.registry.Close()
	if s.backend.Close != nil {
		if err := s.backend.Close(); err != nil {
			return fmt.Errorf("failed to close audio backend: %w", err)
		}
	}
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (s *Looper) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *Looper) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *Looper) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
