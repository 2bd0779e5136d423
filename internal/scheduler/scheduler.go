// Package scheduler keeps playback voices and the visible transport
// position in step with the audio engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/transport"
)

// Scheduler starts voices against the transport and runs the poll loop
// that republishes the transport position while playing or recording.
type Scheduler struct {
	clock    *transport.Clock
	engine   audio.Engine
	interval time.Duration
	warmup   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	gen  uint64
	done chan struct{}
}

// New creates a scheduler and installs it as the clock's poller.
func New(clock *transport.Clock, engine audio.Engine, interval, warmup time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second / 60
	}
	s := &Scheduler{
		clock:    clock,
		engine:   engine,
		interval: interval,
		warmup:   warmup,
		now:      time.Now,
	}
	clock.SetPoller(s)
	return s
}

// Attach connects a fresh voice, slaves it to the transport and starts it
// at timeline zero. Buffers carry their offset as leading silence, so every
// voice shares the same start instant.
func (s *Scheduler) Attach(v audio.Voice) error {
	if err := v.Connect(); err != nil {
		return fmt.Errorf("cannot connect voice: %w", err)
	}
	if err := v.Sync(); err != nil {
		return fmt.Errorf("cannot sync voice: %w", err)
	}
	if err := v.Start(0); err != nil {
		return fmt.Errorf("cannot start voice: %w", err)
	}
	return nil
}

// Resync stops and unslaves a voice, then slaves and restarts it.
func (s *Scheduler) Resync(v audio.Voice) error {
	if err := v.Stop(); err != nil {
		return fmt.Errorf("cannot stop voice: %w", err)
	}
	if err := v.Unsync(); err != nil {
		return fmt.Errorf("cannot unsync voice: %w", err)
	}
	if err := v.Sync(); err != nil {
		return fmt.Errorf("cannot sync voice: %w", err)
	}
	if err := v.Start(0); err != nil {
		return fmt.Errorf("cannot restart voice: %w", err)
	}
	return nil
}

// Toggle flips between OFF and PLAYING. From OFF it waits for the engine to
// warm up and starts at the current position. It reports whether the
// transport changed; other statuses are ignored.
func (s *Scheduler) Toggle(ctx context.Context) (bool, error) {
	switch s.clock.Status() {
	case transport.StatusOff:
		readyCtx := ctx
		if s.warmup > 0 {
			var cancel context.CancelFunc
			readyCtx, cancel = context.WithTimeout(ctx, s.warmup)
			defer cancel()
		}
		if err := s.engine.Ready(readyCtx); err != nil {
			return false, fmt.Errorf("audio engine not ready: %w", err)
		}
		return s.clock.Start(s.clock.Position())
	case transport.StatusPlaying:
		if err := s.clock.Stop(); err != nil {
			return false, err
		}
		return true, nil
	default:
		slog.Debug("Play toggle ignored", "status", s.clock.Status())
		return false, nil
	}
}

// Begin implements transport.Poller. Any loop started earlier exits at its
// next tick.
func (s *Scheduler) Begin(mode transport.Status) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(gen, mode, done)
}

// Done returns a channel closed when the most recent poll loop exits.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Close terminates any running poll loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Scheduler) loop(gen uint64, mode transport.Status, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.now()
	slog.Debug("Poll loop started", "mode", mode, "interval", s.interval)
	for range ticker.C {
		if !s.current(gen) || !s.tick(mode, &last) {
			slog.Debug("Poll loop stopped", "mode", mode)
			return
		}
	}
}

// tick samples the transport once. It returns false when the clock has left
// mode and the loop should end.
func (s *Scheduler) tick(mode transport.Status, last *time.Time) bool {
	switch mode {
	case transport.StatusPlaying:
		return s.clock.Sample(mode, func(float64) float64 {
			return s.engine.Position()
		})
	case transport.StatusRecording:
		now := s.now()
		delta := now.Sub(*last).Seconds()
		*last = now
		return s.clock.Sample(mode, func(cur float64) float64 {
			return cur + delta
		})
	default:
		return false
	}
}
