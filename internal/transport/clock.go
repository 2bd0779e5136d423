package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/notify"
)

// Status represents the current state of the transport
type Status string

const (
	StatusOff        Status = "OFF"
	StatusRecording  Status = "RECORDING"
	StatusProcessing Status = "RECORDING_PROCESSING"
	StatusPlaying    Status = "PLAYING"
)

// ErrInvalidTempo is returned by SetTempo for values that are not positive
// finite numbers.
var ErrInvalidTempo = errors.New("tempo must be positive")

// State is a snapshot of the transport published to observers.
type State struct {
	Status   Status  `json:"status" yaml:"status"`
	Position float64 `json:"position_seconds" yaml:"position_seconds"`
	Tempo    float64 `json:"tempo_bpm" yaml:"tempo_bpm"`
}

// Beats returns the snapshot position in beats.
func (s State) Beats() float64 {
	return s.Position * s.Tempo / 60
}

// Poller runs the position poll loop for a transport mode. Begin must not
// block.
type Poller interface {
	Begin(mode Status)
}

// Clock is the authoritative timeline. All mutation goes through its
// methods; seeks are only honoured while the status is OFF. Snapshots are
// published while the lock is held so observers see them in order.
type Clock struct {
	mu       sync.RWMutex
	status   Status
	position float64
	tempo    float64

	driver      audio.Driver
	poller      Poller
	broadcaster *notify.Broadcaster[State]
}

// New creates a stopped clock at position zero.
func New(driver audio.Driver, tempo float64) (*Clock, error) {
	if !validTempo(tempo) {
		return nil, fmt.Errorf("cannot create clock: %w", ErrInvalidTempo)
	}
	return &Clock{
		status:      StatusOff,
		tempo:       tempo,
		driver:      driver,
		broadcaster: notify.NewBroadcaster[State](16),
	}, nil
}

// SetPoller installs the poll loop started on every PLAYING or RECORDING
// transition.
func (c *Clock) SetPoller(p Poller) {
	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
}

// Start moves OFF -> PLAYING at fromSeconds and starts the driver. It
// reports false without error when the clock is not OFF.
func (c *Clock) Start(fromSeconds float64) (bool, error) {
	c.mu.Lock()
	if c.status != StatusOff {
		c.mu.Unlock()
		return false, nil
	}
	if !isFinite(fromSeconds) {
		fromSeconds = c.position
	}
	fromSeconds = math.Max(0, fromSeconds)
	if err := c.driver.Start(fromSeconds); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("cannot start transport driver: %w", err)
	}
	c.status = StatusPlaying
	c.position = fromSeconds
	poller := c.poller
	c.publishLocked()
	c.mu.Unlock()

	slog.Debug("Transport started", "position", fromSeconds)
	if poller != nil {
		poller.Begin(StatusPlaying)
	}
	return true, nil
}

// Stop returns the clock to OFF, keeping the last sampled position. The
// driver is stopped when it was running, that is while PLAYING or
// RECORDING.
func (c *Clock) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.status
	if prev == StatusOff {
		return nil
	}
	c.status = StatusOff
	c.publishLocked()

	slog.Debug("Transport stopped", "from", prev, "position", c.position)
	if prev == StatusPlaying || prev == StatusRecording {
		if err := c.driver.Stop(); err != nil {
			return fmt.Errorf("cannot stop transport driver: %w", err)
		}
	}
	return nil
}

// Record moves OFF -> RECORDING and starts the driver at the current
// position, so finished tracks are heard while the take is captured. The
// position itself follows wall-clock time. It reports false without error
// when the clock is not OFF.
func (c *Clock) Record() (bool, error) {
	c.mu.Lock()
	if c.status != StatusOff {
		c.mu.Unlock()
		return false, nil
	}
	if err := c.driver.Start(c.position); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("cannot start transport driver: %w", err)
	}
	c.status = StatusRecording
	poller := c.poller
	c.publishLocked()
	c.mu.Unlock()

	if poller != nil {
		poller.Begin(StatusRecording)
	}
	return true, nil
}

// Process moves RECORDING -> RECORDING_PROCESSING and stops the driver.
func (c *Clock) Process() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRecording {
		return false
	}
	c.status = StatusProcessing
	c.publishLocked()
	if err := c.driver.Stop(); err != nil {
		slog.Warn("Failed to stop transport driver", "error", err)
	}
	return true
}

// Seek sets the position, clamped at zero. It reports false and leaves the
// clock untouched unless the status is OFF and the target is finite.
func (c *Clock) Seek(seconds float64) bool {
	return c.seek(func(float64) float64 { return seconds })
}

// Advance moves the position forward by delta seconds while OFF.
func (c *Clock) Advance(delta float64) bool {
	return c.seek(func(pos float64) float64 { return pos + delta })
}

// Retreat moves the position back by delta seconds while OFF, stopping at
// zero.
func (c *Clock) Retreat(delta float64) bool {
	return c.seek(func(pos float64) float64 { return pos - delta })
}

func (c *Clock) seek(next func(float64) float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOff {
		slog.Debug("Seek ignored", "status", c.status)
		return false
	}
	target := next(c.position)
	if !isFinite(target) {
		slog.Debug("Seek ignored", "target", target)
		return false
	}
	c.position = math.Max(0, target)
	c.publishLocked()
	return true
}

// Sample lets the poll loop publish a new position. The update is applied
// only if the clock is still in mode; false tells the loop to terminate.
// A non-finite sample leaves the position where it was.
func (c *Clock) Sample(mode Status, next func(current float64) float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != mode {
		return false
	}
	if pos := next(c.position); isFinite(pos) {
		c.position = math.Max(0, pos)
	}
	c.publishLocked()
	return true
}

// SetTempo changes the tempo used for beat conversions. Track offsets are
// stored in seconds and do not move.
func (c *Clock) SetTempo(bpm float64) error {
	if !validTempo(bpm) {
		return fmt.Errorf("%w: %v", ErrInvalidTempo, bpm)
	}
	c.mu.Lock()
	c.tempo = bpm
	c.publishLocked()
	c.mu.Unlock()
	return nil
}

func (c *Clock) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Clock) Position() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Clock) Tempo() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tempo
}

// Snapshot returns the current state.
func (c *Clock) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Beats returns the current position in beats.
func (c *Clock) Beats() float64 {
	return c.Snapshot().Beats()
}

// SecondsToBeats converts at the current tempo.
func (c *Clock) SecondsToBeats(seconds float64) float64 {
	return seconds * c.Tempo() / 60
}

// BeatsToSeconds converts at the current tempo.
func (c *Clock) BeatsToSeconds(beats float64) float64 {
	return beats * 60 / c.Tempo()
}

// Subscribe registers an observer of state changes.
func (c *Clock) Subscribe() *notify.Listener[State] {
	return c.broadcaster.Subscribe()
}

// Unsubscribe removes an observer registered with Subscribe.
func (c *Clock) Unsubscribe(l *notify.Listener[State]) {
	c.broadcaster.Unsubscribe(l)
}

func (c *Clock) snapshotLocked() State {
	return State{Status: c.status, Position: c.position, Tempo: c.tempo}
}

// publishLocked sends the current state to observers. Publish never
// blocks, so it is safe under c.mu.
func (c *Clock) publishLocked() {
	c.broadcaster.Publish(c.snapshotLocked())
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validTempo(bpm float64) bool {
	return isFinite(bpm) && bpm > 0
}
