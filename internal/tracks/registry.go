// Package tracks owns the recorded tracks and their playback voices.
package tracks

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/jamloop/internal/audio"
	"github.com/audiolibrelab/jamloop/internal/notify"
)

// Kind distinguishes a placeholder from a track with audio.
type Kind string

const (
	KindPending   Kind = "pending"
	KindFinalized Kind = "finalized"
)

const namePrefix = "Track "

// Track is either a Pending placeholder inserted when recording begins or a
// Finalized take. Buffer is only set for finalized tracks and already
// contains OffsetSeconds of leading silence.
type Track struct {
	Kind            Kind          `json:"kind" yaml:"kind"`
	OffsetSeconds   float64       `json:"offset_seconds" yaml:"offset_seconds"`
	DurationSeconds float64       `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	Buffer          *audio.Buffer `json:"-" yaml:"-"`
}

// Pending returns a placeholder anchored at offset.
func Pending(offset float64) Track {
	return Track{Kind: KindPending, OffsetSeconds: offset}
}

// Finalized returns a playable track.
func Finalized(offset, duration float64, buf *audio.Buffer) Track {
	return Track{Kind: KindFinalized, OffsetSeconds: offset, DurationSeconds: duration, Buffer: buf}
}

// IsFinalized reports whether the track carries audio.
func (t Track) IsFinalized() bool {
	return t.Kind == KindFinalized
}

// Entry is a named track as published to observers.
type Entry struct {
	Name  string `json:"name" yaml:"name"`
	Track `yaml:",inline"`
}

// VoiceFactory creates playback voices.
type VoiceFactory interface {
	NewVoice(buf *audio.Buffer) (audio.Voice, error)
}

// Syncer slaves voices to the transport.
type Syncer interface {
	Attach(v audio.Voice) error
	Resync(v audio.Voice) error
}

// Registry is the ordered set of tracks. It exclusively owns one voice per
// finalized track.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	tracks  map[string]Track
	voices  map[string]audio.Voice
	highest int

	factory     VoiceFactory
	syncer      Syncer
	broadcaster *notify.Broadcaster[[]Entry]
}

// NewRegistry creates an empty registry.
func NewRegistry(factory VoiceFactory, syncer Syncer) *Registry {
	return &Registry{
		tracks:      make(map[string]Track),
		voices:      make(map[string]audio.Voice),
		factory:     factory,
		syncer:      syncer,
		broadcaster: notify.NewBroadcaster[[]Entry](8),
	}
}

// NextName allocates the next "Track N" name. Names are never handed out
// twice, even after removal.
func (r *Registry) NextName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tracks) + 1
	if r.highest+1 > n {
		n = r.highest + 1
	}
	r.highest = n
	return namePrefix + strconv.Itoa(n)
}

// Upsert inserts or replaces a track. A finalized track gets a synced voice
// on first registration; if its offset moved the voice is rebuilt from the
// new buffer and resynced.
func (r *Registry) Upsert(name string, track Track) error {
	if name == "" {
		return errors.New("track name must not be empty")
	}
	if track.IsFinalized() {
		if err := track.Buffer.Validate(); err != nil {
			return fmt.Errorf("track %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.upsertLocked(name, track); err != nil {
		return err
	}
	r.publishLocked()
	return nil
}

func (r *Registry) upsertLocked(name string, track Track) error {
	prev, existed := r.tracks[name]
	voice, hasVoice := r.voices[name]

	if track.IsFinalized() {
		switch {
		case !hasVoice:
			v, err := r.newVoice(track.Buffer)
			if err != nil {
				return fmt.Errorf("track %s: %w", name, err)
			}
			r.voices[name] = v
		case prev.OffsetSeconds != track.OffsetSeconds:
			slog.Warn("Track offset changed, resyncing voice", "track", name,
				"from", prev.OffsetSeconds, "to", track.OffsetSeconds)
			v, err := r.resyncVoice(name, voice, prev.Buffer, track.Buffer)
			if err != nil {
				return fmt.Errorf("track %s: %w", name, err)
			}
			r.voices[name] = v
		}
	} else if hasVoice {
		// Downgrading to a placeholder drops the audio
		disposeVoice(name, voice)
		delete(r.voices, name)
	}

	if !existed {
		r.order = append(r.order, name)
		r.noteName(name)
	}
	r.tracks[name] = track
	slog.Debug("Track registered", "track", name, "kind", track.Kind, "offset", track.OffsetSeconds)
	return nil
}

func (r *Registry) newVoice(buf *audio.Buffer) (audio.Voice, error) {
	v, err := r.factory.NewVoice(buf)
	if err != nil {
		return nil, err
	}
	if err := r.syncer.Attach(v); err != nil {
		if derr := v.Dispose(); derr != nil {
			slog.Error("Failed to dispose voice", "error", derr)
		}
		return nil, err
	}
	return v, nil
}

// resyncVoice restarts a voice after its offset moved. A voice can only
// play the buffer it was created from, so a new buffer means a new voice.
// When the new voice cannot be built the old one is reattached and keeps
// playing.
func (r *Registry) resyncVoice(name string, old audio.Voice, oldBuf, newBuf *audio.Buffer) (audio.Voice, error) {
	if oldBuf == newBuf {
		if err := r.syncer.Resync(old); err != nil {
			return nil, err
		}
		return old, nil
	}
	if err := old.Stop(); err != nil {
		slog.Warn("Failed to stop voice", "track", name, "error", err)
	}
	if err := old.Unsync(); err != nil {
		slog.Warn("Failed to unsync voice", "track", name, "error", err)
	}
	v, err := r.newVoice(newBuf)
	if err != nil {
		if rerr := r.syncer.Attach(old); rerr != nil {
			slog.Error("Failed to restore voice", "track", name, "error", rerr)
		}
		return nil, err
	}
	disposeVoice(name, old)
	return v, nil
}

func disposeVoice(name string, v audio.Voice) {
	if err := v.Dispose(); err != nil {
		slog.Error("Failed to dispose voice", "track", name, "error", err)
	}
}

// noteName keeps NextName ahead of any externally chosen "Track N" name.
func (r *Registry) noteName(name string) {
	if !strings.HasPrefix(name, namePrefix) {
		return
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(name, namePrefix)); err == nil && n > r.highest {
		r.highest = n
	}
}

// Remove deletes a track and disposes its voice. It reports whether the
// track existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[name]; !ok {
		return false
	}
	delete(r.tracks, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if v, ok := r.voices[name]; ok {
		disposeVoice(name, v)
		delete(r.voices, name)
	}

	slog.Debug("Track removed", "track", name)
	r.publishLocked()
	return true
}

// Get returns the named track.
func (r *Registry) Get(name string) (Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[name]
	return t, ok
}

// List returns the tracks in creation order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Entry {
	entries := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, Entry{Name: name, Track: r.tracks[name]})
	}
	return entries
}

// Count returns the number of tracks, pending ones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// VoiceCount returns the number of live voices.
func (r *Registry) VoiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voices)
}

// Voice returns the voice playing the named track.
func (r *Registry) Voice(name string) (audio.Voice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.voices[name]
	return v, ok
}

// Subscribe registers an observer of the track list.
func (r *Registry) Subscribe() *notify.Listener[[]Entry] {
	return r.broadcaster.Subscribe()
}

// Unsubscribe removes an observer registered with Subscribe.
func (r *Registry) Unsubscribe(l *notify.Listener[[]Entry]) {
	r.broadcaster.Unsubscribe(l)
}

// Close disposes every voice. Track entries are kept.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, v := range r.voices {
		disposeVoice(name, v)
		delete(r.voices, name)
	}
}

// publishLocked sends the list to observers in mutation order.
func (r *Registry) publishLocked() {
	r.broadcaster.Publish(r.listLocked())
}
