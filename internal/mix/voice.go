package mix

import (
	"github.com/audiolibrelab/jamloop/internal/audio"
)

// Voice plays one buffer through a Mixer. All state is guarded by the
// owning mixer's lock.
type Voice struct {
	mixer *Mixer
	buf   *audio.Buffer

	connected bool
	synced    bool
	started   bool
	disposed  bool
	oneShot   bool // released by the mixer after one pass

	startFrame int64 // timeline frame of buffer frame 0 when synced
	cursor     int   // next buffer frame when free-running
}

// Connect routes the voice to the mixer output.
func (v *Voice) Connect() error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.disposed {
		return audio.ErrVoiceDisposed
	}
	v.connected = true
	return nil
}

// Start schedules playback. A synced voice treats at as the timeline
// position of its first frame; a free-running voice starts at offset at
// into its buffer immediately.
func (v *Voice) Start(at float64) error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.disposed {
		return audio.ErrVoiceDisposed
	}
	frame := audio.FramesFor(at, v.buf.SampleRate)
	if v.synced {
		v.startFrame = int64(frame)
	} else {
		v.cursor = frame
	}
	v.started = true
	return nil
}

// Stop silences the voice until it is started again.
func (v *Voice) Stop() error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.disposed {
		return audio.ErrVoiceDisposed
	}
	v.started = false
	return nil
}

// Sync slaves the voice to the mixer transport.
func (v *Voice) Sync() error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.disposed {
		return audio.ErrVoiceDisposed
	}
	v.synced = true
	return nil
}

// Unsync makes the voice free-running.
func (v *Voice) Unsync() error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.disposed {
		return audio.ErrVoiceDisposed
	}
	v.synced = false
	return nil
}

// Synced reports whether the voice follows the transport.
func (v *Voice) Synced() bool {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.synced
}

// Started reports whether the voice has been started and not stopped.
func (v *Voice) Started() bool {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.started
}

// Connected reports whether the voice is routed to the output.
func (v *Voice) Connected() bool {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.connected
}

// Disposed reports whether the voice has been released.
func (v *Voice) Disposed() bool {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.disposed
}

// Buffer returns the bound buffer, or nil once disposed.
func (v *Voice) Buffer() *audio.Buffer {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.buf
}

// Dispose removes the voice from the mixer and drops its buffer.
// Disposing twice is a no-op.
func (v *Voice) Dispose() error {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if !v.disposed {
		v.release()
	}
	return nil
}

// release requires the mixer lock.
func (v *Voice) release() {
	delete(v.mixer.voices, v)
	v.disposed = true
	v.started = false
	v.connected = false
	v.buf = nil
}

func (v *Voice) render(out []float32, frames, channels int, transportFrame int64, running bool) {
	if !v.connected || !v.started || v.buf == nil {
		return
	}
	total := v.buf.Frames()

	if v.synced {
		if !running {
			return
		}
		base := transportFrame - v.startFrame
		for i := 0; i < frames; i++ {
			idx := base + int64(i)
			if idx < 0 {
				continue
			}
			if idx >= int64(total) {
				break
			}
			for ch := 0; ch < channels; ch++ {
				out[i*channels+ch] += v.buf.Frame(int(idx), ch)
			}
		}
		return
	}

	for i := 0; i < frames; i++ {
		if v.cursor >= total {
			v.started = false
			return
		}
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] += v.buf.Frame(v.cursor, ch)
		}
		v.cursor++
	}
}
