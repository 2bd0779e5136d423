package audio

import (
	"fmt"
	"sync"
)

// Injector is implemented by capturers that can mix generated audio into
// the take being recorded.
type Injector interface {
	// Inject mixes buf into the capture starting at the next captured
	// frame. It is a no-op when no capture is running.
	Inject(buf *Buffer) error
}

// Overdub holds injected audio until the capture reaches it. The zero
// value is ready to use.
type Overdub struct {
	mu       sync.Mutex
	channels int
	pending  []float32
}

// Add mixes buf into the pending audio. Overlapping injections are summed.
func (o *Overdub) Add(buf *Buffer) error {
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("cannot overdub: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > 0 && o.channels != buf.Channels {
		return fmt.Errorf("cannot overdub %d channels over %d", buf.Channels, o.channels)
	}
	o.channels = buf.Channels
	if len(buf.Samples) > len(o.pending) {
		o.pending = append(o.pending, make([]float32, len(buf.Samples)-len(o.pending))...)
	}
	for i, s := range buf.Samples {
		o.pending[i] += s
	}
	return nil
}

// Apply adds pending audio to freshly captured interleaved samples and
// drops what was consumed.
func (o *Overdub) Apply(in []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(in)
	if n > len(o.pending) {
		n = len(o.pending)
	}
	for i := 0; i < n; i++ {
		in[i] += o.pending[i]
	}
	o.pending = o.pending[n:]
}

// Reset discards pending audio.
func (o *Overdub) Reset() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}

// Pending returns the number of interleaved samples not yet applied.
func (o *Overdub) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
