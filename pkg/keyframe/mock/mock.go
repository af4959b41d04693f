// Package mock provides an in-memory [keyframe.Flusher] for use in unit tests.
//
// The mock is safe for concurrent use. It records every take it receives so
// that tests can assert on call counts and contents.
//
// Typical usage:
//
//	f := &mock.Flusher{}
//	s, _ := keyframe.NewSession(cfg, f)
//	// … drive ticks …
//	takes := f.Takes()
package mock

import (
	"sync"

	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// Compile-time interface assertion.
var _ keyframe.Flusher = (*Flusher)(nil)

// Flusher is a mock implementation of [keyframe.Flusher].
type Flusher struct {
	mu sync.Mutex

	// OnFlush, when set, is called synchronously from Flush after the take
	// has been recorded.
	OnFlush func(keyframe.Take)

	takes []keyframe.Take
}

// Flush implements [keyframe.Flusher]. It records the take.
func (f *Flusher) Flush(t keyframe.Take) {
	f.mu.Lock()
	f.takes = append(f.takes, t)
	cb := f.OnFlush
	f.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// Takes returns a copy of the recorded takes in arrival order.
func (f *Flusher) Takes() []keyframe.Take {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]keyframe.Take, len(f.takes))
	copy(out, f.takes)
	return out
}

// CallCount returns how many times Flush was called.
func (f *Flusher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.takes)
}

// Reset forgets all recorded takes.
func (f *Flusher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takes = nil
}
