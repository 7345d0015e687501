package heartbeat

import (
	"sync"
	"time"

	"github.com/avlonitis/vigil/internal/clock"
)

// SlidingWindow is a per-hour call limiter for the advisory oracle.
type SlidingWindow struct {
	max    int
	window time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	calls []time.Time
}

// NewSlidingWindow creates a limiter allowing max calls per window.
func NewSlidingWindow(max int, window time.Duration, clk clock.Clock) *SlidingWindow {
	return &SlidingWindow{max: max, window: window, clock: clk}
}

// Allow reports whether a call may proceed now and records it if so.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.window)

	kept := w.calls[:0]
	for _, t := range w.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.calls = kept

	if len(w.calls) >= w.max {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}
