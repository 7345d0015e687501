// Package heartbeat implements the open-position supervisor: a per-symbol
// ring of observation ticks, trigger evaluation with cooldowns, hard circuit
// breakers, and a rate-limited advisory layer.
package heartbeat

import "time"

// Ring capacity bounds.
const (
	minRingCapacity = 10
	maxRingCapacity = 1000
)

// Tick is one observation of a position.
type Tick struct {
	Time           time.Time
	Mark           float64
	PnLPctOfEquity float64  // unrealized PnL as percent of account equity
	LiqDistPct     float64  // distance to liquidation, percent of mark
	FundingRate    float64  // current absolute funding rate
	StopDistPct    *float64 // distance from mark to stop, percent; nil without a stop
	TPDistPct      *float64 // distance from mark to take-profit, percent
}

// Ring is a bounded FIFO of ticks, oldest first. Owned by the heartbeat loop;
// not safe for concurrent use.
type Ring struct {
	buf   []Tick
	start int
	count int
}

// NewRing creates a ring with the capacity clamped to [10, 1000].
func NewRing(capacity int) *Ring {
	if capacity < minRingCapacity {
		capacity = minRingCapacity
	}
	if capacity > maxRingCapacity {
		capacity = maxRingCapacity
	}
	return &Ring{buf: make([]Tick, capacity)}
}

// Append adds a tick, evicting the oldest when full.
func (r *Ring) Append(t Tick) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = t
		r.count++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored ticks.
func (r *Ring) Len() int {
	return r.count
}

// Points returns the stored ticks, oldest first.
func (r *Ring) Points() []Tick {
	out := make([]Tick, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Last returns the most recent tick, or nil when empty.
func (r *Ring) Last() *Tick {
	if r.count == 0 {
		return nil
	}
	t := r.buf[(r.start+r.count-1)%len(r.buf)]
	return &t
}
