// Package eventscan debounces externally-triggered discovery scans. State is
// in-memory only; losing cooldown marks on restart just allows one extra scan.
package eventscan

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
)

// Verdict names the coordinator's decision.
type Verdict string

const (
	VerdictDisabled      Verdict = "disabled"
	VerdictBelowMinItems Verdict = "below_min_items"
	VerdictCooldown      Verdict = "cooldown"
	VerdictAllowed       Verdict = "allowed"
)

// Decision is the evaluation result. Wait is set only on cooldown and is
// always strictly positive.
type Decision struct {
	Verdict Verdict
	Wait    time.Duration
}

// Allowed reports whether the scan may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// Request is one external event asking for a scan.
type Request struct {
	EventKey  string
	ItemCount int
	MinItems  int // 0 falls back to the configured minimum
}

// Coordinator tracks per-key cooldowns for event-driven scans.
type Coordinator struct {
	enabled  bool
	cooldown time.Duration
	minItems int
	clock    clock.Clock
	log      zerolog.Logger

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// New creates a coordinator from config.
func New(cfg config.EventScanConfig, clk clock.Clock, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		enabled:  cfg.Enabled,
		cooldown: time.Duration(cfg.CooldownMs) * time.Millisecond,
		minItems: cfg.MinItems,
		clock:    clk,
		log:      log.With().Str("component", "eventscan").Logger(),
		lastFire: map[string]time.Time{},
	}
}

// Evaluate decides whether an event may trigger a scan, without recording it.
func (c *Coordinator) Evaluate(req Request) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluateLocked(req, c.clock.Now())
}

// MarkTriggered records the fire time for a key.
func (c *Coordinator) MarkTriggered(eventKey string) {
	c.mu.Lock()
	c.lastFire[eventKey] = c.clock.Now()
	c.mu.Unlock()
}

// TryAcquire is the fused evaluate-and-mark: when the decision is allowed,
// the fire time is recorded under the same lock so two concurrent events for
// one key cannot both pass.
func (c *Coordinator) TryAcquire(req Request) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	d := c.evaluateLocked(req, now)
	if d.Allowed() {
		c.lastFire[req.EventKey] = now
		c.log.Debug().Str("event_key", req.EventKey).Int("items", req.ItemCount).
			Msg("Event scan admitted")
	}
	return d
}

func (c *Coordinator) evaluateLocked(req Request, now time.Time) Decision {
	if !c.enabled {
		return Decision{Verdict: VerdictDisabled}
	}

	minItems := req.MinItems
	if minItems <= 0 {
		minItems = c.minItems
	}
	if req.ItemCount < minItems {
		return Decision{Verdict: VerdictBelowMinItems}
	}

	if last, ok := c.lastFire[req.EventKey]; ok {
		elapsed := now.Sub(last)
		if elapsed < c.cooldown {
			return Decision{Verdict: VerdictCooldown, Wait: c.cooldown - elapsed}
		}
	}

	return Decision{Verdict: VerdictAllowed}
}
