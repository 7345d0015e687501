// Package adaptation implements the reflective policy mutator: it reads the
// recent trade journal and tightens the session's policy state in response to
// clusters of losing trades.
package adaptation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/policy"
)

const (
	// Observation forcing: among the most recent resolved entries, this many
	// false theses force observation-only mode.
	observationWindow   = 5
	observationMinFalse = 3

	// Adaptive tightening: among the most recent entries, this share of
	// failed outcomes tightens the overrides.
	tighteningWindow      = 10
	tighteningMinEntries  = 6
	tighteningFailedRatio = 0.5

	minEdgeStep  = 0.01
	minEdgeFloor = 0.03
	minEdgeCeil  = 0.20

	minObservationTTL = 60 * time.Second
)

// Result summarises what one reflection pass changed.
type Result struct {
	ObservationForced bool
	Tightened         bool
	Reason            string
}

// Mutator applies the reflection rules. It is idempotent within a session:
// repeated runs converge because every rule only tightens, and observation
// expiry only ever extends forward.
type Mutator struct {
	cfg     config.AutonomyConfig
	maxLev  int
	journal *journal.Repository
	state   *policy.StateRepository
	clock   clock.Clock
	log     zerolog.Logger
}

// New creates a mutator.
func New(cfg config.AutonomyConfig, maxLeverage int, jr *journal.Repository,
	state *policy.StateRepository, clk clock.Clock, log zerolog.Logger) *Mutator {
	return &Mutator{
		cfg:     cfg,
		maxLev:  maxLeverage,
		journal: jr,
		state:   state,
		clock:   clk,
		log:     log.With().Str("component", "mutator").Logger(),
	}
}

// Reflect runs both rules against the journal and persists any change to the
// current session's policy state.
func (m *Mutator) Reflect() (Result, error) {
	now := m.clock.Now()
	session := policy.SessionDate(now)

	state, err := m.state.Get(session)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load policy state: %w", err)
	}
	if state == nil {
		state = &policy.State{SessionDate: session}
	}

	var result Result
	var reasons []string

	forced, reason, err := m.applyObservationForcing(state, now)
	if err != nil {
		return Result{}, err
	}
	if forced {
		result.ObservationForced = true
		reasons = append(reasons, reason)
	}

	tightened, reason, err := m.applyTightening(state)
	if err != nil {
		return Result{}, err
	}
	if tightened {
		result.Tightened = true
		reasons = append(reasons, reason)
	}

	if !result.ObservationForced && !result.Tightened {
		return result, nil
	}

	result.Reason = strings.Join(reasons, "; ")
	state.Reason = result.Reason
	state.UpdatedAt = now
	if err := m.state.Upsert(*state); err != nil {
		return Result{}, err
	}

	m.log.Warn().
		Bool("observation_forced", result.ObservationForced).
		Bool("tightened", result.Tightened).
		Str("reason", result.Reason).
		Msg("Policy state mutated")
	return result, nil
}

// applyObservationForcing checks the resolved-thesis window. The expiry only
// moves forward: a replay while observation mode is active never retracts it.
func (m *Mutator) applyObservationForcing(state *policy.State, now time.Time) (bool, string, error) {
	entries, err := m.journal.RecentResolved(observationWindow)
	if err != nil {
		return false, "", fmt.Errorf("failed to read resolved journal entries: %w", err)
	}

	falseCount := 0
	for _, e := range entries {
		if e.ThesisCorrect != nil && !*e.ThesisCorrect {
			falseCount++
		}
	}
	if falseCount < observationMinFalse {
		return false, "", nil
	}

	ttl := time.Duration(m.cfg.ScanIntervalSeconds) * time.Second
	if ttl < minObservationTTL {
		ttl = minObservationTTL
	}
	until := now.Add(ttl)
	if state.ObservationOnlyUntil != nil && state.ObservationOnlyUntil.After(until) {
		until = *state.ObservationOnlyUntil
	}
	state.ObservationOnlyUntil = &until

	return true, fmt.Sprintf("observation forced: %d of last %d theses false",
		falseCount, len(entries)), nil
}

// applyTightening checks the failed-outcome ratio and tightens every knob one
// step. Each override starts from its current value or the config default.
func (m *Mutator) applyTightening(state *policy.State) (bool, string, error) {
	entries, err := m.journal.Recent(tighteningWindow)
	if err != nil {
		return false, "", fmt.Errorf("failed to read journal entries: %w", err)
	}
	if len(entries) < tighteningMinEntries {
		return false, "", nil
	}

	failed := 0
	for _, e := range entries {
		if e.Outcome == journal.OutcomeFailed {
			failed++
		}
	}
	if float64(failed) < tighteningFailedRatio*float64(len(entries)) {
		return false, "", nil
	}

	minEdge := m.cfg.MinEdge
	if state.MinEdgeOverride != nil {
		minEdge = *state.MinEdgeOverride
	}
	minEdge += minEdgeStep
	if minEdge < minEdgeFloor {
		minEdge = minEdgeFloor
	}
	if minEdge > minEdgeCeil {
		minEdge = minEdgeCeil
	}
	state.MinEdgeOverride = &minEdge

	maxTrades := m.cfg.MaxTradesPerScan
	if state.MaxTradesPerScanOverride != nil {
		maxTrades = *state.MaxTradesPerScanOverride
	}
	if maxTrades > 1 {
		maxTrades--
	}
	state.MaxTradesPerScanOverride = &maxTrades

	leverage := m.maxLev
	if state.LeverageCapOverride != nil {
		leverage = *state.LeverageCapOverride
	}
	if leverage > 1 {
		leverage--
	}
	state.LeverageCapOverride = &leverage

	return true, fmt.Sprintf(
		"tightened: %d of last %d trades failed (minEdge %.2f, maxTradesPerScan %d, leverageCap %d)",
		failed, len(entries), minEdge, maxTrades, leverage), nil
}
