// Package journal persists the append-only trade journal and the executed
// trade ledger. Journal entries are immutable; insertion order defines
// recency for the reflective mutator.
package journal

import "time"

// Outcome records what happened to a candidate or a heartbeat action.
type Outcome string

const (
	OutcomeExecuted   Outcome = "executed"
	OutcomeFailed     Outcome = "failed"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeWouldTrade Outcome = "would-trade"

	// Heartbeat action outcomes.
	OutcomeOK       Outcome = "ok"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
)

// Entry is one row of the trade journal.
type Entry struct {
	ID               int64
	Symbol           string
	Side             string
	Size             float64
	Leverage         float64
	OrderType        string
	ReduceOnly       bool
	MarkPrice        float64
	Outcome          Outcome
	SignalClass      string
	MarketRegime     string
	VolatilityBucket string
	LiquidityBucket  string
	ThesisCorrect    *bool
	DirectionScore   *float64
	TimingScore      *float64
	SizingScore      *float64
	ExitScore        *float64
	CapturedR        *float64
	Triggers         []string
	Reason           string
	ClosedAt         *time.Time
	CreatedAt        time.Time
}

// Trade is one executed (or attempted) order on the ledger side. The daily
// trade cap counts rows with status "executed".
type Trade struct {
	ID         int64
	Symbol     string
	Side       string
	Size       float64
	Price      float64
	Notional   float64
	Leverage   float64
	OrderType  string
	ReduceOnly bool
	Status     string
	ExecutedAt time.Time
	CreatedAt  time.Time
}
