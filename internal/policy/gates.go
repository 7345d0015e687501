package policy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/journal"
)

// regimeCompatibility is the fixed signal-class/regime matrix.
var regimeCompatibility = map[string]map[string]bool{
	RegimeTrending: {
		SignalMomentumBreakout:   true,
		SignalNewsEvent:          true,
		SignalLiquidationCascade: true,
	},
	RegimeChoppy: {
		SignalMeanReversion: true,
		SignalNewsEvent:     true,
	},
	RegimeHighVolExpansion: {
		SignalLiquidationCascade: true,
		SignalNewsEvent:          true,
		SignalMomentumBreakout:   true,
	},
	RegimeLowVolCompression: {
		SignalMeanReversion: true,
		SignalNewsEvent:     true,
	},
}

// SignalClassAllowed reports whether a signal class is compatible with a
// market regime.
func SignalClassAllowed(signalClass, regime string) bool {
	return regimeCompatibility[regime][signalClass]
}

// NewsEntryGate checks the provenance thresholds of a news-driven entry.
// Every denial carries a specific reason.
func NewsEntryGate(cfg config.NewsEntryConfig, expr Expression, now time.Time) (bool, string) {
	trigger := expr.News
	if trigger == nil || !trigger.Enabled {
		return false, "news trigger not enabled"
	}
	if !trigger.ExpiresAt.After(now) {
		return false, "news trigger expired"
	}
	if trigger.Novelty < cfg.MinNovelty {
		return false, fmt.Sprintf("novelty %.2f below minimum %.2f", trigger.Novelty, cfg.MinNovelty)
	}
	if trigger.Confirmation < cfg.MinConfirmation {
		return false, fmt.Sprintf("confirmation %.2f below minimum %.2f", trigger.Confirmation, cfg.MinConfirmation)
	}
	if trigger.Liquidity < cfg.MinLiquidity {
		return false, fmt.Sprintf("liquidity %.2f below minimum %.2f", trigger.Liquidity, cfg.MinLiquidity)
	}
	if trigger.Volatility < cfg.MinVolatility {
		return false, fmt.Sprintf("volatility %.2f below minimum %.2f", trigger.Volatility, cfg.MinVolatility)
	}
	if sources := trigger.DistinctSources(); sources < cfg.MinSourceCount {
		return false, fmt.Sprintf("only %d distinct sources, need %d", sources, cfg.MinSourceCount)
	}
	return true, ""
}

// Engine evaluates the global trade gate against durable policy state and
// the trade journal.
type Engine struct {
	cfg     config.AutonomyConfig
	maxLev  int
	state   *StateRepository
	journal *journal.Repository
	trades  *journal.TradeRepository
	clock   clock.Clock
	log     zerolog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(cfg config.AutonomyConfig, maxLeverage int, state *StateRepository,
	jr *journal.Repository, tr *journal.TradeRepository, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		maxLev:  maxLeverage,
		state:   state,
		journal: jr,
		trades:  tr,
		clock:   clk,
		log:     log.With().Str("component", "policy_engine").Logger(),
	}
}

// GateInput is one candidate presented to the global trade gate.
type GateInput struct {
	SignalClass string
	Regime      string
}

// maxSharpeSamples bounds the journal window the performance guard reads.
const maxSharpeSamples = 200

// GlobalTradeGate applies observation mode, the daily cap, the per-class
// performance guard, and regime compatibility, in that order. Denials return
// a human-readable reason and are never errors; errors mean the store failed.
func (e *Engine) GlobalTradeGate(in GateInput) (bool, string, error) {
	if !e.cfg.Enabled {
		return true, "", nil
	}
	now := e.clock.Now()

	state, err := e.state.Get(SessionDate(now))
	if err != nil {
		return false, "", fmt.Errorf("failed to load policy state: %w", err)
	}
	if state.InObservation(now) {
		return false, fmt.Sprintf("observation-only mode active until %s",
			database.FormatTime(*state.ObservationOnlyUntil)), nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	todayCount, err := e.trades.CountExecutedSince(dayStart)
	if err != nil {
		return false, "", fmt.Errorf("failed to count today's trades: %w", err)
	}
	if todayCount >= e.cfg.MaxTradesPerDay {
		return false, fmt.Sprintf("daily trade cap reached (%d/%d)",
			todayCount, e.cfg.MaxTradesPerDay), nil
	}

	rs, err := e.journal.CapturedRBySignalClass(in.SignalClass, maxSharpeSamples)
	if err != nil {
		return false, "", fmt.Errorf("failed to load signal history: %w", err)
	}
	if len(rs) >= e.cfg.SignalPerformance.MinSamples {
		sharpe := sharpeRatio(rs)
		if sharpe < e.cfg.SignalPerformance.MinSharpe {
			return false, fmt.Sprintf(
				"signal class %s underperforming: sharpe %.2f below %.2f over %d trades",
				in.SignalClass, sharpe, e.cfg.SignalPerformance.MinSharpe, len(rs)), nil
		}
	}

	if !SignalClassAllowed(in.SignalClass, in.Regime) {
		return false, fmt.Sprintf("signal class %s disallowed in regime %s",
			in.SignalClass, in.Regime), nil
	}

	return true, "", nil
}

// EffectiveMinEdge resolves the min-edge knob: override if set, else config.
func (e *Engine) EffectiveMinEdge(state *State) float64 {
	if state != nil && state.MinEdgeOverride != nil {
		return *state.MinEdgeOverride
	}
	return e.cfg.MinEdge
}

// EffectiveMaxTradesPerScan resolves the per-scan cap.
func (e *Engine) EffectiveMaxTradesPerScan(state *State) int {
	if state != nil && state.MaxTradesPerScanOverride != nil {
		return *state.MaxTradesPerScanOverride
	}
	return e.cfg.MaxTradesPerScan
}

// EffectiveLeverageCap resolves the leverage cap.
func (e *Engine) EffectiveLeverageCap(state *State) int {
	if state != nil && state.LeverageCapOverride != nil {
		return *state.LeverageCapOverride
	}
	return e.maxLev
}

// CurrentState loads the policy state for the current session.
func (e *Engine) CurrentState() (*State, error) {
	return e.state.Get(SessionDate(e.clock.Now()))
}

// sharpeRatio is the mean/stdev ratio of captured R multiples. A flat
// distribution with positive mean is treated as strongly positive.
func sharpeRatio(rs []float64) float64 {
	if len(rs) == 0 {
		return 0
	}
	mean, std := stat.MeanStdDev(rs, nil)
	if std == 0 {
		if mean > 0 {
			return 10
		}
		return 0
	}
	return mean / std
}
