package heartbeat

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/avlonitis/vigil/internal/config"
)

// Trigger names. position_closed and data_poll_failed are emitted by the
// supervisor itself, not by EvaluateTriggers.
const (
	TriggerPnLShift             = "pnl_shift"
	TriggerApproachingStop      = "approaching_stop"
	TriggerApproachingTP        = "approaching_tp"
	TriggerLiquidationProximity = "liquidation_proximity"
	TriggerFundingSpike         = "funding_spike"
	TriggerVolatilitySpike      = "volatility_spike"
	TriggerTimeCeiling          = "time_ceiling"
	TriggerPositionClosed       = "position_closed"
	TriggerDataPollFailed       = "data_poll_failed"
)

// EvaluateTriggers inspects a position's ring and emits the fired trigger
// names. Each trigger respects its per-(symbol,trigger) cooldown: lastFired
// is the symbol's map and is updated in place for fired triggers.
func EvaluateTriggers(points []Tick, cfg config.TriggerConfig, now time.Time,
	openedAt time.Time, lastFired map[string]time.Time) []string {

	if len(points) == 0 {
		return nil
	}
	latest := points[len(points)-1]
	cooldown := time.Duration(cfg.TriggerCooldownSeconds) * time.Second

	var fired []string
	fire := func(name string) {
		if last, ok := lastFired[name]; ok && now.Sub(last) < cooldown {
			return
		}
		lastFired[name] = now
		fired = append(fired, name)
	}

	if pnlSpread(points) > cfg.PnLShiftPct {
		fire(TriggerPnLShift)
	}
	if latest.StopDistPct != nil && *latest.StopDistPct <= cfg.ApproachingStopPct {
		fire(TriggerApproachingStop)
	}
	if latest.TPDistPct != nil && *latest.TPDistPct <= cfg.ApproachingTakeProfitPct {
		fire(TriggerApproachingTP)
	}
	if latest.LiqDistPct <= cfg.LiquidationProximityPct {
		fire(TriggerLiquidationProximity)
	}
	if abs(latest.FundingRate) >= cfg.FundingSpikeRate {
		fire(TriggerFundingSpike)
	}
	if returnStdevPct(points, cfg.VolatilitySpikeWindowTicks) > cfg.VolatilitySpikePct {
		fire(TriggerVolatilitySpike)
	}
	if now.Sub(openedAt) > time.Duration(cfg.TimeCeilingMinutes)*time.Minute {
		fire(TriggerTimeCeiling)
	}

	return fired
}

// pnlSpread is the max-min spread of PnL-of-equity within the ring.
func pnlSpread(points []Tick) float64 {
	min, max := points[0].PnLPctOfEquity, points[0].PnLPctOfEquity
	for _, p := range points[1:] {
		if p.PnLPctOfEquity < min {
			min = p.PnLPctOfEquity
		}
		if p.PnLPctOfEquity > max {
			max = p.PnLPctOfEquity
		}
	}
	return max - min
}

// returnStdevPct is the standard deviation, in percent, of tick-to-tick mark
// returns over the last window ticks. Needs at least three marks to be
// meaningful.
func returnStdevPct(points []Tick, window int) float64 {
	if window <= 0 {
		return 0
	}
	if len(points) > window {
		points = points[len(points)-window:]
	}
	if len(points) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Mark
		if prev == 0 {
			continue
		}
		returns = append(returns, (points[i].Mark-prev)/prev*100)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
