package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
)

func triggerCfg() config.TriggerConfig {
	return config.TriggerConfig{
		PnLShiftPct:                2.0,
		ApproachingStopPct:         1.0,
		ApproachingTakeProfitPct:   1.0,
		LiquidationProximityPct:    5.0,
		FundingSpikeRate:           0.0005,
		VolatilitySpikeWindowTicks: 20,
		VolatilitySpikePct:         1.5,
		TimeCeilingMinutes:         240,
		TriggerCooldownSeconds:     180,
	}
}

func TestRingClampAndEviction(t *testing.T) {
	r := NewRing(3)
	assert.Equal(t, minRingCapacity, len(r.buf), "capacity clamps up to 10")

	r = NewRing(5000)
	assert.Equal(t, maxRingCapacity, len(r.buf), "capacity clamps down to 1000")

	r = NewRing(10)
	for i := 0; i < 15; i++ {
		r.Append(Tick{Mark: float64(i)})
	}
	assert.Equal(t, 10, r.Len())
	points := r.Points()
	assert.Equal(t, 5.0, points[0].Mark, "oldest surviving tick")
	assert.Equal(t, 14.0, points[9].Mark)
	assert.Equal(t, 14.0, r.Last().Mark)
}

func TestEvaluateTriggers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-time.Hour)
	calm := Tick{Time: now, Mark: 100, LiqDistPct: 50}

	t.Run("calm position fires nothing", func(t *testing.T) {
		fired := EvaluateTriggers([]Tick{calm}, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Empty(t, fired)
	})

	t.Run("pnl shift within the ring", func(t *testing.T) {
		points := []Tick{
			{Mark: 100, LiqDistPct: 50, PnLPctOfEquity: 1.0},
			{Mark: 100, LiqDistPct: 50, PnLPctOfEquity: -1.5},
		}
		fired := EvaluateTriggers(points, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Contains(t, fired, TriggerPnLShift)
	})

	t.Run("liquidation proximity inclusive boundary", func(t *testing.T) {
		at := calm
		at.LiqDistPct = 5.0
		fired := EvaluateTriggers([]Tick{at}, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Contains(t, fired, TriggerLiquidationProximity)
	})

	t.Run("stop and tp proximity", func(t *testing.T) {
		near := 0.8
		tick := calm
		tick.StopDistPct = &near
		tick.TPDistPct = &near
		fired := EvaluateTriggers([]Tick{tick}, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Contains(t, fired, TriggerApproachingStop)
		assert.Contains(t, fired, TriggerApproachingTP)
	})

	t.Run("funding spike", func(t *testing.T) {
		tick := calm
		tick.FundingRate = -0.0006
		fired := EvaluateTriggers([]Tick{tick}, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Contains(t, fired, TriggerFundingSpike)
	})

	t.Run("volatility spike", func(t *testing.T) {
		points := []Tick{
			{Mark: 100, LiqDistPct: 50},
			{Mark: 104, LiqDistPct: 50},
			{Mark: 99, LiqDistPct: 50},
			{Mark: 105, LiqDistPct: 50},
		}
		fired := EvaluateTriggers(points, triggerCfg(), now, opened, map[string]time.Time{})
		assert.Contains(t, fired, TriggerVolatilitySpike)
	})

	t.Run("time ceiling", func(t *testing.T) {
		old := now.Add(-241 * time.Minute)
		fired := EvaluateTriggers([]Tick{calm}, triggerCfg(), now, old, map[string]time.Time{})
		assert.Contains(t, fired, TriggerTimeCeiling)
	})

	t.Run("cooldown suppresses refires", func(t *testing.T) {
		tick := calm
		tick.LiqDistPct = 4.0
		lastFired := map[string]time.Time{}

		fired := EvaluateTriggers([]Tick{tick}, triggerCfg(), now, opened, lastFired)
		assert.Contains(t, fired, TriggerLiquidationProximity)

		// Still inside the cooldown.
		later := now.Add(100 * time.Second)
		fired = EvaluateTriggers([]Tick{tick}, triggerCfg(), later, opened, lastFired)
		assert.Empty(t, fired)

		// After the cooldown it fires again.
		later = now.Add(181 * time.Second)
		fired = EvaluateTriggers([]Tick{tick}, triggerCfg(), later, opened, lastFired)
		assert.Contains(t, fired, TriggerLiquidationProximity)
	})
}

func TestSlidingWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := NewSlidingWindow(2, time.Hour, clk)

	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
	assert.False(t, w.Allow(), "third call within the hour is refused")

	clk.Advance(61 * time.Minute)
	assert.True(t, w.Allow(), "window slides")
}
