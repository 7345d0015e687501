package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/pkg/logger"
)

type gateFixture struct {
	engine  *Engine
	state   *StateRepository
	journal *journal.Repository
	trades  *journal.TradeRepository
	clock   *clock.Fake
}

func gateConfig() config.AutonomyConfig {
	return config.AutonomyConfig{
		Enabled:         true,
		MaxTradesPerDay: 3,
		MinEdge:         0.05,
		NewsEntry: config.NewsEntryConfig{
			MinNovelty: 0.6, MinConfirmation: 0.55, MinLiquidity: 0.4,
			MinVolatility: 0.25, MinSourceCount: 1,
		},
		SignalPerformance: config.SignalPerformanceConfig{MinSharpe: 0.8, MinSamples: 8},
	}
}

func setupGates(t *testing.T, cfg config.AutonomyConfig) *gateFixture {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := logger.Discard()
	jr := journal.NewRepository(db.Conn(), log)
	tr := journal.NewTradeRepository(db.Conn(), log)
	sr := NewStateRepository(db.Conn(), log)

	return &gateFixture{
		engine:  NewEngine(cfg, 5, sr, jr, tr, clk, log),
		state:   sr,
		journal: jr,
		trades:  tr,
		clock:   clk,
	}
}

func TestGateDisabledAllowsEverything(t *testing.T) {
	cfg := gateConfig()
	cfg.Enabled = false
	f := setupGates(t, cfg)

	allowed, reason, err := f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMeanReversion,
		Regime:      RegimeTrending, // incompatible, but the master switch wins
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestGateRegimeCompatibility(t *testing.T) {
	f := setupGates(t, gateConfig())

	// Mean reversion has no business in a trend.
	allowed, reason, err := f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMeanReversion,
		Regime:      RegimeTrending,
	})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "disallowed in regime trending")

	allowed, _, err = f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMomentumBreakout,
		Regime:      RegimeTrending,
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGateObservationModeDominates(t *testing.T) {
	f := setupGates(t, gateConfig())
	until := f.clock.Now().Add(15 * time.Minute)
	require.NoError(t, f.state.Upsert(State{
		SessionDate:          SessionDate(f.clock.Now()),
		ObservationOnlyUntil: &until,
		Reason:               "losing streak",
		UpdatedAt:            f.clock.Now(),
	}))

	allowed, reason, err := f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMomentumBreakout,
		Regime:      RegimeTrending,
	})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "observation-only mode active until")
	assert.Contains(t, reason, database.FormatTime(until))

	// The window lapses and the same candidate passes.
	f.clock.Advance(16 * time.Minute)
	allowed, _, err = f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMomentumBreakout,
		Regime:      RegimeTrending,
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGateDailyCapBoundary(t *testing.T) {
	f := setupGates(t, gateConfig()) // cap of 3
	in := GateInput{SignalClass: SignalMomentumBreakout, Regime: RegimeTrending}

	for i := 0; i < 2; i++ {
		_, err := f.trades.Insert(journal.Trade{
			Symbol: "BTC", Side: "buy", Size: 1, Price: 100,
			Status: "executed", ExecutedAt: f.clock.Now(),
		})
		require.NoError(t, err)
	}

	allowed, _, err := f.engine.GlobalTradeGate(in)
	require.NoError(t, err)
	assert.True(t, allowed, "2 of 3 used")

	_, err = f.trades.Insert(journal.Trade{
		Symbol: "BTC", Side: "buy", Size: 1, Price: 100,
		Status: "executed", ExecutedAt: f.clock.Now(),
	})
	require.NoError(t, err)

	allowed, reason, err := f.engine.GlobalTradeGate(in)
	require.NoError(t, err)
	assert.False(t, allowed, "count equal to the cap denies")
	assert.Contains(t, reason, "daily trade cap reached (3/3)")
}

func TestGateDailyCapIgnoresFailedTrades(t *testing.T) {
	f := setupGates(t, gateConfig())
	for i := 0; i < 5; i++ {
		_, err := f.trades.Insert(journal.Trade{
			Symbol: "BTC", Side: "buy", Size: 1, Price: 100,
			Status: "failed", ExecutedAt: f.clock.Now(),
		})
		require.NoError(t, err)
	}

	allowed, _, err := f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalMomentumBreakout, Regime: RegimeTrending,
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGateSignalPerformanceGuard(t *testing.T) {
	f := setupGates(t, gateConfig())
	in := GateInput{SignalClass: SignalMomentumBreakout, Regime: RegimeTrending}

	appendR := func(r float64) {
		v := r
		_, err := f.journal.Append(journal.Entry{
			Symbol:      "BTC",
			Outcome:     journal.OutcomeExecuted,
			SignalClass: SignalMomentumBreakout,
			CapturedR:   &v,
		})
		require.NoError(t, err)
	}

	// Seven losing trades: still under the 8-sample threshold, so the guard
	// stays quiet.
	for i := 0; i < 7; i++ {
		appendR(-1.0)
	}
	allowed, _, err := f.engine.GlobalTradeGate(in)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The eighth sample arms the guard and the class is cut off.
	appendR(-1.0)
	allowed, reason, err := f.engine.GlobalTradeGate(in)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "underperforming")

	// Another class is unaffected.
	allowed, _, err = f.engine.GlobalTradeGate(GateInput{
		SignalClass: SignalNewsEvent, Regime: RegimeTrending,
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNewsEntryGate(t *testing.T) {
	cfg := gateConfig().NewsEntry
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	passing := func() Expression {
		return Expression{News: &NewsTrigger{
			Enabled:      true,
			Novelty:      0.7,
			Confirmation: 0.7,
			Liquidity:    0.8,
			Volatility:   0.9,
			Sources:      []NewsSource{{Source: "newsapi"}},
			ExpiresAt:    now.Add(time.Minute),
		}}
	}

	t.Run("passing trigger", func(t *testing.T) {
		ok, reason := NewsEntryGate(cfg, passing(), now)
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("no trigger", func(t *testing.T) {
		ok, reason := NewsEntryGate(cfg, Expression{}, now)
		assert.False(t, ok)
		assert.Contains(t, reason, "not enabled")
	})

	t.Run("expiry equal to now is expired", func(t *testing.T) {
		expr := passing()
		expr.News.ExpiresAt = now
		ok, reason := NewsEntryGate(cfg, expr, now)
		assert.False(t, ok)
		assert.Contains(t, reason, "expired")
	})

	t.Run("low novelty", func(t *testing.T) {
		expr := passing()
		expr.News.Novelty = 0.5
		ok, reason := NewsEntryGate(cfg, expr, now)
		assert.False(t, ok)
		assert.Contains(t, reason, "novelty")
	})

	t.Run("duplicate sources count once", func(t *testing.T) {
		strict := cfg
		strict.MinSourceCount = 2
		expr := passing()
		expr.News.Sources = []NewsSource{{Source: "wire"}, {Source: "wire"}}
		ok, reason := NewsEntryGate(strict, expr, now)
		assert.False(t, ok)
		assert.Contains(t, reason, "distinct sources")
	})
}

func TestEffectiveOverrides(t *testing.T) {
	f := setupGates(t, gateConfig())

	assert.Equal(t, 0.05, f.engine.EffectiveMinEdge(nil), "config default without state")
	assert.Equal(t, 5, f.engine.EffectiveLeverageCap(nil))

	minEdge := 0.08
	maxTrades := 2
	lev := 3
	state := &State{
		MinEdgeOverride:          &minEdge,
		MaxTradesPerScanOverride: &maxTrades,
		LeverageCapOverride:      &lev,
	}
	assert.Equal(t, 0.08, f.engine.EffectiveMinEdge(state))
	assert.Equal(t, 2, f.engine.EffectiveMaxTradesPerScan(state))
	assert.Equal(t, 3, f.engine.EffectiveLeverageCap(state))
}
