package autonomy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/adaptation"
	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/eventscan"
	"github.com/avlonitis/vigil/internal/executor"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/policy"
	"github.com/avlonitis/vigil/pkg/logger"
)

type scanExecutor struct {
	decisions []executor.Decision
	fail      bool
}

func (e *scanExecutor) Execute(ctx context.Context, m executor.Market, d executor.Decision) (executor.Result, error) {
	e.decisions = append(e.decisions, d)
	if e.fail {
		return executor.Result{}, errors.New("venue refused the order")
	}
	return executor.Result{Executed: true, OrderID: "oid-1"}, nil
}

func (e *scanExecutor) GetOpenOrders(ctx context.Context) ([]executor.Order, error) {
	return nil, nil
}

func (e *scanExecutor) CancelOrder(ctx context.Context, id string) error { return nil }

type scanFixture struct {
	svc        *Service
	exec       *scanExecutor
	journal    *journal.Repository
	trades     *journal.TradeRepository
	state      *policy.StateRepository
	clock      *clock.Fake
	candidates []Candidate
}

func autonomyTestConfig() config.AutonomyConfig {
	return config.AutonomyConfig{
		Enabled:             true,
		FullAuto:            true,
		MaxTradesPerDay:     25,
		MaxTradesPerScan:    3,
		ScanIntervalSeconds: 900,
		ProbeRiskFraction:   0.005,
		MinEdge:             0.05,
		NewsEntry: config.NewsEntryConfig{
			MinNovelty: 0.6, MinConfirmation: 0.55, MinLiquidity: 0.4,
			MinVolatility: 0.25, MinSourceCount: 1,
		},
		SignalPerformance: config.SignalPerformanceConfig{MinSharpe: 0.8, MinSamples: 8},
	}
}

func setupScan(t *testing.T, cfg config.AutonomyConfig) *scanFixture {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := logger.Discard()
	jr := journal.NewRepository(db.Conn(), log)
	tr := journal.NewTradeRepository(db.Conn(), log)
	sr := policy.NewStateRepository(db.Conn(), log)

	const maxLeverage = 5
	engine := policy.NewEngine(cfg, maxLeverage, sr, jr, tr, clk, log)
	mutator := adaptation.New(cfg, maxLeverage, jr, sr, clk, log)
	coordinator := eventscan.New(config.EventScanConfig{
		Enabled: true, CooldownMs: 120000, MinItems: 3,
	}, clk, log)
	exec := &scanExecutor{}
	wallet := config.WalletConfig{DailyLimitUSD: 100, PerTradeLimitUSD: 25}

	f := &scanFixture{exec: exec, journal: jr, trades: tr, state: sr, clock: clk}
	source := SourceFunc(func(ctx context.Context) ([]Candidate, error) {
		return f.candidates, nil
	})
	f.svc = New(cfg, wallet, maxLeverage, source, engine, jr, tr, exec,
		nil, mutator, coordinator, clk, log)
	return f
}

func breakoutCandidate(symbol string) Candidate {
	return Candidate{
		Expression: policy.Expression{
			HypothesisID: "btc_trend_1",
			Symbol:       symbol,
			Side:         "buy",
			SignalClass:  policy.SignalMomentumBreakout,
			MarketRegime: policy.RegimeTrending,
			ExpectedEdge: 0.10,
			Confidence:   0.7,
			Leverage:     3,
		},
		MarkPrice: 50000,
	}
}

func TestRunScanExecutesApprovedCandidate(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Zero(t, report.Blocked)

	require.Len(t, f.exec.decisions, 1)
	d := f.exec.decisions[0]
	assert.Equal(t, "buy", d.Side)
	assert.Equal(t, "market", d.OrderType)
	require.NotNil(t, d.Leverage)
	assert.Equal(t, 3.0, *d.Leverage)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeExecuted, entries[0].Outcome)
	assert.Equal(t, policy.SignalMomentumBreakout, entries[0].SignalClass)

	trades, err := f.trades.Recent(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "executed", trades[0].Status)
	assert.Equal(t, 50000.0, trades[0].Price)
}

func TestRunScanWouldTradeWithoutFullAuto(t *testing.T) {
	cfg := autonomyTestConfig()
	cfg.FullAuto = false
	f := setupScan(t, cfg)
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.WouldTrade)
	assert.Empty(t, f.exec.decisions, "dry run places no orders")

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeWouldTrade, entries[0].Outcome)
	assert.Contains(t, entries[0].Reason, "full-auto disabled")
}

func TestRunScanRespectsObservationMode(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	until := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.state.Upsert(policy.State{
		SessionDate:          policy.SessionDate(f.clock.Now()),
		ObservationOnlyUntil: &until,
		Reason:               "losing streak",
		UpdatedAt:            f.clock.Now(),
	}))
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Executed)
	assert.Empty(t, f.exec.decisions)

	// The gate denies live entries in observation mode, so the candidate is
	// journaled as blocked with the expiry in the reason.
	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeBlocked, entries[0].Outcome)
	assert.Contains(t, entries[0].Reason, "observation-only")
}

func TestRunScanBlocksLowEdge(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	c := breakoutCandidate("BTC")
	c.Expression.ExpectedEdge = 0.02
	f.candidates = []Candidate{c}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)
	assert.Empty(t, f.exec.decisions)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Contains(t, entries[0].Reason, "below minimum")
}

func TestRunScanPerScanCap(t *testing.T) {
	cfg := autonomyTestConfig()
	cfg.MaxTradesPerScan = 2
	f := setupScan(t, cfg)
	f.candidates = []Candidate{
		breakoutCandidate("BTC"), breakoutCandidate("ETH"),
		breakoutCandidate("SOL"), breakoutCandidate("DOGE"),
	}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, 2, report.Blocked)
	assert.Len(t, f.exec.decisions, 2)
}

func TestRunScanBlocksIncompatibleRegime(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	c := breakoutCandidate("BTC")
	c.Expression.MarketRegime = policy.RegimeChoppy // momentum is not allowed in chop
	f.candidates = []Candidate{c}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Contains(t, entries[0].Reason, "disallowed in regime")
}

func TestRunScanNewsGate(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	c := breakoutCandidate("BTC")
	c.Expression.SignalClass = policy.SignalNewsEvent
	c.Expression.News = &policy.NewsTrigger{
		Enabled:      true,
		Novelty:      0.3, // below the 0.6 minimum
		Confirmation: 0.9,
		Liquidity:    0.9,
		Volatility:   0.9,
		Sources:      []policy.NewsSource{{Source: "wire"}},
		ExpiresAt:    f.clock.Now().Add(time.Hour),
	}
	f.candidates = []Candidate{c}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Contains(t, entries[0].Reason, "news entry gate")
	assert.Contains(t, entries[0].Reason, "novelty")
}

func TestRunScanClassifiesFromCluster(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	c := Candidate{
		Expression: policy.Expression{
			HypothesisID: "eth_trend_2",
			Symbol:       "ETH",
			Side:         "buy",
			ExpectedEdge: 0.10,
			Confidence:   0.6,
		},
		Cluster: policy.SignalCluster{
			Symbol: "ETH",
			Primitives: []policy.Primitive{{
				Kind:    policy.PrimitivePriceVolRegime,
				Metrics: map[string]float64{policy.MetricTrend: 0.02, policy.MetricVolZ: 0.1},
			}},
		},
		MarkPrice: 3000,
	}
	f.candidates = []Candidate{c}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, policy.SignalMomentumBreakout, entries[0].SignalClass, "classified from hypothesis id")
	assert.Equal(t, policy.RegimeTrending, entries[0].MarketRegime, "classified from the cluster")
	assert.Equal(t, policy.VolLow, entries[0].VolatilityBucket)
}

func TestRunScanExecutionFailureJournaled(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	f.exec.fail = true
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entries, err := f.journal.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeFailed, entries[0].Outcome)
	assert.Contains(t, entries[0].Reason, "venue refused")

	trades, err := f.trades.Recent(1)
	require.NoError(t, err)
	assert.Empty(t, trades, "failed executions never reach the ledger")
}

func TestRunScanSizingBounds(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	_, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)

	trades, err := f.trades.Recent(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// Daily limit 100, probe floor 0.5 USD, per-trade cap 25 USD.
	assert.GreaterOrEqual(t, trades[0].Notional, 0.5)
	assert.LessOrEqual(t, trades[0].Notional, 25.0)
}

func TestReflectionRunsAfterScan(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	// Six failed entries trip the adaptive tightening rule.
	for i := 0; i < 6; i++ {
		_, err := f.journal.Append(journal.Entry{Symbol: "BTC", Outcome: journal.OutcomeFailed})
		require.NoError(t, err)
	}

	report, err := f.svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Reflection.Tightened)

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.MinEdgeOverride)
	assert.InDelta(t, 0.06, *state.MinEdgeOverride, 1e-9)
}

func TestRunEventScanCooldown(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	f.candidates = []Candidate{breakoutCandidate("BTC")}
	req := eventscan.Request{EventKey: "news:BTC", ItemCount: 5}

	decision, report, err := f.svc.RunEventScan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Executed)

	decision, report, err = f.svc.RunEventScan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, eventscan.VerdictCooldown, decision.Verdict)
	assert.Nil(t, report)
	assert.Len(t, f.exec.decisions, 1, "cooldown prevents a second scan")
}

func TestRunEventScanBelowMinItems(t *testing.T) {
	f := setupScan(t, autonomyTestConfig())
	f.candidates = []Candidate{breakoutCandidate("BTC")}

	decision, report, err := f.svc.RunEventScan(context.Background(),
		eventscan.Request{EventKey: "news:BTC", ItemCount: 1})
	require.NoError(t, err)
	assert.Equal(t, eventscan.VerdictBelowMinItems, decision.Verdict)
	assert.Nil(t, report)
}
