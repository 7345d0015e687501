// Package autonomy runs the discovery scan pipeline: candidate expressions
// flow through classification, the entry gates, and Kelly sizing, and every
// outcome lands in the trade journal. The reflective mutator runs after each
// scan so a losing streak tightens the next one.
package autonomy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/avlonitis/vigil/internal/adaptation"
	"github.com/avlonitis/vigil/internal/alerting"
	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/eventscan"
	"github.com/avlonitis/vigil/internal/executor"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/policy"
)

// Candidate is one tradable expression with the market context it was
// discovered in.
type Candidate struct {
	Expression policy.Expression
	Cluster    policy.SignalCluster
	MarkPrice  float64
}

// CandidateSource produces candidates for one scan. The discovery layer is an
// external collaborator; tests use a canned source.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// SourceFunc adapts a function to CandidateSource.
type SourceFunc func(ctx context.Context) ([]Candidate, error)

func (f SourceFunc) Candidates(ctx context.Context) ([]Candidate, error) { return f(ctx) }

// Report summarises one scan.
type Report struct {
	Candidates int
	Executed   int
	WouldTrade int
	Blocked    int
	Failed     int
	Reflection adaptation.Result
}

// kellySampleWindow bounds the per-class history read for sizing.
const kellySampleWindow = 200

// Service is the scan pipeline.
type Service struct {
	cfg         config.AutonomyConfig
	wallet      config.WalletConfig
	maxLeverage int
	source      CandidateSource
	engine      *policy.Engine
	journal     *journal.Repository
	trades      *journal.TradeRepository
	exec        executor.Executor
	alerts      *alerting.Service
	mutator     *adaptation.Mutator
	coordinator *eventscan.Coordinator
	clock       clock.Clock
	log         zerolog.Logger

	mu       sync.RWMutex
	fullAuto bool
}

// New creates the scan service.
func New(cfg config.AutonomyConfig, wallet config.WalletConfig, maxLeverage int,
	source CandidateSource, engine *policy.Engine, jr *journal.Repository,
	tr *journal.TradeRepository, exec executor.Executor, alerts *alerting.Service,
	mutator *adaptation.Mutator, coordinator *eventscan.Coordinator,
	clk clock.Clock, log zerolog.Logger) *Service {

	return &Service{
		cfg:         cfg,
		wallet:      wallet,
		maxLeverage: maxLeverage,
		source:      source,
		engine:      engine,
		journal:     jr,
		trades:      tr,
		exec:        exec,
		alerts:      alerts,
		mutator:     mutator,
		coordinator: coordinator,
		clock:       clk,
		log:         log.With().Str("component", "autonomy").Logger(),
		fullAuto:    cfg.FullAuto,
	}
}

// FullAuto reports whether live execution is currently permitted.
func (s *Service) FullAuto() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fullAuto
}

// SetFullAuto flips the live-execution switch at runtime. Scans already in
// flight keep the mode they started with.
func (s *Service) SetFullAuto(enabled bool) {
	s.mu.Lock()
	s.fullAuto = enabled
	s.mu.Unlock()
	s.log.Info().Bool("full_auto", enabled).Msg("Full-auto mode changed")
}

// RunScan pulls candidates, gates and sizes each one, executes what survives,
// and reflects on the journal afterwards. Per-candidate denials are journaled,
// never returned as errors; an error means the scan itself could not run.
func (s *Service) RunScan(ctx context.Context) (Report, error) {
	var report Report

	candidates, err := s.source.Candidates(ctx)
	if err != nil {
		return report, fmt.Errorf("candidate source failed: %w", err)
	}
	report.Candidates = len(candidates)

	state, err := s.engine.CurrentState()
	if err != nil {
		return report, fmt.Errorf("failed to load policy state: %w", err)
	}

	minEdge := s.engine.EffectiveMinEdge(state)
	maxPerScan := s.engine.EffectiveMaxTradesPerScan(state)
	leverageCap := s.engine.EffectiveLeverageCap(state)
	observing := state.InObservation(s.clock.Now())

	for _, c := range candidates {
		s.processCandidate(ctx, c, &report, minEdge, maxPerScan, leverageCap, observing)
	}

	// Reflection runs even on an empty scan: yesterday's losses tighten
	// today's overrides regardless of what discovery produced.
	reflection, err := s.mutator.Reflect()
	if err != nil {
		s.log.Error().Err(err).Msg("Reflection failed after scan")
	} else {
		report.Reflection = reflection
		if reflection.ObservationForced {
			s.raise("observation_forced", alerting.SeverityHigh,
				"observation-only mode forced", reflection.Reason)
		}
	}

	s.log.Info().
		Int("candidates", report.Candidates).
		Int("executed", report.Executed).
		Int("would_trade", report.WouldTrade).
		Int("blocked", report.Blocked).
		Int("failed", report.Failed).
		Msg("Scan complete")

	return report, nil
}

// RunEventScan is the external-event entry point. The coordinator's cooldown
// decides whether a scan actually runs.
func (s *Service) RunEventScan(ctx context.Context, req eventscan.Request) (eventscan.Decision, *Report, error) {
	decision := s.coordinator.TryAcquire(req)
	if !decision.Allowed() {
		s.log.Debug().Str("event_key", req.EventKey).
			Str("verdict", string(decision.Verdict)).Msg("Event scan declined")
		return decision, nil, nil
	}

	report, err := s.RunScan(ctx)
	if err != nil {
		return decision, nil, err
	}
	return decision, &report, nil
}

func (s *Service) processCandidate(ctx context.Context, c Candidate, report *Report,
	minEdge float64, maxPerScan int, leverageCap int, observing bool) {

	expr := c.Expression
	signalClass := policy.ClassifySignal(expr)
	regime := expr.MarketRegime
	if regime == "" {
		regime = policy.ClassifyRegime(c.Cluster)
	}
	volBucket := expr.VolatilityBucket
	if volBucket == "" {
		volBucket = policy.VolatilityBucket(c.Cluster)
	}
	liqBucket := expr.LiquidityBucket
	if liqBucket == "" {
		liqBucket = policy.LiquidityBucket(c.Cluster)
	}

	base := journal.Entry{
		Symbol:           expr.Symbol,
		Side:             expr.Side,
		OrderType:        "market",
		MarkPrice:        c.MarkPrice,
		SignalClass:      signalClass,
		MarketRegime:     regime,
		VolatilityBucket: volBucket,
		LiquidityBucket:  liqBucket,
	}

	block := func(reason string) {
		report.Blocked++
		base.Outcome = journal.OutcomeBlocked
		base.Reason = reason
		s.append(base)
	}

	if report.Executed+report.WouldTrade >= maxPerScan {
		block(fmt.Sprintf("per-scan trade cap reached (%d)", maxPerScan))
		return
	}

	if signalClass == policy.SignalNewsEvent || (expr.News != nil && expr.News.Enabled) {
		if ok, reason := policy.NewsEntryGate(s.cfg.NewsEntry, expr, s.clock.Now()); !ok {
			block("news entry gate: " + reason)
			return
		}
	}

	allowed, reason, err := s.engine.GlobalTradeGate(policy.GateInput{
		SignalClass: signalClass,
		Regime:      regime,
	})
	if err != nil {
		s.log.Error().Err(err).Str("symbol", expr.Symbol).Msg("Trade gate failed")
		block("trade gate error: " + err.Error())
		return
	}
	if !allowed {
		block(reason)
		return
	}

	if expr.ExpectedEdge < minEdge {
		block(fmt.Sprintf("expected edge %.3f below minimum %.3f", expr.ExpectedEdge, minEdge))
		return
	}

	if c.MarkPrice <= 0 {
		block("no mark price for sizing")
		return
	}

	notional := s.sizeProbe(expr, signalClass)
	leverage := expr.Leverage
	if leverage <= 0 || leverage > float64(leverageCap) {
		leverage = float64(leverageCap)
	}
	size := notional / c.MarkPrice

	base.Size = size
	base.Leverage = leverage

	if observing || !s.FullAuto() {
		report.WouldTrade++
		base.Outcome = journal.OutcomeWouldTrade
		base.Reason = wouldTradeReason(observing, notional)
		s.append(base)
		return
	}

	s.execute(ctx, base, c, notional, leverage, report)
}

// sizeProbe converts the Kelly fraction of the daily limit into a USD
// notional, floored at the probe fraction and capped by the per-trade limit.
func (s *Service) sizeProbe(expr policy.Expression, signalClass string) float64 {
	rs, err := s.journal.CapturedRBySignalClass(signalClass, kellySampleWindow)
	if err != nil {
		s.log.Warn().Err(err).Str("signal_class", signalClass).
			Msg("Could not load class history; sizing from priors")
		rs = nil
	}

	var expectancy, variance float64
	if len(rs) > 0 {
		expectancy, variance = stat.MeanVariance(rs, nil)
	}

	fraction := policy.FractionalKelly(policy.KellyInput{
		Edge:        expr.ExpectedEdge,
		Expectancy:  math.Max(expectancy, expr.Confidence),
		Variance:    variance,
		SampleCount: len(rs),
	})

	notional := s.wallet.DailyLimitUSD * fraction
	floor := s.wallet.DailyLimitUSD * s.cfg.ProbeRiskFraction
	if notional < floor {
		notional = floor
	}
	if notional > s.wallet.PerTradeLimitUSD {
		notional = s.wallet.PerTradeLimitUSD
	}
	if expr.ProbeSize > 0 && expr.ProbeSize < notional {
		notional = expr.ProbeSize
	}
	return notional
}

func (s *Service) execute(ctx context.Context, base journal.Entry, c Candidate,
	notional, leverage float64, report *Report) {

	expr := c.Expression
	decision := executor.Decision{
		Symbol:    expr.Symbol,
		Side:      expr.Side,
		Size:      base.Size,
		OrderType: "market",
		Leverage:  &leverage,
		Reasoning: expr.HypothesisID,
	}

	result, err := s.exec.Execute(ctx, executor.Market{Symbol: expr.Symbol, MarkPrice: c.MarkPrice}, decision)
	if err != nil || !result.Executed {
		report.Failed++
		base.Outcome = journal.OutcomeFailed
		if err != nil {
			base.Reason = err.Error()
		} else {
			base.Reason = result.Message
		}
		s.append(base)
		s.raise("execution_failed", alerting.SeverityHigh,
			fmt.Sprintf("%s %s execution failed", expr.Symbol, expr.Side), base.Reason)
		return
	}

	report.Executed++
	base.Outcome = journal.OutcomeExecuted
	base.Reason = expr.HypothesisID
	s.append(base)

	if _, err := s.trades.Insert(journal.Trade{
		Symbol:     expr.Symbol,
		Side:       expr.Side,
		Size:       base.Size,
		Price:      c.MarkPrice,
		Notional:   notional,
		Leverage:   leverage,
		OrderType:  "market",
		Status:     "executed",
		ExecutedAt: s.clock.Now(),
	}); err != nil {
		s.log.Error().Err(err).Str("symbol", expr.Symbol).Msg("Failed to record trade")
	}
}

func (s *Service) append(e journal.Entry) {
	if _, err := s.journal.Append(e); err != nil {
		s.log.Error().Err(err).Str("symbol", e.Symbol).Msg("Failed to journal scan outcome")
	}
}

func (s *Service) raise(reason, severity, summary, message string) {
	if s.alerts == nil {
		return
	}
	key := "autonomy:" + reason
	if _, _, err := s.alerts.Raise(alerting.CreateInput{
		DedupeKey: key,
		Source:    "autonomy",
		Reason:    reason,
		Severity:  severity,
		Summary:   summary,
		Message:   message,
	}); err != nil {
		s.log.Error().Err(err).Str("reason", reason).Msg("Failed to raise alert")
	}
}

func wouldTradeReason(observing bool, notional float64) string {
	parts := []string{fmt.Sprintf("sized %.2f USD", notional)}
	if observing {
		parts = append(parts, "observation-only mode active")
	} else {
		parts = append(parts, "full-auto disabled")
	}
	return strings.Join(parts, "; ")
}
