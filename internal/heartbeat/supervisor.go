package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/alerting"
	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/exchange"
	"github.com/avlonitis/vigil/internal/executor"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/paper"
	"github.com/avlonitis/vigil/internal/retry"
)

// Hard circuit-breaker thresholds. These fire without consulting the oracle.
const (
	emergencyLiqDistPct = 2.0  // strict less-than
	emergencyPnLPct     = -5.0 // percent of equity
)

// MarketData is the subset of the exchange client the supervisor polls.
type MarketData interface {
	GetAllMids(ctx context.Context) (exchange.Mids, error)
	GetClearinghouseState(ctx context.Context) (*exchange.ClearinghouseState, error)
	GetMetaAndAssetCtxs(ctx context.Context) ([]exchange.AssetMeta, []exchange.AssetCtx, error)
}

// Supervisor watches open positions each tick and acts on triggers. All
// per-symbol state (rings, cooldowns, open timestamps) is owned by the single
// heartbeat loop.
type Supervisor struct {
	cfg      config.HeartbeatConfig
	execMode string
	venue    string
	market   MarketData
	exec     executor.Executor
	journal  *journal.Repository
	alerts   *alerting.Service
	oracle   Oracle
	limiter  *SlidingWindow
	poll     retry.Policy
	clock    clock.Clock
	log      zerolog.Logger

	rings     map[string]*Ring
	lastFired map[string]map[string]time.Time
	openedAt  map[string]time.Time
	prevSeen  map[string]bool
}

// New creates a supervisor.
func New(cfg config.HeartbeatConfig, execMode, venue string, market MarketData,
	exec executor.Executor, jr *journal.Repository, alerts *alerting.Service,
	oracle Oracle, clk clock.Clock, log zerolog.Logger) *Supervisor {

	return &Supervisor{
		cfg:      cfg,
		execMode: execMode,
		venue:    venue,
		market:   market,
		exec:     exec,
		journal:  jr,
		alerts:   alerts,
		oracle:   oracle,
		limiter:  NewSlidingWindow(cfg.LLM.MaxCallsPerHour, time.Hour, clk),
		poll:     retry.DefaultPoll(exchange.IsRetryable),
		clock:    clk,
		log:      log.With().Str("component", "heartbeat").Logger(),

		rings:     map[string]*Ring{},
		lastFired: map[string]map[string]time.Time{},
		openedAt:  map[string]time.Time{},
		prevSeen:  map[string]bool{},
	}
}

// Tick is the scheduler handler: one pass over all open positions. A failed
// tick degrades, it never blocks the next one.
func (s *Supervisor) Tick(ctx context.Context) error {
	if !s.cfg.Enabled || s.execMode != "live" || s.venue != "hyperliquid" {
		return nil
	}

	state, mids, err := s.pollData(ctx)
	if err != nil {
		s.handlePollFailure(err)
		return nil
	}

	now := s.clock.Now()
	seen := map[string]bool{}
	equity := state.MarginSummary.AccountValue
	funding := s.fundingBySymbol(ctx)

	for _, pos := range state.AssetPositions {
		if pos.Size == 0 {
			continue
		}
		seen[pos.Symbol] = true

		mark, ok := mids[pos.Symbol]
		if !ok || mark <= 0 {
			s.journalSkip(pos.Symbol, "no mid for symbol this tick")
			continue
		}

		s.observe(ctx, pos, mark, equity, funding[pos.Symbol], now)
	}

	s.reapClosed(seen, now)
	s.prevSeen = seen
	return nil
}

// pollData fetches positions then mids, each under the backoff policy.
func (s *Supervisor) pollData(ctx context.Context) (*exchange.ClearinghouseState, exchange.Mids, error) {
	var state *exchange.ClearinghouseState
	err := s.poll.Do(ctx, func() error {
		var err error
		state, err = s.market.GetClearinghouseState(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("clearinghouse poll failed: %w", err)
	}

	var mids exchange.Mids
	err = s.poll.Do(ctx, func() error {
		var err error
		mids, err = s.market.GetAllMids(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mids poll failed: %w", err)
	}
	return state, mids, nil
}

// handlePollFailure degrades the tick: a skip entry per known symbol, an
// alert, and no orders on stale data.
func (s *Supervisor) handlePollFailure(pollErr error) {
	s.log.Error().Err(pollErr).Msg("Heartbeat data poll failed")

	for symbol := range s.prevSeen {
		s.journalSkip(symbol, pollErr.Error())
	}

	if s.alerts != nil {
		_, _, err := s.alerts.Raise(alerting.CreateInput{
			DedupeKey: "heartbeat:data_poll",
			Source:    "heartbeat",
			Reason:    "data_poll_failed",
			Severity:  alerting.SeverityHigh,
			Summary:   "heartbeat data poll failed; tick degraded",
			Message:   pollErr.Error(),
		})
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to raise data poll alert")
		}
	}
}

func (s *Supervisor) journalSkip(symbol, reason string) {
	if _, err := s.journal.Append(journal.Entry{
		Symbol:   symbol,
		Outcome:  journal.OutcomeSkipped,
		Triggers: []string{TriggerDataPollFailed},
		Reason:   reason,
	}); err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to journal skip")
	}
}

// fundingBySymbol reads current funding rates. Best effort: a failed fetch
// only disables the funding trigger for this tick.
func (s *Supervisor) fundingBySymbol(ctx context.Context) map[string]float64 {
	universe, ctxs, err := s.market.GetMetaAndAssetCtxs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Funding fetch failed; funding trigger idle this tick")
		return nil
	}
	funding := make(map[string]float64, len(universe))
	for i, meta := range universe {
		if i < len(ctxs) {
			funding[meta.Name] = ctxs[i].FundingRate
		}
	}
	return funding
}

// observe appends the tick for one position, evaluates triggers, and acts.
func (s *Supervisor) observe(ctx context.Context, pos exchange.AssetPosition,
	mark, equity, fundingRate float64, now time.Time) {

	ring, ok := s.rings[pos.Symbol]
	if !ok {
		ring = NewRing(s.cfg.RollingBufferSize)
		s.rings[pos.Symbol] = ring
		s.openedAt[pos.Symbol] = now
		s.lastFired[pos.Symbol] = map[string]time.Time{}
	}

	view := s.positionView(ctx, pos, mark)
	tick := s.buildTick(pos, view, mark, equity, now)
	tick.FundingRate = fundingRate
	ring.Append(tick)

	// Hard circuit breakers short-circuit everything else.
	if tick.LiqDistPct < emergencyLiqDistPct {
		s.emergencyClose(ctx, view, mark, TriggerLiquidationProximity,
			fmt.Sprintf("liquidation distance %.2f%% below %.1f%%", tick.LiqDistPct, emergencyLiqDistPct))
		return
	}
	if tick.PnLPctOfEquity < emergencyPnLPct {
		s.emergencyClose(ctx, view, mark, TriggerPnLShift,
			fmt.Sprintf("PnL %.2f%% of equity below %.1f%%", tick.PnLPctOfEquity, emergencyPnLPct))
		return
	}

	fired := EvaluateTriggers(ring.Points(), s.cfg.Triggers, now,
		s.openedAt[pos.Symbol], s.lastFired[pos.Symbol])
	if len(fired) == 0 {
		return
	}

	s.consult(ctx, view, mark, fired)
}

func (s *Supervisor) buildTick(pos exchange.AssetPosition, view PositionView,
	mark, equity float64, now time.Time) Tick {

	tick := Tick{Time: now, Mark: mark}

	if equity > 0 {
		tick.PnLPctOfEquity = pos.UnrealizedPnL / equity * 100
	}
	if pos.LiquidationPrice > 0 && mark > 0 {
		tick.LiqDistPct = abs(mark-pos.LiquidationPrice) / mark * 100
	} else {
		tick.LiqDistPct = 100 // no liquidation price means no proximity
	}

	if view.CurrentStop != nil && mark > 0 {
		d := abs(mark-*view.CurrentStop) / mark * 100
		tick.StopDistPct = &d
	}
	if view.CurrentTP != nil && mark > 0 {
		d := abs(mark-*view.CurrentTP) / mark * 100
		tick.TPDistPct = &d
	}
	return tick
}

// positionView folds the signed exchange position into the validation shape
// and resolves the current stop from resting reduce-side orders.
func (s *Supervisor) positionView(ctx context.Context, pos exchange.AssetPosition, mark float64) PositionView {
	side := paper.PositionLong
	size := pos.Size
	if size < 0 {
		side = paper.PositionShort
		size = -size
	}

	view := PositionView{Symbol: pos.Symbol, Side: side, Size: size, Mark: mark}

	orders, err := s.exec.GetOpenOrders(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Could not load open orders for stop resolution")
		return view
	}
	for _, o := range orders {
		if o.Symbol != pos.Symbol || o.Side != inverseSide(side) {
			continue
		}
		// A reduce-side order on the loss side of the mark is the stop; on
		// the profit side it is the take-profit.
		price := o.Price
		if (side == paper.PositionLong && o.Price < mark) ||
			(side == paper.PositionShort && o.Price > mark) {
			view.CurrentStop = &price
		} else {
			view.CurrentTP = &price
		}
	}
	return view
}

// emergencyClose places a reduce-only market for the full position.
func (s *Supervisor) emergencyClose(ctx context.Context, view PositionView, mark float64, trigger, why string) {
	decision := executor.Decision{
		Symbol:     view.Symbol,
		Side:       inverseSide(view.Side),
		Size:       view.Size,
		OrderType:  "market",
		ReduceOnly: true,
		Reasoning:  "emergency close: " + why,
	}

	outcome := journal.OutcomeOK
	result, err := s.exec.Execute(ctx, executor.Market{Symbol: view.Symbol, MarkPrice: mark}, decision)
	if err != nil || !result.Executed {
		outcome = journal.OutcomeFailed
		s.log.Error().Err(err).Str("symbol", view.Symbol).Msg("Emergency close failed")
	} else {
		s.log.Warn().Str("symbol", view.Symbol).Str("why", why).Msg("Emergency close executed")
	}

	s.appendActionEntry(view, mark, decision, outcome, []string{trigger}, why)

	if s.alerts != nil {
		_, _, alertErr := s.alerts.Raise(alerting.CreateInput{
			DedupeKey: "heartbeat:emergency:" + view.Symbol,
			Source:    "heartbeat",
			Reason:    "emergency_close",
			Severity:  alerting.SeverityCritical,
			Summary:   fmt.Sprintf("%s emergency close: %s", view.Symbol, why),
		})
		if alertErr != nil {
			s.log.Error().Err(alertErr).Msg("Failed to raise emergency alert")
		}
	}
}

// consult runs the rate-limited advisory layer for one position.
func (s *Supervisor) consult(ctx context.Context, view PositionView, mark float64, triggers []string) {
	if !s.limiter.Allow() {
		s.appendHold(view, mark, journal.OutcomeSkipped, triggers, "advisory rate limit reached")
		return
	}

	timeout := time.Duration(s.cfg.LLM.TimeoutSeconds) * time.Second
	oracleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := s.oracle.Complete(oracleCtx, s.prompt(view, mark, triggers))
	if err != nil {
		s.appendHold(view, mark, journal.OutcomeSkipped, triggers, "oracle call failed: "+err.Error())
		return
	}

	action, err := ExtractAction(content)
	if err != nil {
		// Malformed oracle output degrades to hold.
		s.appendHold(view, mark, journal.OutcomeOK, triggers, "oracle output unusable: "+err.Error())
		return
	}

	if err := ValidateAction(*action, view); err != nil {
		s.appendHold(view, mark, journal.OutcomeRejected, triggers, err.Error())
		return
	}

	s.apply(ctx, *action, view, mark, triggers)
}

// apply executes a validated action.
func (s *Supervisor) apply(ctx context.Context, action Action, view PositionView,
	mark float64, triggers []string) {

	market := executor.Market{Symbol: view.Symbol, MarkPrice: mark}

	switch action.Kind {
	case ActionHold:
		s.appendHold(view, mark, journal.OutcomeOK, triggers, action.Reasoning)

	case ActionCloseEntirely, ActionTakePartialProfit:
		decision := executor.Decision{
			Symbol:     view.Symbol,
			Side:       inverseSide(view.Side),
			Size:       closeSize(action, view),
			OrderType:  "market",
			ReduceOnly: true,
			Reasoning:  action.Reasoning,
		}
		outcome := journal.OutcomeOK
		result, err := s.exec.Execute(ctx, market, decision)
		if err != nil || !result.Executed {
			outcome = journal.OutcomeFailed
		}
		s.appendActionEntry(view, mark, decision, outcome, triggers, action.Reasoning)

	case ActionTightenStop, ActionAdjustTakeProfit:
		price := action.NewStopPrice
		if action.Kind == ActionAdjustTakeProfit {
			price = action.NewTakeProfitPrice
		}
		outcome := journal.OutcomeOK
		if err := s.replaceTriggerOrder(ctx, view, market, *price); err != nil {
			outcome = journal.OutcomeFailed
			s.log.Error().Err(err).Str("symbol", view.Symbol).Msg("Trigger order replacement failed")
		}
		decision := executor.Decision{
			Symbol: view.Symbol, Side: inverseSide(view.Side), Size: view.Size,
			OrderType: "limit", Price: price, ReduceOnly: true, Reasoning: action.Reasoning,
		}
		s.appendActionEntry(view, mark, decision, outcome, triggers, action.Reasoning)

	default:
		// ValidateAction already refused unknown kinds; reaching here is a bug.
		s.appendHold(view, mark, journal.OutcomeRejected, triggers,
			"unhandled action kind "+action.Kind)
	}
}

// replaceTriggerOrder cancels existing reduce-side resting orders for the
// symbol and places the new reduce-only trigger.
func (s *Supervisor) replaceTriggerOrder(ctx context.Context, view PositionView,
	market executor.Market, price float64) error {

	orders, err := s.exec.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	for _, o := range orders {
		if o.Symbol != view.Symbol || o.Side != inverseSide(view.Side) {
			continue
		}
		if err := s.exec.CancelOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("failed to cancel order %s: %w", o.ID, err)
		}
	}

	result, err := s.exec.Execute(ctx, market, executor.Decision{
		Symbol:     view.Symbol,
		Side:       inverseSide(view.Side),
		Size:       view.Size,
		OrderType:  "limit",
		Price:      &price,
		ReduceOnly: true,
	})
	if err != nil {
		return err
	}
	if !result.Executed {
		return fmt.Errorf("trigger order refused: %s", result.Message)
	}
	return nil
}

// reapClosed emits position_closed for symbols that vanished since the last
// tick and drops their in-memory state.
func (s *Supervisor) reapClosed(seen map[string]bool, now time.Time) {
	for symbol := range s.prevSeen {
		if seen[symbol] {
			continue
		}
		closedAt := now
		if _, err := s.journal.Append(journal.Entry{
			Symbol:   symbol,
			Outcome:  journal.OutcomeOK,
			Triggers: []string{TriggerPositionClosed},
			Reason:   "position no longer open",
			ClosedAt: &closedAt,
		}); err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to journal position close")
		}
		delete(s.rings, symbol)
		delete(s.lastFired, symbol)
		delete(s.openedAt, symbol)
	}
}

func (s *Supervisor) appendHold(view PositionView, mark float64, outcome journal.Outcome,
	triggers []string, reason string) {
	if _, err := s.journal.Append(journal.Entry{
		Symbol:    view.Symbol,
		Side:      view.Side,
		Size:      view.Size,
		MarkPrice: mark,
		Outcome:   outcome,
		Triggers:  triggers,
		Reason:    reason,
	}); err != nil {
		s.log.Error().Err(err).Str("symbol", view.Symbol).Msg("Failed to journal hold")
	}
}

func (s *Supervisor) appendActionEntry(view PositionView, mark float64,
	decision executor.Decision, outcome journal.Outcome, triggers []string, reason string) {
	if _, err := s.journal.Append(journal.Entry{
		Symbol:     view.Symbol,
		Side:       decision.Side,
		Size:       decision.Size,
		OrderType:  decision.OrderType,
		ReduceOnly: decision.ReduceOnly,
		MarkPrice:  mark,
		Outcome:    outcome,
		Triggers:   triggers,
		Reason:     reason,
	}); err != nil {
		s.log.Error().Err(err).Str("symbol", view.Symbol).Msg("Failed to journal action")
	}
}

// prompt renders the advisory request. The oracle returns one JSON action.
func (s *Supervisor) prompt(view PositionView, mark float64, triggers []string) string {
	stop := "none"
	if view.CurrentStop != nil {
		stop = fmt.Sprintf("%v", *view.CurrentStop)
	}
	return fmt.Sprintf(
		`You supervise an open perpetual-futures position. Reply with exactly one JSON object:
{"action":"hold|close_entirely|take_partial_profit|tighten_stop|adjust_take_profit", ...}.
take_partial_profit takes exactly one of "fraction" (0..1 exclusive) or "size".
tighten_stop takes "newStopPrice"; adjust_take_profit takes "newTakeProfitPrice".

Position: %s %s size %v, mark %v, current stop %s.
Fired triggers: %v.`,
		view.Side, view.Symbol, view.Size, mark, stop, triggers)
}
