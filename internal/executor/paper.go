package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/paper"
)

// PaperExecutor routes decisions into the in-process matching book.
type PaperExecutor struct {
	book *paper.Engine
	log  zerolog.Logger
}

// NewPaperExecutor creates the paper-mode executor.
func NewPaperExecutor(book *paper.Engine, log zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		book: book,
		log:  log.With().Str("component", "paper_executor").Logger(),
	}
}

// Execute implements Executor. Policy refusals (reduce-only violations)
// come back as unexecuted results, not errors; errors mean the store failed.
func (e *PaperExecutor) Execute(ctx context.Context, market Market, decision Decision) (Result, error) {
	in := paper.PlaceInput{
		Symbol:     decision.Symbol,
		Side:       decision.Side,
		Size:       decision.Size,
		Price:      decision.Price,
		OrderType:  decision.OrderType,
		ReduceOnly: decision.ReduceOnly,
	}
	if decision.Leverage != nil {
		in.Leverage = *decision.Leverage
	}

	order, fill, err := e.book.Place(in, market.MarkPrice)
	if err != nil {
		if errors.Is(err, paper.ErrReduceOnly) {
			return Result{Executed: false, Message: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("paper execution failed: %w", err)
	}

	result := Result{Executed: true, OrderID: order.ID}
	if fill != nil {
		result.Message = fmt.Sprintf("filled %s %v %s at %v (realized %s)",
			decision.Side, fill.Size, decision.Symbol, fill.Price, fill.RealizedPnL)
	} else {
		result.Message = fmt.Sprintf("resting %s %v %s at %v",
			decision.Side, decision.Size, decision.Symbol, *decision.Price)
	}

	e.log.Info().
		Str("symbol", decision.Symbol).
		Str("side", decision.Side).
		Float64("size", decision.Size).
		Bool("filled", fill != nil).
		Str("reasoning", decision.Reasoning).
		Msg("Paper decision executed")
	return result, nil
}

// GetOpenOrders implements Executor.
func (e *PaperExecutor) GetOpenOrders(ctx context.Context) ([]Order, error) {
	resting, err := e.book.OpenOrders()
	if err != nil {
		return nil, err
	}
	orders := make([]Order, len(resting))
	for i, o := range resting {
		orders[i] = Order{ID: o.ID, Symbol: o.Symbol, Side: o.Side, Size: o.Size}
		if o.Price != nil {
			orders[i].Price = *o.Price
		}
	}
	return orders, nil
}

// CancelOrder implements Executor.
func (e *PaperExecutor) CancelOrder(ctx context.Context, id string) error {
	return e.book.Cancel(id)
}
