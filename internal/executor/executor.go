// Package executor defines how approved decisions reach the market and
// provides the paper-mode implementation.
package executor

import "context"

// Decision is one approved order request.
type Decision struct {
	Symbol     string
	Side       string // buy | sell
	Size       float64
	OrderType  string // market | limit
	Price      *float64
	Leverage   *float64
	ReduceOnly bool
	Reasoning  string
}

// Market carries the execution context for a decision.
type Market struct {
	Symbol    string
	MarkPrice float64
}

// Result reports what the venue did with a decision.
type Result struct {
	Executed bool
	Message  string
	OrderID  string
}

// Order is one resting order visible through the executor.
type Order struct {
	ID     string
	Symbol string
	Side   string
	Price  float64
	Size   float64
}

// Executor places validated decisions. Implementations exist per execution
// mode; paper is the default.
type Executor interface {
	Execute(ctx context.Context, market Market, decision Decision) (Result, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, id string) error
}
