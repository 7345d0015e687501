// Package paper implements the deterministic in-process exchange simulator
// used in paper execution mode. One position per symbol with average entry;
// the book, positions, orders and fills live in the durable store so a
// restart resumes the same account.
package paper

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and types mirror the executor decision vocabulary.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Position sides.
const (
	PositionLong  = "long"
	PositionShort = "short"
)

// Order statuses.
const (
	OrderOpen      = "open"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
	OrderRejected  = "rejected"
)

var (
	// ErrOrderNotFound indicates a cancel against an unknown or already
	// closed order. The book is left unchanged.
	ErrOrderNotFound = errors.New("open order not found")
	// ErrReduceOnly indicates a reduce-only order that would open or grow a
	// position.
	ErrReduceOnly = errors.New("reduce-only order would increase exposure")
)

// DefaultFeeRate is the taker fee applied to every fill, 5 bps.
var DefaultFeeRate = decimal.NewFromFloat(0.0005)

// Book is the account snapshot.
type Book struct {
	StartingCash decimal.Decimal
	Cash         decimal.Decimal
	RealizedPnL  decimal.Decimal
	UpdatedAt    time.Time
}

// Position is one open position.
type Position struct {
	Symbol     string
	Side       string // long | short
	Size       float64
	EntryPrice float64
	Leverage   float64
	UpdatedAt  time.Time
}

// Order is one simulated order.
type Order struct {
	ID         string
	Symbol     string
	Side       string
	Size       float64
	Price      *float64 // limit orders only
	OrderType  string
	ReduceOnly bool
	Leverage   float64
	Status     string
	CreatedAt  time.Time
	FilledAt   *time.Time
}

// Fill records one execution against the book.
type Fill struct {
	ID          int64
	OrderID     string
	Symbol      string
	Side        string
	Size        float64
	Price       float64
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	CreatedAt   time.Time
}

// PlaceInput is one order request.
type PlaceInput struct {
	Symbol     string
	Side       string // buy | sell
	Size       float64
	Price      *float64 // required for limit orders
	OrderType  string   // market | limit
	ReduceOnly bool
	Leverage   float64
}
