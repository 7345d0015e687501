// Package exchange provides the read-only market-data client for the
// configured venue's info endpoint.
package exchange

import (
	"errors"
	"fmt"
)

// Mids maps symbol to mid price.
type Mids map[string]float64

// AssetPosition is one open position as reported by the clearinghouse.
type AssetPosition struct {
	Symbol           string
	Size             float64 // signed: positive long, negative short
	EntryPrice       float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	Leverage         float64
	MarginUsed       float64
}

// MarginSummary is the account-level margin state.
type MarginSummary struct {
	AccountValue    float64
	TotalMarginUsed float64
	TotalNtlPos     float64
	Withdrawable    float64
}

// ClearinghouseState is the account snapshot.
type ClearinghouseState struct {
	AssetPositions []AssetPosition
	MarginSummary  MarginSummary
}

// AssetMeta describes one tradable asset.
type AssetMeta struct {
	Name         string
	SzDecimals   int
	MaxLeverage  int
	OnlyIsolated bool
}

// AssetCtx is the live context for one asset, index-aligned with the
// universe.
type AssetCtx struct {
	FundingRate  float64
	OpenInterest float64
	MarkPrice    float64
	MidPrice     float64
	DayVolume    float64
}

// OpenOrder is one resting order on the venue.
type OpenOrder struct {
	ID     int64
	Symbol string
	Side   string // buy | sell
	Price  float64
	Size   float64
}

// StatusError is a non-retryable HTTP error response from the venue.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable classifies transport errors: timeouts, aborts, and missing
// responses retry; an HTTP status response does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	return !errors.As(err, &statusErr)
}
