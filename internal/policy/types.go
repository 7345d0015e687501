// Package policy implements the entry gates of the autonomy control plane:
// regime classification, news provenance, signal calibration, daily caps,
// observation mode, and fractional Kelly sizing.
package policy

import "time"

// Market regimes.
const (
	RegimeTrending          = "trending"
	RegimeChoppy            = "choppy"
	RegimeHighVolExpansion  = "high_vol_expansion"
	RegimeLowVolCompression = "low_vol_compression"
)

// Signal classes.
const (
	SignalMomentumBreakout   = "momentum_breakout"
	SignalMeanReversion      = "mean_reversion"
	SignalLiquidationCascade = "liquidation_cascade"
	SignalNewsEvent          = "news_event"
	SignalUnknown            = "unknown"
)

// Volatility buckets.
const (
	VolHigh   = "high"
	VolMedium = "medium"
	VolLow    = "low"
)

// Liquidity buckets.
const (
	LiqDeep   = "deep"
	LiqNormal = "normal"
	LiqThin   = "thin"
)

// Primitive kinds inside a signal cluster.
const (
	PrimitivePriceVolRegime      = "price_vol_regime"
	PrimitiveOrderflowImbalance  = "orderflow_imbalance"
	PrimitiveReflexivityFragility = "reflexivity_fragility"
	PrimitiveFundingOISkew       = "funding_oi_skew"
	PrimitiveCrossAssetDivergence = "cross_asset_divergence"
	PrimitiveOnchainFlow         = "onchain_flow"
)

// Metric keys the classifier reads from primitives.
const (
	MetricTrend      = "trend"
	MetricVolZ       = "volZ"
	MetricTradeCount = "tradeCount"
)

// Primitive is one tagged signal inside a cluster.
type Primitive struct {
	Kind    string
	Metrics map[string]float64
	Bias    string // directional bias: long | short | neutral
}

// SignalCluster bundles the primitives observed for a symbol.
type SignalCluster struct {
	Symbol     string
	Primitives []Primitive
	ObservedAt time.Time
}

// Primitive returns the first primitive of the given kind, or nil.
func (c SignalCluster) Primitive(kind string) *Primitive {
	for i := range c.Primitives {
		if c.Primitives[i].Kind == kind {
			return &c.Primitives[i]
		}
	}
	return nil
}

// Metric reads a metric from the first primitive of the given kind,
// returning 0 when absent.
func (c SignalCluster) Metric(kind, key string) float64 {
	if p := c.Primitive(kind); p != nil {
		return p.Metrics[key]
	}
	return 0
}

// NewsSource is one provenance record on a news trigger.
type NewsSource struct {
	Source string
}

// NewsTrigger carries the provenance scores of a news-driven expression.
type NewsTrigger struct {
	Enabled      bool
	Sources      []NewsSource
	Novelty      float64
	Confirmation float64
	Liquidity    float64
	Volatility   float64
	ExpiresAt    time.Time
}

// DistinctSources counts unique source names on the trigger.
func (t NewsTrigger) DistinctSources() int {
	seen := make(map[string]struct{}, len(t.Sources))
	for _, s := range t.Sources {
		if s.Source != "" {
			seen[s.Source] = struct{}{}
		}
	}
	return len(seen)
}

// Expression is a candidate trade the discovery layer produced.
type Expression struct {
	HypothesisID     string
	Symbol           string
	Side             string // buy | sell
	SignalClass      string
	MarketRegime     string
	VolatilityBucket string
	LiquidityBucket  string
	Confidence       float64 // 0..1
	ExpectedEdge     float64 // 0..1
	Leverage         float64
	ProbeSize        float64 // USD notional suggestion, may be zero
	News             *NewsTrigger
}
