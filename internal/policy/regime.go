package policy

import (
	"math"
	"strings"
)

// ClassifyRegime classifies the market regime from the price-vol primitive.
// Rules are evaluated in order; both volatility boundaries are inclusive.
func ClassifyRegime(cluster SignalCluster) string {
	trend := cluster.Metric(PrimitivePriceVolRegime, MetricTrend)
	volZ := cluster.Metric(PrimitivePriceVolRegime, MetricVolZ)

	switch {
	case volZ >= 1.0:
		return RegimeHighVolExpansion
	case volZ <= -0.5:
		return RegimeLowVolCompression
	case math.Abs(trend) >= 0.015:
		return RegimeTrending
	default:
		return RegimeChoppy
	}
}

// VolatilityBucket buckets the cluster by |volZ|.
func VolatilityBucket(cluster SignalCluster) string {
	absVolZ := math.Abs(cluster.Metric(PrimitivePriceVolRegime, MetricVolZ))
	switch {
	case absVolZ >= 1.2:
		return VolHigh
	case absVolZ <= 0.4:
		return VolLow
	default:
		return VolMedium
	}
}

// LiquidityBucket buckets the cluster by the orderflow trade count.
func LiquidityBucket(cluster SignalCluster) string {
	trades := cluster.Metric(PrimitiveOrderflowImbalance, MetricTradeCount)
	switch {
	case trades >= 18:
		return LiqDeep
	case trades <= 4:
		return LiqThin
	default:
		return LiqNormal
	}
}

// ClassifySignal returns the expression's signal class. An explicit class on
// the expression wins; hypothesis-id substring matching is a legacy fallback
// for discovery outputs that predate the explicit field.
func ClassifySignal(expr Expression) string {
	if expr.SignalClass != "" {
		return expr.SignalClass
	}

	id := strings.ToLower(expr.HypothesisID)
	switch {
	case strings.Contains(id, "_revert"):
		return SignalMeanReversion
	case strings.Contains(id, "_reflex"):
		return SignalLiquidationCascade
	case strings.Contains(id, "_trend"):
		return SignalMomentumBreakout
	case expr.News != nil && expr.News.Enabled:
		return SignalNewsEvent
	default:
		return SignalUnknown
	}
}
