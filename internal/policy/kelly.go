package policy

import "math"

// KellyInput feeds FractionalKelly. Edge and Expectancy come from the
// candidate and its signal-class history; Variance is the variance of
// captured R multiples.
type KellyInput struct {
	Edge        float64
	Expectancy  float64
	Variance    float64
	SampleCount int
	MaxFraction float64 // 0 means the default 0.25
}

// Quarter-Kelly scaling and sample-confidence bounds.
const (
	kellyScale        = 0.25
	kellyMinFraction  = 0.01
	kellyMaxDefault   = 0.25
	kellyFullSamples  = 20
	kellyMinConfidence = 0.2
)

// FractionalKelly computes a variance-normalized, confidence-scaled position
// fraction. Output is always within [0.01, maxFraction].
func FractionalKelly(in KellyInput) float64 {
	maxFraction := in.MaxFraction
	if maxFraction <= 0 {
		maxFraction = kellyMaxDefault
	}

	variance := math.Max(in.Variance, 0.1)
	raw := math.Max(0, in.Edge*math.Max(0, in.Expectancy)) / variance

	confidence := clamp(float64(in.SampleCount)/kellyFullSamples, kellyMinConfidence, 1)
	fraction := raw * kellyScale * confidence

	return clamp(fraction, kellyMinFraction, maxFraction)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
