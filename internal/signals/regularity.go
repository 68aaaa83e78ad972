package signals

import (
	"math"
	"slices"
	"time"
)

// DefaultRegularity is the neutral score for pages without enough history.
const DefaultRegularity = 0.5

// Regularity scores how periodically a page is revisited:
//
//	(1/(1+cv)) · (1 + H/ln(n))
//
// where cv is the coefficient of variation of the inter-visit intervals, H
// the Shannon entropy of the normalized intervals and n the visit count.
// Fewer than two visits, a zero total interval, or any non-finite
// intermediate result yields DefaultRegularity.
func Regularity(starts []time.Time) float64 {
	n := len(starts)
	if n < 2 {
		return DefaultRegularity
	}

	sorted := slices.Clone(starts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	intervals := make([]float64, n-1)
	var sum float64
	for i := 1; i < n; i++ {
		intervals[i-1] = sorted[i].Sub(sorted[i-1]).Seconds()
		sum += intervals[i-1]
	}
	if sum <= 0 {
		return DefaultRegularity
	}

	mean := sum / float64(len(intervals))
	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	cv := 0.0
	if mean > 0 {
		cv = math.Sqrt(variance) / mean
	}

	var entropy float64
	for _, iv := range intervals {
		p := iv / sum
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}

	score := (1 / (1 + cv)) * (1 + entropy/math.Log(float64(n)))
	return finiteOr(score, DefaultRegularity)
}
