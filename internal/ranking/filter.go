package ranking

import "math"

// FilterResults trims the low-confidence tail of a ranked list. Each item
// is kept when sigmoid(steepness·(score/max − midpoint)) reaches the keep
// threshold, where steepness grows with query complexity.
//
// Nothing is filtered when there are at most MinCandidates items, when the
// top score is not positive, or when a single-token query has a top score
// above SingleTokenMaxScore. Item order is preserved.
func FilterResults[T any](items []T, score func(T) float64, queryTokens int, p FilterParams) []T {
	if len(items) <= p.MinCandidates {
		return items
	}

	maxScore := math.Inf(-1)
	for _, it := range items {
		maxScore = math.Max(maxScore, score(it))
	}
	if maxScore <= 0 || math.IsInf(maxScore, 0) || math.IsNaN(maxScore) {
		return items
	}
	if queryTokens <= 1 && maxScore > p.SingleTokenMaxScore {
		return items
	}

	steepness := p.Steepness + p.ComplexitySteepness*QueryComplexity(queryTokens, p.ComplexityTokens)

	kept := make([]T, 0, len(items))
	for _, it := range items {
		ratio := score(it) / maxScore
		if Sigmoid(steepness*(ratio-p.Midpoint)) >= p.KeepThreshold {
			kept = append(kept, it)
		}
	}
	return kept
}

// QueryComplexity maps a token count to [0,1], saturating at saturateAt tokens.
func QueryComplexity(tokens, saturateAt int) float64 {
	if tokens <= 0 || saturateAt <= 0 {
		return 0
	}
	return math.Min(float64(tokens)/float64(saturateAt), 1)
}
