package textrank

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// fuzzyScores is the typo-tolerant fallback used when no document shares a
// term with the query. Each query token is matched against the vocabulary
// with Jaro-Winkler; a document's token score is the mean over query tokens
// of its best matching term. The whole query is also compared to each title
// and URL with normalized Levenshtein similarity, and the larger of the two
// is kept when it reaches the threshold.
func (idx *Index) fuzzyScores(q string, qTokens []string) []Score {
	jw := metrics.NewJaroWinkler()
	jw.CaseSensitive = false
	lev := metrics.NewLevenshtein()
	lev.CaseSensitive = false

	threshold := idx.params.FuzzyThreshold

	// best[di][qi] is the best similarity of query token qi within doc di.
	best := make(map[int][]float64)
	for qi, qt := range qTokens {
		for _, term := range idx.vocab {
			sim := strutil.Similarity(qt, term, jw)
			if sim < threshold {
				continue
			}
			for _, di := range idx.postings[term] {
				row, ok := best[di]
				if !ok {
					row = make([]float64, len(qTokens))
					best[di] = row
				}
				if sim > row[qi] {
					row[qi] = sim
				}
			}
		}
	}

	var out []Score
	for di := range idx.docs {
		var tokenSim float64
		if row, ok := best[di]; ok {
			var sum float64
			for _, s := range row {
				sum += s
			}
			tokenSim = sum / float64(len(qTokens))
		}

		d := &idx.docs[di]
		sim := max(
			tokenSim,
			strutil.Similarity(q, d.title, lev),
			strutil.Similarity(q, d.url, lev),
		)
		if sim >= threshold {
			out = append(out, Score{ID: d.id, Value: sim})
		}
	}
	return out
}
