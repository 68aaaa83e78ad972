// Package signals implements the contextual models that feed the online
// ranker: navigation transitions, multi-scale recency, time-of-day
// affinity, current-session domain context and visit regularity.
//
// Every model is built once per data snapshot and is read-only afterwards,
// so all of them are safe for concurrent use. Degenerate numeric results
// (NaN, Inf) are replaced by documented defaults rather than propagated.
package signals

import (
	"github.com/onnwee/recall/internal/history"
)

// NavigationModel is a first-order Markov table of page-to-page transitions.
type NavigationModel struct {
	counts   map[string]map[string]float64 // from -> to -> count
	totals   map[string]float64            // from -> sum of counts
	smoothed bool
}

// NewNavigationModel sums edge counts grouped by source page. With smoothed
// set, TransitionProbability returns (count+1)/(total+2), the mean of a
// Beta(1+count, 1+total-count) posterior, which keeps sparse rows away from
// exactly 0 and 1. This is not the Beta(1+count, 1) mean (count+1)/(count+2),
// which ignores the other transitions out of the source page.
func NewNavigationModel(edges []history.Edge, smoothed bool) *NavigationModel {
	m := &NavigationModel{
		counts:   make(map[string]map[string]float64),
		totals:   make(map[string]float64),
		smoothed: smoothed,
	}
	for _, e := range edges {
		if e.Count <= 0 || e.FromPageID == "" || e.ToPageID == "" {
			continue
		}
		row, ok := m.counts[e.FromPageID]
		if !ok {
			row = make(map[string]float64)
			m.counts[e.FromPageID] = row
		}
		row[e.ToPageID] += float64(e.Count)
		m.totals[e.FromPageID] += float64(e.Count)
	}
	return m
}

// TransitionProbability returns P(to | from) in [0,1]. A source page with no
// outgoing edges yields 0.
func (m *NavigationModel) TransitionProbability(from, to string) float64 {
	total := m.totals[from]
	if total <= 0 {
		return 0
	}
	count := m.counts[from][to]
	var p float64
	if m.smoothed {
		p = (count + 1) / (total + 2)
	} else {
		p = count / total
	}
	return finiteOr(p, 0)
}

// OutDegree returns the number of distinct pages reached from a page.
func (m *NavigationModel) OutDegree(from string) int {
	return len(m.counts[from])
}
