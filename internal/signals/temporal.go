package signals

import (
	"math"
	"time"

	"github.com/onnwee/recall/internal/history"
)

// RecencyParams configures the multi-scale recency decay.
type RecencyParams struct {
	ShortHalfLife  time.Duration `json:"short_half_life"`
	MediumHalfLife time.Duration `json:"medium_half_life"`
	LongHalfLife   time.Duration `json:"long_half_life"`

	ShortWeight  float64 `json:"short_weight"`
	MediumWeight float64 `json:"medium_weight"`
	LongWeight   float64 `json:"long_weight"`

	// DwellBoost is the maximum extra weight a long visit earns (0.3 = +30%).
	DwellBoost float64 `json:"dwell_boost"`
	// DwellScaleSeconds is the dwell time at which half the boost is reached.
	DwellScaleSeconds float64 `json:"dwell_scale_seconds"`
}

// DefaultRecencyParams returns half-lives of 2h, 1d and 7d combined as
// short + 0.5·medium + 0.2·long.
func DefaultRecencyParams() RecencyParams {
	return RecencyParams{
		ShortHalfLife:     2 * time.Hour,
		MediumHalfLife:    24 * time.Hour,
		LongHalfLife:      7 * 24 * time.Hour,
		ShortWeight:       1.0,
		MediumWeight:      0.5,
		LongWeight:        0.2,
		DwellBoost:        0.3,
		DwellScaleSeconds: 30,
	}
}

// Decay returns exp(-ln2·Δt/halfLife).
func Decay(dt, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Exp(-math.Ln2 * dt.Seconds() / halfLife.Seconds())
}

// DwellMultiplier returns 1 + (atan(s/scale)/(π/2))·boost, a boost with
// diminishing returns for longer engagement.
func (p RecencyParams) DwellMultiplier(dwellSeconds float64) float64 {
	if dwellSeconds <= 0 || p.DwellScaleSeconds <= 0 {
		return 1
	}
	return 1 + (math.Atan(dwellSeconds/p.DwellScaleSeconds)/(math.Pi/2))*p.DwellBoost
}

// Recency sums the weighted multi-scale decay of every visit. Visits dated
// after now are discarded.
func Recency(visits []history.Visit, now time.Time, p RecencyParams) float64 {
	var short, medium, long float64
	for _, v := range visits {
		dt := now.Sub(v.StartTime)
		if dt < 0 {
			continue
		}
		boost := p.DwellMultiplier(v.DwellSeconds())
		short += Decay(dt, p.ShortHalfLife) * boost
		medium += Decay(dt, p.MediumHalfLife) * boost
		long += Decay(dt, p.LongHalfLife) * boost
	}
	score := p.ShortWeight*short + p.MediumWeight*medium + p.LongWeight*long
	return finiteOr(score, 0)
}

// TimeOfDay holds a 24-bucket visit histogram per page.
type TimeOfDay struct {
	buckets   map[string]*[24]float64
	totals    map[string]float64
	loc       *time.Location
	smoothing float64
}

// NewTimeOfDay buckets visits by local hour in loc (time.Local when nil).
// smoothing adds a pseudo-count to every bucket when computing probabilities.
func NewTimeOfDay(visits []history.Visit, loc *time.Location, smoothing float64) *TimeOfDay {
	if loc == nil {
		loc = time.Local
	}
	t := &TimeOfDay{
		buckets:   make(map[string]*[24]float64),
		totals:    make(map[string]float64),
		loc:       loc,
		smoothing: math.Max(smoothing, 0),
	}
	for _, v := range visits {
		b, ok := t.buckets[v.PageID]
		if !ok {
			b = new([24]float64)
			t.buckets[v.PageID] = b
		}
		b[v.StartTime.In(loc).Hour()]++
		t.totals[v.PageID]++
	}
	return t
}

// Probability returns the share of a page's visits falling in the hour of at.
// Pages without visits yield 0.
func (t *TimeOfDay) Probability(pageID string, at time.Time) float64 {
	total := t.totals[pageID]
	if total <= 0 {
		return 0
	}
	count := t.buckets[pageID][at.In(t.loc).Hour()]
	p := (count + t.smoothing) / (total + 24*t.smoothing)
	return finiteOr(p, 0)
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
