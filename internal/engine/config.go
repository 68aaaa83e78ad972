package engine

import (
	"log/slog"
	"time"

	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/ranking"
	"github.com/onnwee/recall/internal/signals"
	"github.com/onnwee/recall/internal/textrank"
	"github.com/onnwee/recall/internal/tokenize"
)

// Feedback constants.
const (
	// ClickBoost is the personal-score boost for a click near the top.
	ClickBoost = 0.10
	// DeepClickBoost is the boost for a click at DeepClickRank or below.
	DeepClickBoost = 0.15
	// DeepClickRank is the 1-based position from which DeepClickBoost
	// applies: the third displayed result and every one below it.
	DeepClickRank = 3
	// ImpressionDecay is the fraction of personal score lost per unclicked impression.
	ImpressionDecay = 0.05
)

// Config wires an Engine to its collaborators. Only Repository is required.
type Config struct {
	// Repository supplies history and receives personal-score updates.
	Repository history.Repository
	// WeightStore persists ranker weights. Nil keeps weights in memory only.
	WeightStore ranking.WeightStore
	// WeightsKey is the WeightStore key (default ranking.DefaultWeightsKey).
	WeightsKey string

	// Tokenizer used for titles, URLs and queries (default tokenize.Plain).
	Tokenizer tokenize.Tokenizer
	// Text tunes BM25 (zero value selects textrank.DefaultParams).
	Text textrank.Params
	// Recency tunes the decay model (zero value selects defaults).
	Recency signals.RecencyParams
	// Calibration holds ranker and filter settings (nil selects defaults).
	Calibration *ranking.Calibration

	// SmoothNavigation enables Beta-mean transition probabilities.
	SmoothNavigation bool
	// TimeOfDaySmoothing is the per-bucket pseudo-count (0 disables).
	TimeOfDaySmoothing float64
	// Location is used for hour-of-day bucketing (default time.Local).
	Location *time.Location

	// Seed makes weight jitter reproducible. 0 seeds from the clock.
	Seed int64
	// PersistMinInterval bounds how often weights are written.
	PersistMinInterval time.Duration

	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics JobMetrics

	// Now overrides the clock for queries without an explicit time.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WeightsKey == "" {
		c.WeightsKey = ranking.DefaultWeightsKey
	}
	if c.Tokenizer == nil {
		c.Tokenizer = tokenize.NewPlain()
	}
	if c.Text == (textrank.Params{}) {
		c.Text = textrank.DefaultParams()
	}
	if c.Recency == (signals.RecencyParams{}) {
		c.Recency = signals.DefaultRecencyParams()
	}
	if c.Calibration == nil {
		c.Calibration = ranking.DefaultCalibration()
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
