package ranking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// RankerParams configures the online ranker.
type RankerParams struct {
	LearningRate float64 `json:"learning_rate"` // SGD step size (default: 0.01)
	L2           float64 `json:"l2"`            // L2 regularization strength (default: 1e-4)
	WeightMin    float64 `json:"weight_min"`    // Lower clamp for feature weights (default: -1)
	WeightMax    float64 `json:"weight_max"`    // Upper clamp for feature weights (default: 5)
	BiasMin      float64 `json:"bias_min"`      // Lower clamp for the bias (default: -3)
	BiasMax      float64 `json:"bias_max"`      // Upper clamp for the bias (default: 3)

	// TextTierScale multiplies textMatch into a dominant first tier on top
	// of the learned contextual score. 0 ranks on the contextual score alone.
	TextTierScale float64 `json:"text_tier_scale"`

	// Jitter is the half-width of the uniform noise added to initial weights.
	Jitter float64 `json:"jitter"`

	InitialWeights ModelWeights `json:"initial_weights"`
}

// FilterParams configures the sigmoid relevance filter.
type FilterParams struct {
	// MinCandidates is the candidate count at or below which nothing is filtered.
	MinCandidates int `json:"min_candidates"`
	// SingleTokenMaxScore skips filtering for one-token queries whose best
	// score exceeds it.
	SingleTokenMaxScore float64 `json:"single_token_max_score"`
	// Midpoint is the sigmoid midpoint as a fraction of the top score.
	Midpoint float64 `json:"midpoint"`
	// Steepness is the base sigmoid steepness; ComplexitySteepness is added
	// in proportion to query complexity.
	Steepness           float64 `json:"steepness"`
	ComplexitySteepness float64 `json:"complexity_steepness"`
	// ComplexityTokens is the token count at which complexity saturates at 1.
	ComplexityTokens int `json:"complexity_tokens"`
	// KeepThreshold is the minimum sigmoid value a candidate needs.
	KeepThreshold float64 `json:"keep_threshold"`
}

// Calibration holds all tunable ranking parameters.
type Calibration struct {
	Ranker RankerParams `json:"ranker"`
	Filter FilterParams `json:"filter"`
}

// CalibrationConfig represents the JSON structure of the calibration file.
type CalibrationConfig struct {
	Version     string      `json:"version"` // Config version for future compatibility
	Calibration Calibration `json:"calibration"`
}

// DefaultRankerParams returns lr=0.01, λ=1e-4, weights in [-1,5], bias in
// [-3,3] and a ×100 text tier.
func DefaultRankerParams() RankerParams {
	return RankerParams{
		LearningRate:   0.01,
		L2:             1e-4,
		WeightMin:      -1,
		WeightMax:      5,
		BiasMin:        -3,
		BiasMax:        3,
		TextTierScale:  100,
		Jitter:         0.01,
		InitialWeights: DefaultModelWeights(),
	}
}

// DefaultFilterParams returns the filter defaults: no filtering for two
// candidates or fewer, midpoint 0.2, steepness 8+4·complexity, keep ≥ 0.3.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		MinCandidates:       2,
		SingleTokenMaxScore: 0.3,
		Midpoint:            0.2,
		Steepness:           8,
		ComplexitySteepness: 4,
		ComplexityTokens:    5,
		KeepThreshold:       0.3,
	}
}

// DefaultCalibration returns the default ranking configuration.
func DefaultCalibration() *Calibration {
	return &Calibration{
		Ranker: DefaultRankerParams(),
		Filter: DefaultFilterParams(),
	}
}

// LoadCalibration loads ranking parameters from a JSON calibration file.
// An empty path returns the defaults. On read or parse failure the defaults
// are returned together with the error so callers can degrade gracefully.
// Partial configurations are merged over the defaults.
func LoadCalibration(filePath string) (*Calibration, error) {
	if filePath == "" {
		return DefaultCalibration(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultCalibration(), fmt.Errorf("failed to read calibration file: %w", err)
	}

	var config CalibrationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("failed to parse calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultCalibration(), fmt.Errorf("failed to parse calibration file: %w", err)
	}

	defaults := DefaultCalibration()
	merged := MergeCalibration(defaults, &config.Calibration)
	logCalibrationOverrides(defaults, merged)

	return merged, nil
}

// MergeCalibration merges override values into base.
// Only non-zero values from the override are applied.
func MergeCalibration(base *Calibration, override *Calibration) *Calibration {
	if base == nil {
		return DefaultCalibration()
	}
	result := *base
	if override == nil {
		return &result
	}

	r, o := &result.Ranker, override.Ranker
	setFloat(&r.LearningRate, o.LearningRate)
	setFloat(&r.L2, o.L2)
	setFloat(&r.WeightMin, o.WeightMin)
	setFloat(&r.WeightMax, o.WeightMax)
	setFloat(&r.BiasMin, o.BiasMin)
	setFloat(&r.BiasMax, o.BiasMax)
	setFloat(&r.TextTierScale, o.TextTierScale)
	setFloat(&r.Jitter, o.Jitter)
	setFloat(&r.InitialWeights.Bias, o.InitialWeights.Bias)

	w := r.InitialWeights.Weights.Values()
	for i, v := range o.InitialWeights.Weights.Values() {
		setFloat(&w[i], v)
	}
	r.InitialWeights.Weights = featureWeightsFrom(w)

	f, of := &result.Filter, override.Filter
	if of.MinCandidates != 0 {
		f.MinCandidates = of.MinCandidates
	}
	if of.ComplexityTokens != 0 {
		f.ComplexityTokens = of.ComplexityTokens
	}
	setFloat(&f.SingleTokenMaxScore, of.SingleTokenMaxScore)
	setFloat(&f.Midpoint, of.Midpoint)
	setFloat(&f.Steepness, of.Steepness)
	setFloat(&f.ComplexitySteepness, of.ComplexitySteepness)
	setFloat(&f.KeepThreshold, of.KeepThreshold)

	return &result
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// logCalibrationOverrides logs which parameters differ from the defaults.
func logCalibrationOverrides(defaults *Calibration, loaded *Calibration) {
	var overrides []string
	add := func(name string, before, after float64) {
		if before != after {
			overrides = append(overrides, fmt.Sprintf("%s: %g -> %g", name, before, after))
		}
	}

	d, l := defaults.Ranker, loaded.Ranker
	add("ranker.learning_rate", d.LearningRate, l.LearningRate)
	add("ranker.l2", d.L2, l.L2)
	add("ranker.weight_min", d.WeightMin, l.WeightMin)
	add("ranker.weight_max", d.WeightMax, l.WeightMax)
	add("ranker.bias_min", d.BiasMin, l.BiasMin)
	add("ranker.bias_max", d.BiasMax, l.BiasMax)
	add("ranker.text_tier_scale", d.TextTierScale, l.TextTierScale)
	add("ranker.jitter", d.Jitter, l.Jitter)
	add("ranker.initial_weights.bias", d.InitialWeights.Bias, l.InitialWeights.Bias)
	dw, lw := d.InitialWeights.Weights.Values(), l.InitialWeights.Weights.Values()
	for i, name := range FeatureNames {
		add("ranker.initial_weights."+name, dw[i], lw[i])
	}

	df, lf := defaults.Filter, loaded.Filter
	add("filter.min_candidates", float64(df.MinCandidates), float64(lf.MinCandidates))
	add("filter.single_token_max_score", df.SingleTokenMaxScore, lf.SingleTokenMaxScore)
	add("filter.midpoint", df.Midpoint, lf.Midpoint)
	add("filter.steepness", df.Steepness, lf.Steepness)
	add("filter.complexity_steepness", df.ComplexitySteepness, lf.ComplexitySteepness)
	add("filter.complexity_tokens", float64(df.ComplexityTokens), float64(lf.ComplexityTokens))
	add("filter.keep_threshold", df.KeepThreshold, lf.KeepThreshold)

	if len(overrides) > 0 {
		slog.Info("loaded ranking calibration with overrides",
			"overrides", overrides)
	} else {
		slog.Info("loaded ranking calibration (using all defaults)")
	}
}
