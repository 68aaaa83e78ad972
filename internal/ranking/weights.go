package ranking

import (
	"errors"
	"math"
)

// NumFeatures is the dimension of FeatureVector.
const NumFeatures = 7

// FeatureNames lists the persisted feature keys in vector order.
var FeatureNames = [NumFeatures]string{
	"textMatch",
	"recency",
	"frequency",
	"navigation",
	"timeOfDay",
	"session",
	"regularity",
}

// ErrNonFiniteWeights is returned when persisted weights contain NaN or Inf.
var ErrNonFiniteWeights = errors.New("model weights must be finite")

// FeatureVector holds the per-candidate features of a single ranking call.
// It is never persisted.
type FeatureVector struct {
	TextMatch  float64 `json:"textMatch"`
	Recency    float64 `json:"recency"`
	Frequency  float64 `json:"frequency"`
	Navigation float64 `json:"navigation"`
	TimeOfDay  float64 `json:"timeOfDay"`
	Session    float64 `json:"session"`
	Regularity float64 `json:"regularity"`
}

// Values returns the features in FeatureNames order.
func (f FeatureVector) Values() [NumFeatures]float64 {
	return [NumFeatures]float64{
		f.TextMatch, f.Recency, f.Frequency, f.Navigation, f.TimeOfDay, f.Session, f.Regularity,
	}
}

// Frequency is ln(1+visitCount)·(0.5+personalScore).
func Frequency(visitCount int, personalScore float64) float64 {
	if visitCount < 0 {
		visitCount = 0
	}
	return math.Log1p(float64(visitCount)) * (0.5 + personalScore)
}

// FeatureWeights is one weight per feature.
type FeatureWeights struct {
	TextMatch  float64 `json:"textMatch" cbor:"textMatch"`
	Recency    float64 `json:"recency" cbor:"recency"`
	Frequency  float64 `json:"frequency" cbor:"frequency"`
	Navigation float64 `json:"navigation" cbor:"navigation"`
	TimeOfDay  float64 `json:"timeOfDay" cbor:"timeOfDay"`
	Session    float64 `json:"session" cbor:"session"`
	Regularity float64 `json:"regularity" cbor:"regularity"`
}

// Values returns the weights in FeatureNames order.
func (w FeatureWeights) Values() [NumFeatures]float64 {
	return [NumFeatures]float64{
		w.TextMatch, w.Recency, w.Frequency, w.Navigation, w.TimeOfDay, w.Session, w.Regularity,
	}
}

func featureWeightsFrom(v [NumFeatures]float64) FeatureWeights {
	return FeatureWeights{
		TextMatch:  v[0],
		Recency:    v[1],
		Frequency:  v[2],
		Navigation: v[3],
		TimeOfDay:  v[4],
		Session:    v[5],
		Regularity: v[6],
	}
}

// ModelWeights is the persisted model record:
// {bias, weights: {textMatch, recency, frequency, navigation, timeOfDay, session, regularity}}.
type ModelWeights struct {
	Bias    float64        `json:"bias" cbor:"bias"`
	Weights FeatureWeights `json:"weights" cbor:"weights"`
}

// DefaultModelWeights returns the starting point before any feedback.
// Text relevance and navigation start strongest; every weight is positive.
func DefaultModelWeights() ModelWeights {
	return ModelWeights{
		Bias: 0,
		Weights: FeatureWeights{
			TextMatch:  1.0,
			Recency:    0.5,
			Frequency:  0.5,
			Navigation: 1.0,
			TimeOfDay:  0.3,
			Session:    0.3,
			Regularity: 0.2,
		},
	}
}

// Validate reports ErrNonFiniteWeights if any value is NaN or Inf.
func (m ModelWeights) Validate() error {
	if !isFinite(m.Bias) {
		return ErrNonFiniteWeights
	}
	for _, v := range m.Weights.Values() {
		if !isFinite(v) {
			return ErrNonFiniteWeights
		}
	}
	return nil
}

// Clamp bounds every weight to [weightMin, weightMax] and the bias to
// [biasMin, biasMax].
func (m ModelWeights) Clamp(p RankerParams) ModelWeights {
	v := m.Weights.Values()
	for i := range v {
		v[i] = clamp(v[i], p.WeightMin, p.WeightMax)
	}
	return ModelWeights{
		Bias:    clamp(m.Bias, p.BiasMin, p.BiasMax),
		Weights: featureWeightsFrom(v),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, lo), hi)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
