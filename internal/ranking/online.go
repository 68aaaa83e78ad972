package ranking

import (
	"math/rand/v2"
	"sync"
	"time"
)

// OnlineRanker is a linear model over FeatureVector trained by logistic SGD.
//
// Scores have two tiers: TextTierScale·textMatch dominates ordering and the
// learned contextual score bias + Σ wᵢfᵢ separates near-ties. Training only
// sees the contextual score, so a large text tier never saturates the
// logistic link.
//
// All weight mutation is serialized by an internal mutex.
type OnlineRanker struct {
	mu      sync.RWMutex
	params  RankerParams
	weights ModelWeights
	updates int64
}

// NewOnlineRanker creates a ranker starting from params.InitialWeights plus
// uniform jitter in ±params.Jitter drawn from a generator seeded with seed.
// A zero seed draws from the clock.
func NewOnlineRanker(params RankerParams, seed int64) *OnlineRanker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))

	w := params.InitialWeights.Weights.Values()
	for i := range w {
		w[i] += (rng.Float64()*2 - 1) * params.Jitter
	}
	initial := ModelWeights{
		Bias:    params.InitialWeights.Bias,
		Weights: featureWeightsFrom(w),
	}

	return &OnlineRanker{
		params:  params,
		weights: initial.Clamp(params),
	}
}

// Params returns the ranker configuration.
func (r *OnlineRanker) Params() RankerParams {
	return r.params
}

// Weights returns a copy of the current weights.
func (r *OnlineRanker) Weights() ModelWeights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}

// SetWeights replaces the current weights, typically with persisted ones.
// Non-finite weights are rejected; finite ones are clamped.
func (r *OnlineRanker) SetWeights(w ModelWeights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = w.Clamp(r.params)
	return nil
}

// Updates returns the number of training examples applied so far.
func (r *OnlineRanker) Updates() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updates
}

// Contextual returns bias + Σ wᵢfᵢ.
func (r *OnlineRanker) Contextual(f FeatureVector) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return contextual(r.weights, f)
}

// Predict returns TextTierScale·textMatch + Contextual(f).
func (r *OnlineRanker) Predict(f FeatureVector) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params.TextTierScale*f.TextMatch + contextual(r.weights, f)
}

func contextual(m ModelWeights, f FeatureVector) float64 {
	w, x := m.Weights.Values(), f.Values()
	score := m.Bias
	for i := range w {
		score += w[i] * x[i]
	}
	return score
}

// Update applies one SGD step for the clicked vector (label 1) and then one
// for every other displayed vector (label 0), clamping after each step.
// Each negative gradient is scaled by 1/len(negatives), so the skipped
// pages together weigh as much as the click.
// It returns the resulting weights.
func (r *OnlineRanker) Update(positive FeatureVector, negatives []FeatureVector) ModelWeights {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.step(positive, 1, 1)
	if len(negatives) > 0 {
		share := 1 / float64(len(negatives))
		for _, neg := range negatives {
			r.step(neg, 0, share)
		}
	}
	return r.weights
}

// step must be called with r.mu held.
func (r *OnlineRanker) step(f FeatureVector, label, share float64) {
	lr, l2 := r.params.LearningRate, r.params.L2
	p := Sigmoid(contextual(r.weights, f))
	g := (label - p) * share

	w, x := r.weights.Weights.Values(), f.Values()
	for i := range w {
		w[i] += lr*g*x[i] - lr*l2*w[i]
	}
	next := ModelWeights{
		Bias:    r.weights.Bias + lr*g,
		Weights: featureWeightsFrom(w),
	}
	r.weights = next.Clamp(r.params)
	r.updates++
}
