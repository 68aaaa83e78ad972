// Package ranking provides the online re-ranker that orders text-matched
// pages using contextual signals and learns from click feedback.
//
// Basic Usage:
//
//	// Load calibration (typically at startup)
//	cal, err := ranking.LoadCalibration("configs/ranking.calibration.json")
//	if err != nil {
//		log.Warn("using default calibration", "error", err)
//	}
//
//	ranker := ranking.NewOnlineRanker(cal.Ranker, seed)
//	score := ranker.Predict(ranking.FeatureVector{TextMatch: 2.1, Recency: 0.8})
//
//	// After a click on displayed[k]
//	weights := ranker.Update(displayed[k], others)
//	persister.Enqueue(weights)
//
// Scoring:
//
// Predict is TextTierScale·textMatch + bias + Σ wᵢfᵢ. With the default ×100
// text tier, text relevance decides ordering and the learned contextual part
// separates near-ties. Training applies logistic SGD with L2 regularization
// to the contextual part and clamps weights after every step.
//
// Persistence:
//
// ModelWeights is the persisted record. WeightStore implementations exist
// for Redis and in memory, with JSON or canonical CBOR encoding; the SQL
// stores in package store implement it as well. Persister writes weights
// in the background so callers never wait on storage.
//
// Calibration:
//
// Hyperparameters, initial weights and relevance-filter settings can be
// tuned from a JSON file loaded at startup. Partial files are merged over
// the defaults.
package ranking
