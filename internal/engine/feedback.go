package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/ranking"
	"github.com/onnwee/recall/internal/tracing"
)

// ClickBoostFor returns the personal-score boost for a click at the 1-based
// position rank: positions 1 and 2 get ClickBoost, position 3 (the third
// displayed result) and below get DeepClickBoost. Unknown positions (0) get
// ClickBoost.
func ClickBoostFor(rank int) float64 {
	if rank >= DeepClickRank {
		return DeepClickBoost
	}
	return ClickBoost
}

// RecordUserClick records that pageID was clicked while displayedIDs were
// shown as the ranking identified by queryID (Ranking.QueryID). The page's
// personal score grows by boost·(1−score) and is persisted. When queryID is
// the last committed ranking, the ranker is also trained with the click as
// positive and every other displayed page as negative. Feedback against a
// superseded ranking, or without a queryID, only updates the personal score.
//
// The in-memory update always happens first; a persistence error is
// returned afterwards.
func (e *Engine) RecordUserClick(ctx context.Context, queryID, pageID string, displayedIDs []string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "engine.record_click",
		attribute.String("page_id", pageID),
		attribute.String("query_id", queryID))
	defer func() { end(err) }()

	e.feedbackMu.Lock()
	defer e.feedbackMu.Unlock()

	position := slices.Index(displayedIDs, pageID) + 1
	boost := ClickBoostFor(position)

	score, ok := e.updateScore(pageID, func(s float64) float64 { return s + boost*(1-s) })
	if !ok {
		e.cfg.Metrics.incFeedback(feedbackClick, outcomeUnknownPage)
		e.cfg.Logger.Warn("click on unknown page", "page_id", pageID)
		return fmt.Errorf("record click %q: %w", pageID, history.ErrPageNotFound)
	}

	trained := e.train(queryID, pageID, displayedIDs)
	outcome := outcomeStale
	if trained {
		outcome = outcomeTrained
	}
	e.cfg.Metrics.incFeedback(feedbackClick, outcome)
	tracing.SetAttributes(ctx, attribute.Bool("trained", trained), attribute.Int("rank", position))

	e.cfg.Logger.Debug("click recorded",
		"page_id", pageID,
		"query_id", queryID,
		"rank", position,
		"personal_score", score,
		"trained", trained)

	if err := e.cfg.Repository.UpdatePersonalScore(ctx, pageID, score); err != nil {
		e.cfg.Logger.Warn("failed to persist personal score",
			"page_id", pageID,
			"error", err)
		return fmt.Errorf("persist personal score %q: %w", pageID, err)
	}
	return nil
}

// train applies one ranker update when the click belongs to the committed
// ranking. The cache is consumed so one ranking trains at most once.
func (e *Engine) train(queryID, pageID string, displayedIDs []string) bool {
	e.mu.Lock()
	cache := e.cache
	switch {
	case cache == nil:
		e.mu.Unlock()
		e.cfg.Logger.Debug("no committed ranking to train against", "page_id", pageID)
		return false
	case queryID == "" || queryID != cache.queryID:
		e.mu.Unlock()
		e.cfg.Logger.Debug("click on superseded ranking",
			"page_id", pageID,
			"query_id", queryID,
			"committed_query_id", cache.queryID)
		return false
	case !cacheCovers(cache, pageID, displayedIDs):
		e.mu.Unlock()
		e.cfg.Logger.Debug("click does not match committed ranking",
			"page_id", pageID,
			"query_id", queryID)
		return false
	}
	e.cache = nil
	e.mu.Unlock()

	positive := cache.features[pageID]
	seen := map[string]bool{pageID: true}
	negatives := make([]ranking.FeatureVector, 0, len(displayedIDs))
	for _, id := range displayedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		negatives = append(negatives, cache.features[id])
	}

	w := e.ranker.Update(positive, negatives)
	e.cfg.Metrics.incRankerUpdates()
	if e.persister != nil {
		e.persister.Enqueue(w)
	}
	return true
}

func cacheCovers(c *featureCache, pageID string, displayedIDs []string) bool {
	if _, ok := c.features[pageID]; !ok {
		return false
	}
	for _, id := range displayedIDs {
		if _, ok := c.features[id]; !ok {
			return false
		}
	}
	return true
}

// RecordImpressions decays the personal score of every shown but unclicked
// page by ImpressionDecay. It never trains the ranker. Unknown pages are
// skipped; persistence errors are joined and returned.
func (e *Engine) RecordImpressions(ctx context.Context, pageIDs []string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "engine.record_impressions",
		attribute.Int("pages", len(pageIDs)))
	defer func() { end(err) }()

	e.feedbackMu.Lock()
	defer e.feedbackMu.Unlock()

	var errs []error
	applied := 0
	for _, id := range pageIDs {
		score, ok := e.updateScore(id, func(s float64) float64 { return s + ImpressionDecay*(0-s) })
		if !ok {
			e.cfg.Metrics.incFeedback(feedbackImpression, outcomeUnknownPage)
			continue
		}
		applied++
		e.cfg.Metrics.incFeedback(feedbackImpression, outcomeApplied)
		if err := e.cfg.Repository.UpdatePersonalScore(ctx, id, score); err != nil {
			errs = append(errs, fmt.Errorf("persist personal score %q: %w", id, err))
		}
	}

	if len(errs) > 0 {
		e.cfg.Logger.Warn("failed to persist impression decay",
			"failed", len(errs),
			"pages", len(pageIDs))
	}
	e.cfg.Logger.Debug("impressions recorded", "pages", len(pageIDs), "applied", applied)
	return errors.Join(errs...)
}

// updateScore applies fn to the personal score of pageID in the current
// snapshot, clamps the result and remembers it for an in-flight refresh.
func (e *Engine) updateScore(pageID string, fn func(float64) float64) (float64, bool) {
	s := e.snap.Load()
	if s == nil {
		return 0, false
	}

	e.scoreMu.Lock()
	defer e.scoreMu.Unlock()
	// a refresh may have swapped the snapshot while we waited
	s = e.snap.Load()
	p, ok := s.pages[pageID]
	if !ok {
		return 0, false
	}
	p.PersonalScore = history.ClampScore(fn(p.PersonalScore))
	if e.pending != nil {
		e.pending[pageID] = p.PersonalScore
	}
	return p.PersonalScore, true
}
