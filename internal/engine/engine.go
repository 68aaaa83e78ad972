// Package engine orchestrates personalized ranking of browsing history.
//
// An Engine loads a snapshot of pages, visits, navigation edges and
// sessions from a history.Repository, scores text matches with BM25, adds
// contextual signals (recency, frequency, navigation, time of day, session
// and regularity) and orders candidates with an online ranker that learns
// from clicks.
//
// Ranking is best-effort: Rank never fails. Storage errors degrade to empty
// results and weight persistence runs in the background.
//
// Every Rank call takes a sequence number. A result is only committed, and
// its feature vectors cached for click training, when no newer call has
// committed first; older results come back marked Stale.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/ranking"
	"github.com/onnwee/recall/internal/signals"
	"github.com/onnwee/recall/internal/tracing"
)

// Engine errors.
var (
	ErrNoRepository   = errors.New("engine: repository is required")
	ErrNotInitialized = errors.New("engine: not initialized")
)

// Query is one ranking request.
type Query struct {
	Text string
	// CurrentPageID is the page the user is on, if known. It drives the
	// navigation and session features.
	CurrentPageID string
	// Now is the reference time for temporal features (default: clock).
	Now time.Time
	// Explain attaches feature vectors to results.
	Explain bool
}

// Result is one ranked page.
type Result struct {
	PageID   string                 `json:"page_id"`
	Title    string                 `json:"title"`
	URL      string                 `json:"url"`
	Score    float64                `json:"score"`
	Features *ranking.FeatureVector `json:"features,omitempty"`
}

// Ranking is the outcome of a Rank call.
type Ranking struct {
	QueryID string   `json:"query_id"`
	Seq     uint64   `json:"seq"`
	Results []Result `json:"results"`
	// Stale is set when a newer call committed first or ctx was done; such
	// rankings carry no results and must not be displayed.
	Stale bool `json:"stale"`
}

// IDs returns the page IDs of the results in order.
func (r Ranking) IDs() []string {
	ids := make([]string, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.PageID
	}
	return ids
}

// featureCache holds the feature vectors of the last committed ranking.
type featureCache struct {
	queryID  string
	seq      uint64
	features map[string]ranking.FeatureVector
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	ranker    *ranking.OnlineRanker
	persister *ranking.Persister

	snap atomic.Pointer[snapshot]
	seq  atomic.Uint64

	// mu guards the commit state.
	mu        sync.Mutex
	committed uint64
	cache     *featureCache

	// scoreMu guards personal scores inside the current snapshot and the
	// pending map used while a refresh is loading.
	scoreMu sync.RWMutex
	pending map[string]float64

	refreshMu  sync.Mutex
	feedbackMu sync.Mutex
}

// New creates an engine. Call Initialize before ranking.
func New(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, ErrNoRepository
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:    cfg,
		ranker: ranking.NewOnlineRanker(cfg.Calibration.Ranker, cfg.Seed),
	}
	if cfg.WeightStore != nil {
		e.persister = ranking.NewPersister(cfg.WeightStore, ranking.PersisterConfig{
			Key:         cfg.WeightsKey,
			MinInterval: cfg.PersistMinInterval,
			Logger:      cfg.Logger,
			Metrics:     persistMetrics{metrics: cfg.Metrics, jobs: cfg.JobMetrics},
		})
	}
	return e, nil
}

// Initialize restores persisted weights and loads the first snapshot. A
// load failure is returned but leaves the engine usable with no pages.
func (e *Engine) Initialize(ctx context.Context) (err error) {
	ctx, end := tracing.StartSpan(ctx, "engine.initialize")
	defer func() { end(err) }()

	if e.cfg.WeightStore != nil {
		e.restoreWeights(ctx)
	}

	if err := e.RefreshData(ctx); err != nil {
		e.snap.CompareAndSwap(nil, emptySnapshot(&e.cfg))
		return err
	}
	return nil
}

func (e *Engine) restoreWeights(ctx context.Context) {
	w, err := e.cfg.WeightStore.GetModelWeights(ctx, e.cfg.WeightsKey)
	switch {
	case err != nil:
		e.cfg.Logger.Warn("failed to load model weights, using initial weights",
			"key", e.cfg.WeightsKey,
			"error", err)
	case w == nil:
		e.cfg.Logger.Info("no persisted model weights, using initial weights",
			"key", e.cfg.WeightsKey)
	default:
		if err := e.ranker.SetWeights(*w); err != nil {
			e.cfg.Logger.Warn("ignoring persisted model weights",
				"key", e.cfg.WeightsKey,
				"error", err)
			return
		}
		e.cfg.Logger.Info("restored model weights", "key", e.cfg.WeightsKey)
	}
}

// RefreshData reloads the repository and rebuilds every model. On failure
// the previous snapshot stays in place. Personal scores changed by feedback
// while the load was running are carried over to the new snapshot.
func (e *Engine) RefreshData(ctx context.Context) (err error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	ctx, end := tracing.StartSpan(ctx, "engine.refresh")
	defer func() { end(err) }()

	e.scoreMu.Lock()
	e.pending = make(map[string]float64)
	e.scoreMu.Unlock()

	start := time.Now()
	data, err := history.LoadSnapshot(ctx, e.cfg.Repository)
	if err != nil {
		e.scoreMu.Lock()
		e.pending = nil
		e.scoreMu.Unlock()

		e.cfg.Metrics.observeLoad(statusFailure, time.Since(start).Seconds())
		e.cfg.Logger.Warn("history unavailable, keeping previous snapshot", "error", err)
		return fmt.Errorf("load history: %w", err)
	}

	next := buildSnapshot(data, &e.cfg, e.cfg.Now())

	e.scoreMu.Lock()
	for id, score := range e.pending {
		if p, ok := next.pages[id]; ok {
			p.PersonalScore = score
		}
	}
	carried := len(e.pending)
	e.pending = nil
	e.snap.Store(next)
	e.scoreMu.Unlock()

	e.cfg.Metrics.observeLoad(statusSuccess, time.Since(start).Seconds())
	e.cfg.Metrics.setSnapshotPages(len(next.pages))
	tracing.SetAttributes(ctx, attribute.Int("pages", len(next.pages)))
	e.cfg.Logger.Debug("history snapshot loaded",
		"pages", len(next.pages),
		"visits", len(data.Visits),
		"edges", len(data.Edges),
		"sessions", len(data.Sessions),
		"carried_scores", carried,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Initialized reports whether a snapshot is in place.
func (e *Engine) Initialized() bool {
	return e.snap.Load() != nil
}

// PageCount returns the number of pages in the current snapshot.
func (e *Engine) PageCount() int {
	s := e.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.pages)
}

// PersonalScore returns the in-memory personal score of a page.
func (e *Engine) PersonalScore(pageID string) (float64, bool) {
	s := e.snap.Load()
	if s == nil {
		return 0, false
	}
	e.scoreMu.RLock()
	defer e.scoreMu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return 0, false
	}
	return p.PersonalScore, true
}

// Weights returns the current ranker weights.
func (e *Engine) Weights() ranking.ModelWeights {
	return e.ranker.Weights()
}

// Rank scores q against the current snapshot and returns results sorted by
// descending score, ties broken by page ID.
func (e *Engine) Rank(ctx context.Context, q Query) Ranking {
	seq := e.seq.Add(1)
	queryID := uuid.NewString()
	start := time.Now()

	ctx, end := tracing.StartSpan(ctx, "engine.rank",
		attribute.String("query_id", queryID),
		attribute.Int64("seq", int64(seq)))
	defer end(nil)

	text := strings.TrimSpace(q.Text)
	s := e.snap.Load()

	var results []Result
	var features map[string]ranking.FeatureVector
	outcome := outcomeCommitted

	switch {
	case text == "":
		outcome = outcomeEmptyQuery
	case s == nil:
		outcome = outcomeUninitialized
		e.cfg.Logger.Warn("rank called before initialize", "error", ErrNotInitialized)
	default:
		now := q.Now
		if now.IsZero() {
			now = e.cfg.Now()
		}
		results, features = e.score(s, text, q.CurrentPageID, now, q.Explain)
		tracing.AddEvent(ctx, "scored", attribute.Int("results", len(results)))
	}

	if !e.commit(ctx, seq, queryID, features) {
		e.cfg.Metrics.observeRank(outcomeStale, time.Since(start).Seconds(), 0)
		tracing.SetAttributes(ctx, attribute.Bool("stale", true))
		e.cfg.Logger.Debug("discarding stale ranking", "query_id", queryID, "seq", seq)
		return Ranking{QueryID: queryID, Seq: seq, Results: []Result{}, Stale: true}
	}

	if results == nil {
		results = []Result{}
	}
	e.cfg.Metrics.observeRank(outcome, time.Since(start).Seconds(), len(results))
	e.cfg.Logger.Debug("ranked query",
		"query_id", queryID,
		"seq", seq,
		"results", len(results),
		"current_page_id", q.CurrentPageID)
	return Ranking{QueryID: queryID, Seq: seq, Results: results}
}

// commit installs the feature cache of call seq unless a newer call has
// already committed or ctx is done.
func (e *Engine) commit(ctx context.Context, seq uint64, queryID string, features map[string]ranking.FeatureVector) bool {
	if ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq <= e.committed {
		return false
	}
	e.committed = seq
	if len(features) == 0 {
		e.cache = nil
		return true
	}
	e.cache = &featureCache{queryID: queryID, seq: seq, features: features}
	return true
}

func (e *Engine) score(s *snapshot, text, currentPageID string, now time.Time, explain bool) ([]Result, map[string]ranking.FeatureVector) {
	matches := s.index.Scores(text)
	if len(matches) == 0 {
		return nil, nil
	}

	session := s.sessions.ContextFor(currentPageID)
	results := make([]Result, 0, len(matches))
	vectors := make(map[string]ranking.FeatureVector, len(matches))

	e.scoreMu.RLock()
	for _, m := range matches {
		p, ok := s.pages[m.ID]
		if !ok {
			continue
		}
		f := ranking.FeatureVector{
			TextMatch:  m.Value,
			Recency:    signals.Recency(s.visits[p.ID], now, e.cfg.Recency),
			Frequency:  ranking.Frequency(p.VisitCount, p.PersonalScore),
			TimeOfDay:  s.tod.Probability(p.ID, now),
			Session:    session.Feature(p.Domain),
			Regularity: s.regularityOf(p.ID),
		}
		if currentPageID != "" {
			f.Navigation = s.nav.TransitionProbability(currentPageID, p.ID)
		}
		vectors[p.ID] = f
		results = append(results, Result{
			PageID: p.ID,
			Title:  p.Title,
			URL:    p.URL,
			Score:  e.ranker.Predict(f),
		})
	}
	e.scoreMu.RUnlock()

	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.PageID, b.PageID)
	})

	tokens := len(s.index.QueryTokens(text))
	results = ranking.FilterResults(results, func(r Result) float64 { return r.Score },
		tokens, e.cfg.Calibration.Filter)

	displayed := make(map[string]ranking.FeatureVector, len(results))
	for i := range results {
		f := vectors[results[i].PageID]
		displayed[results[i].PageID] = f
		if explain {
			results[i].Features = &f
		}
	}
	return results, displayed
}

// Flush waits until pending weight writes are done or ctx ends.
func (e *Engine) Flush(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	return e.persister.Flush(ctx)
}

// Close writes pending weights and stops the background writer.
func (e *Engine) Close() {
	if e.persister != nil {
		e.persister.Close()
	}
}
