package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/history"
)

// Request limits.
const (
	MaxQueryLength    = 512
	MaxDisplayedIDs   = 200
	DefaultRankLimit  = 20
	MaxRankLimit      = 100
	maxFeedbackBodyKB = 64
)

// Ranker is the engine surface the handlers need. *engine.Engine satisfies it.
type Ranker interface {
	Rank(ctx context.Context, q engine.Query) engine.Ranking
	RecordUserClick(ctx context.Context, queryID, pageID string, displayedIDs []string) error
	RecordImpressions(ctx context.Context, pageIDs []string) error
	RefreshData(ctx context.Context) error
}

// RefreshScheduler defers a refresh to the background job.
type RefreshScheduler interface {
	MarkDirty()
}

// RecallHandlers serves ranking and feedback requests.
type RecallHandlers struct {
	engine    Ranker
	scheduler RefreshScheduler
	logger    *slog.Logger
}

// RecallHandlersConfig configures RecallHandlers.
type RecallHandlersConfig struct {
	Engine Ranker
	// Scheduler enables POST /refresh?async=true. Optional.
	Scheduler RefreshScheduler
	Logger    *slog.Logger
}

// NewRecallHandlers creates the ranking handlers.
func NewRecallHandlers(cfg RecallHandlersConfig) *RecallHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecallHandlers{
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		logger:    logger,
	}
}

// RankResponse is the body of GET /rank.
type RankResponse struct {
	QueryID string          `json:"query_id"`
	Seq     uint64          `json:"seq"`
	Query   string          `json:"query"`
	Stale   bool            `json:"stale"`
	Results []engine.Result `json:"results"`
	Count   int             `json:"count"`
}

// ClickRequest is the body of POST /feedback/click. QueryID is the
// query_id of the ranking the click was made on; without it the click only
// updates the page's personal score.
type ClickRequest struct {
	QueryID      string   `json:"query_id,omitempty"`
	PageID       string   `json:"page_id"`
	DisplayedIDs []string `json:"displayed_ids"`
}

// ImpressionsRequest is the body of POST /feedback/impressions.
type ImpressionsRequest struct {
	PageIDs []string `json:"page_ids"`
}

// FeedbackResponse is returned when feedback was applied in memory but
// could not be persisted.
type FeedbackResponse struct {
	Applied   bool `json:"applied"`
	Persisted bool `json:"persisted"`
}

// Rank handles GET /rank?q=...&current=...&limit=...&explain=true.
func (h *RecallHandlers) Rank(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	params := r.URL.Query()

	q := params.Get("q")
	if utf8.RuneCountInString(q) > MaxQueryLength {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Query is too long")
		return
	}

	limit, err := parseLimit(params.Get("limit"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	explain, _ := strconv.ParseBool(params.Get("explain"))
	ranking := h.engine.Rank(ctx, engine.Query{
		Text:          q,
		CurrentPageID: strings.TrimSpace(params.Get("current")),
		Explain:       explain,
	})

	writeJSON(w, ctx, http.StatusOK, toRankResponse(q, ranking, limit))
}

func toRankResponse(q string, ranking engine.Ranking, limit int) RankResponse {
	results := ranking.Results
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return RankResponse{
		QueryID: ranking.QueryID,
		Seq:     ranking.Seq,
		Query:   q,
		Stale:   ranking.Stale,
		Results: results,
		Count:   len(results),
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultRankLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxRankLimit {
		return 0, errInvalidLimit
	}
	return n, nil
}

var errInvalidLimit = errors.New("limit must be an integer between 1 and " + strconv.Itoa(MaxRankLimit))

// Click handles POST /feedback/click.
func (h *RecallHandlers) Click(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req ClickRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.PageID = strings.TrimSpace(req.PageID)
	if req.PageID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "page_id is required")
		return
	}
	if len(req.DisplayedIDs) > MaxDisplayedIDs {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Too many displayed_ids")
		return
	}

	err := h.engine.RecordUserClick(ctx, strings.TrimSpace(req.QueryID), req.PageID, req.DisplayedIDs)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, history.ErrPageNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Page not found")
	default:
		h.logger.WarnContext(ctx, "click applied but not persisted",
			"page_id", req.PageID,
			"error", err)
		writeJSON(w, ctx, http.StatusAccepted, FeedbackResponse{Applied: true})
	}
}

// Impressions handles POST /feedback/impressions.
func (h *RecallHandlers) Impressions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req ImpressionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.PageIDs) > MaxDisplayedIDs {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Too many page_ids")
		return
	}

	if err := h.engine.RecordImpressions(ctx, req.PageIDs); err != nil {
		h.logger.WarnContext(ctx, "impressions applied but not persisted",
			"pages", len(req.PageIDs),
			"error", err)
		writeJSON(w, ctx, http.StatusAccepted, FeedbackResponse{Applied: true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh handles POST /refresh. With async=true and a scheduler the
// reload is left to the background job.
func (h *RecallHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && h.scheduler != nil {
		h.scheduler.MarkDirty()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.engine.RefreshData(ctx); err != nil {
		h.logger.WarnContext(ctx, "refresh failed", "error", err)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeRefreshFailed,
			"History unavailable; previous snapshot kept")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFeedbackBodyKB<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// Register mounts the handlers on mux.
func (h *RecallHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/rank", h.Rank)
	mux.HandleFunc("/feedback/click", h.Click)
	mux.HandleFunc("/feedback/impressions", h.Impressions)
	mux.HandleFunc("/refresh", h.Refresh)
}
