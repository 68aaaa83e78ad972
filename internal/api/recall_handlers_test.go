package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/history"
)

var testNow = time.Date(2025, 6, 2, 12, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rustRepo(t *testing.T) *history.InMemoryRepository {
	t.Helper()
	repo := history.NewInMemoryRepository()
	for i := 1; i <= 5; i++ {
		if err := repo.AddPage(history.Page{
			ID:         fmt.Sprintf("p%d", i),
			URL:        fmt.Sprintf("https://p%d.example/rust", i),
			Title:      "Rust book",
			VisitCount: 3,
		}); err != nil {
			t.Fatalf("AddPage() error = %v", err)
		}
	}
	return repo
}

func newTestEngine(t *testing.T, repo history.Repository) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{
		Repository: repo,
		Seed:       42,
		Location:   time.UTC,
		Logger:     discardLogger(),
		Now:        func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(e.Close)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return e
}

func newTestServer(t *testing.T, e Ranker, scheduler RefreshScheduler) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewRecallHandlers(RecallHandlersConfig{
		Engine:    e,
		Scheduler: scheduler,
		Logger:    discardLogger(),
	}).Register(mux)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body %q: %v", w.Body.String(), err)
	}
	return resp.Error.Code
}

// failingScoreRepository loads history but cannot persist personal scores.
type failingScoreRepository struct {
	*history.InMemoryRepository
}

func (failingScoreRepository) UpdatePersonalScore(context.Context, string, float64) error {
	return errors.New("disk full")
}

func TestRank(t *testing.T) {
	mux := newTestServer(t, newTestEngine(t, rustRepo(t)), nil)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCount  int
		wantCode   string
	}{
		{"text match", http.MethodGet, "/rank?q=rust", http.StatusOK, 5, ""},
		{"limit", http.MethodGet, "/rank?q=rust&limit=2", http.StatusOK, 2, ""},
		{"empty query", http.MethodGet, "/rank?q=", http.StatusOK, 0, ""},
		{"no match", http.MethodGet, "/rank?q=haskell", http.StatusOK, 0, ""},
		{"zero limit", http.MethodGet, "/rank?q=rust&limit=0", http.StatusBadRequest, 0, ErrCodeValidation},
		{"limit too large", http.MethodGet, "/rank?q=rust&limit=101", http.StatusBadRequest, 0, ErrCodeValidation},
		{"non-numeric limit", http.MethodGet, "/rank?q=rust&limit=ten", http.StatusBadRequest, 0, ErrCodeValidation},
		{"query too long", http.MethodGet, "/rank?q=" + strings.Repeat("a", MaxQueryLength+1), http.StatusBadRequest, 0, ErrCodeValidation},
		{"wrong method", http.MethodPost, "/rank?q=rust", http.StatusMethodNotAllowed, 0, ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(mux, tt.method, tt.target, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				if got := errorCode(t, w); got != tt.wantCode {
					t.Errorf("error code = %s, want %s", got, tt.wantCode)
				}
				return
			}
			var resp RankResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Results) != tt.wantCount {
				t.Errorf("Count = %d (%d results), want %d", resp.Count, len(resp.Results), tt.wantCount)
			}
			if resp.Stale {
				t.Error("response marked stale")
			}
			if resp.QueryID == "" || resp.Seq == 0 {
				t.Errorf("query_id = %q, seq = %d; want both set", resp.QueryID, resp.Seq)
			}
		})
	}
}

func TestRank_Explain(t *testing.T) {
	mux := newTestServer(t, newTestEngine(t, rustRepo(t)), nil)

	for _, explain := range []bool{false, true} {
		w := serve(mux, http.MethodGet, fmt.Sprintf("/rank?q=rust&explain=%t", explain), "")
		var resp RankResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Results) == 0 {
			t.Fatal("no results")
		}
		if got := resp.Results[0].Features != nil; got != explain {
			t.Errorf("explain=%t: features present = %t", explain, got)
		}
	}
}

func TestClick(t *testing.T) {
	tests := []struct {
		name       string
		repo       func(*testing.T) history.Repository
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "recorded",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":"p2","displayed_ids":["p1","p2","p3"]}`,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "missing page id",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":"  ","displayed_ids":["p1"]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unknown page",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":"ghost"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeNotFound,
		},
		{
			name:       "malformed json",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
		},
		{
			name:       "unknown field",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":"p1","rank":3}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
		},
		{
			name:       "too many displayed ids",
			repo:       func(t *testing.T) history.Repository { return rustRepo(t) },
			body:       `{"page_id":"p1","displayed_ids":[` + strings.TrimSuffix(strings.Repeat(`"x",`, MaxDisplayedIDs+1), ",") + `]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name: "persistence failure",
			repo: func(t *testing.T) history.Repository {
				return failingScoreRepository{rustRepo(t)}
			},
			body:       `{"page_id":"p1","displayed_ids":["p1"]}`,
			wantStatus: http.StatusAccepted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestServer(t, newTestEngine(t, tt.repo(t)), nil)

			w := serve(mux, http.MethodPost, "/feedback/click", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				if got := errorCode(t, w); got != tt.wantCode {
					t.Errorf("error code = %s, want %s", got, tt.wantCode)
				}
			}
			if tt.wantStatus == http.StatusAccepted {
				var resp FeedbackResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if !resp.Applied || resp.Persisted {
					t.Errorf("response = %+v, want applied and not persisted", resp)
				}
			}
		})
	}
}

func TestClick_UpdatesEngine(t *testing.T) {
	repo := rustRepo(t)
	e := newTestEngine(t, repo)
	mux := newTestServer(t, e, nil)

	w := serve(mux, http.MethodGet, "/rank?q=rust", "")
	var ranked RankResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ranked); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	ids := make([]string, len(ranked.Results))
	for i, r := range ranked.Results {
		ids[i] = r.PageID
	}

	before := e.Weights()
	body, _ := json.Marshal(ClickRequest{QueryID: ranked.QueryID, PageID: ids[2], DisplayedIDs: ids})
	if w := serve(mux, http.MethodPost, "/feedback/click", string(body)); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	if got, _ := e.PersonalScore(ids[2]); got != engine.DeepClickBoost {
		t.Errorf("PersonalScore() = %v, want %v", got, engine.DeepClickBoost)
	}
	stored, _ := repo.GetPage(ids[2])
	if stored.PersonalScore != engine.DeepClickBoost {
		t.Errorf("persisted PersonalScore = %v, want %v", stored.PersonalScore, engine.DeepClickBoost)
	}
	if e.Weights() == before {
		t.Error("click on the committed ranking did not train the ranker")
	}
}

// clickRecorder records the query id of every click it forwards.
type clickRecorder struct {
	Ranker
	queryIDs []string
}

func (c *clickRecorder) RecordUserClick(ctx context.Context, queryID, pageID string, displayedIDs []string) error {
	c.queryIDs = append(c.queryIDs, queryID)
	return c.Ranker.RecordUserClick(ctx, queryID, pageID, displayedIDs)
}

func TestClick_SupersededQueryDoesNotTrain(t *testing.T) {
	e := newTestEngine(t, rustRepo(t))
	rec := &clickRecorder{Ranker: e}
	mux := newTestServer(t, rec, nil)

	rank := func(q string) RankResponse {
		var resp RankResponse
		w := serve(mux, http.MethodGet, "/rank?q="+q, "")
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp
	}
	typing := rank("ru")
	_ = rank("rust+book")
	if typing.Count == 0 {
		t.Fatal("Rank(ru) returned no results")
	}
	before := e.Weights()

	last := typing.Results[typing.Count-1].PageID
	ids := make([]string, typing.Count)
	for i, r := range typing.Results {
		ids[i] = r.PageID
	}
	body, _ := json.Marshal(ClickRequest{QueryID: " " + typing.QueryID + " ", PageID: last, DisplayedIDs: ids})
	if w := serve(mux, http.MethodPost, "/feedback/click", string(body)); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	if len(rec.queryIDs) != 1 || rec.queryIDs[0] != typing.QueryID {
		t.Errorf("forwarded query ids = %v, want [%s]", rec.queryIDs, typing.QueryID)
	}
	if e.Weights() != before {
		t.Error("click on a superseded ranking trained the ranker")
	}
	if got, _ := e.PersonalScore(last); got == 0 {
		t.Error("PersonalScore() = 0, want the click applied")
	}
}

func TestImpressions(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		repo := rustRepo(t)
		e := newTestEngine(t, repo)
		mux := newTestServer(t, e, nil)

		serve(mux, http.MethodPost, "/feedback/click", `{"page_id":"p1"}`)
		before, _ := e.PersonalScore("p1")

		w := serve(mux, http.MethodPost, "/feedback/impressions", `{"page_ids":["p1","ghost"]}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204 (body %s)", w.Code, w.Body.String())
		}
		after, _ := e.PersonalScore("p1")
		if want := before * (1 - engine.ImpressionDecay); math.Abs(after-want) > 1e-12 {
			t.Errorf("PersonalScore() = %v, want %v", after, want)
		}
	})

	t.Run("persistence failure", func(t *testing.T) {
		mux := newTestServer(t, newTestEngine(t, failingScoreRepository{rustRepo(t)}), nil)

		w := serve(mux, http.MethodPost, "/feedback/impressions", `{"page_ids":["p1"]}`)
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		mux := newTestServer(t, newTestEngine(t, rustRepo(t)), nil)

		w := serve(mux, http.MethodGet, "/feedback/impressions", "")
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})
}

type countingScheduler struct {
	calls atomic.Int32
}

func (s *countingScheduler) MarkDirty() { s.calls.Add(1) }

// toggleRepository fails loads while broken is set.
type toggleRepository struct {
	*history.InMemoryRepository
	broken atomic.Bool
}

func (r *toggleRepository) GetAllPages(ctx context.Context) ([]history.Page, error) {
	if r.broken.Load() {
		return nil, errors.New("database locked")
	}
	return r.InMemoryRepository.GetAllPages(ctx)
}

func TestRefresh(t *testing.T) {
	repo := &toggleRepository{InMemoryRepository: rustRepo(t)}
	e := newTestEngine(t, repo)
	scheduler := &countingScheduler{}
	mux := newTestServer(t, e, scheduler)

	if err := repo.AddPage(history.Page{ID: "p6", URL: "https://p6.example/rust", Title: "Rust nomicon"}); err != nil {
		t.Fatal(err)
	}

	if w := serve(mux, http.MethodPost, "/refresh", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if e.PageCount() != 6 {
		t.Errorf("PageCount() = %d, want 6", e.PageCount())
	}

	if w := serve(mux, http.MethodPost, "/refresh?async=true", ""); w.Code != http.StatusAccepted {
		t.Errorf("async status = %d, want 202", w.Code)
	}
	if scheduler.calls.Load() != 1 {
		t.Errorf("MarkDirty() calls = %d, want 1", scheduler.calls.Load())
	}

	repo.broken.Store(true)
	w := serve(mux, http.MethodPost, "/refresh", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := errorCode(t, w); got != ErrCodeRefreshFailed {
		t.Errorf("error code = %s, want %s", got, ErrCodeRefreshFailed)
	}
	if e.PageCount() != 6 {
		t.Errorf("PageCount() = %d after failed refresh, want previous 6", e.PageCount())
	}
}

func TestRefresh_AsyncWithoutScheduler(t *testing.T) {
	mux := newTestServer(t, newTestEngine(t, rustRepo(t)), nil)

	if w := serve(mux, http.MethodPost, "/refresh?async=true", ""); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want synchronous 204", w.Code)
	}
}
