package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/middleware"
)

func newStreamServer(t *testing.T, cfg RankStreamConfig) *httptest.Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv := httptest.NewServer(NewRankStreamHandlers(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestRankStream_Ranking(t *testing.T) {
	srv := newStreamServer(t, RankStreamConfig{Engine: newTestEngine(t, rustRepo(t))})
	conn := dial(t, srv, nil)

	if err := conn.WriteJSON(RankMessage{Q: "rust", Limit: 3}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)

	if msg.Type != StreamTypeRanking {
		t.Fatalf("Type = %s, want %s (error %+v)", msg.Type, StreamTypeRanking, msg.Error)
	}
	if msg.Q != "rust" {
		t.Errorf("Q = %q, want rust", msg.Q)
	}
	if msg.Ranking == nil || msg.Ranking.Count != 3 {
		t.Fatalf("Ranking = %+v, want 3 results", msg.Ranking)
	}
	if msg.Ranking.Stale {
		t.Error("stale ranking was sent")
	}
}

func TestRankStream_ValidationError(t *testing.T) {
	srv := newStreamServer(t, RankStreamConfig{Engine: newTestEngine(t, rustRepo(t))})
	conn := dial(t, srv, nil)

	tests := []struct {
		name string
		msg  RankMessage
	}{
		{"query too long", RankMessage{Q: strings.Repeat("r", MaxQueryLength+1)}},
		{"negative limit", RankMessage{Q: "rust", Limit: -1}},
		{"limit too large", RankMessage{Q: "rust", Limit: MaxRankLimit + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.msg); err != nil {
				t.Fatal(err)
			}
			msg := readMessage(t, conn)
			if msg.Type != StreamTypeError || msg.Error == nil {
				t.Fatalf("message = %+v, want error", msg)
			}
			if msg.Error.Code != ErrCodeValidation {
				t.Errorf("Error.Code = %s, want %s", msg.Error.Code, ErrCodeValidation)
			}
		})
	}

	// the connection survives validation errors
	if err := conn.WriteJSON(RankMessage{Q: "rust"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != StreamTypeRanking {
		t.Errorf("Type = %s after errors, want %s", msg.Type, StreamTypeRanking)
	}
}

// gatedRanker blocks Rank calls for gated queries until released or
// cancelled, then delegates.
type gatedRanker struct {
	Ranker
	gate    chan struct{}
	blocked string

	mu       sync.Mutex
	canceled []string
}

func (g *gatedRanker) Rank(ctx context.Context, q engine.Query) engine.Ranking {
	if q.Text == g.blocked {
		select {
		case <-g.gate:
		case <-ctx.Done():
			g.mu.Lock()
			g.canceled = append(g.canceled, q.Text)
			g.mu.Unlock()
		}
	}
	return g.Ranker.Rank(ctx, q)
}

func TestRankStream_NewQuerySupersedesInFlight(t *testing.T) {
	ranker := &gatedRanker{
		Ranker:  newTestEngine(t, rustRepo(t)),
		gate:    make(chan struct{}),
		blocked: "ru",
	}
	defer close(ranker.gate)

	srv := newStreamServer(t, RankStreamConfig{Engine: ranker})
	conn := dial(t, srv, nil)

	if err := conn.WriteJSON(RankMessage{Q: "ru"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(RankMessage{Q: "rust"}); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, conn)
	if msg.Type != StreamTypeRanking || msg.Q != "rust" {
		t.Fatalf("first message = %s/%q, want ranking for rust", msg.Type, msg.Q)
	}

	// the superseded query must never be delivered
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var extra StreamMessage
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected message after superseding query: %+v", extra)
	}

	ranker.mu.Lock()
	defer ranker.mu.Unlock()
	if len(ranker.canceled) != 1 || ranker.canceled[0] != "ru" {
		t.Errorf("canceled = %v, want [ru]", ranker.canceled)
	}
}

func TestRankStream_Origin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  func(srv *httptest.Server) string
		wantOK  bool
	}{
		{"no origin header", nil, func(*httptest.Server) string { return "" }, true},
		{"same origin", nil, func(srv *httptest.Server) string { return srv.URL }, true},
		{"allowed extension", []string{"chrome-extension://abcdef"}, func(*httptest.Server) string { return "chrome-extension://abcdef" }, true},
		{"wildcard", []string{"*"}, func(*httptest.Server) string { return "https://anywhere.example" }, true},
		{"foreign origin", []string{"chrome-extension://abcdef"}, func(*httptest.Server) string { return "https://evil.example" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStreamServer(t, RankStreamConfig{
				Engine:         newTestEngine(t, rustRepo(t)),
				AllowedOrigins: tt.allowed,
			})
			header := http.Header{}
			if o := tt.origin(srv); o != "" {
				header.Set("Origin", o)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
			if conn != nil {
				conn.Close()
			}
			if tt.wantOK {
				if err != nil {
					t.Errorf("Dial() error = %v, want success", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Dial() succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Dial() response = %v, want 403", resp)
			}
		})
	}
}

func TestRankStream_ConnectionGauge(t *testing.T) {
	metrics := middleware.NewMetrics()
	srv := newStreamServer(t, RankStreamConfig{
		Engine:  newTestEngine(t, rustRepo(t)),
		Metrics: metrics,
	})

	conn := dial(t, srv, nil)
	// a round trip guarantees the handler has registered the connection
	if err := conn.WriteJSON(RankMessage{Q: "rust"}); err != nil {
		t.Fatal(err)
	}
	readMessage(t, conn)

	gauge := metrics.Collectors()[4]
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("open connections = %v, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(gauge) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection gauge did not return to 0")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
