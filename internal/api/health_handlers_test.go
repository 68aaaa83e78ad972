package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/recall/internal/health"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.err
}

type fakeInitializer bool

func (f fakeInitializer) Initialized() bool { return bool(f) }

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func TestHealth_Success(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	w := httptest.NewRecorder()
	handlers.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	response := decodeHealth(t, w)
	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %s", response.Status)
	}
	if response.Checks["runtime"] != "ok" {
		t.Errorf("expected runtime check to be 'ok', got %s", response.Checks["runtime"])
	}
	if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", response.Timestamp, err)
	}
}

func TestHealthEndpoints_MethodNotAllowed(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	for _, path := range []string{"/health", "/ready"} {
		t.Run(path, func(t *testing.T) {
			mux := http.NewServeMux()
			handlers.Register(mux)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status 405, got %d", w.Code)
			}
			if got := w.Header().Get("Allow"); got != http.MethodGet {
				t.Errorf("Allow = %q, want GET", got)
			}
		})
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		config     HealthHandlersConfig
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "nothing configured",
			config:     HealthHandlersConfig{},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"engine": "not_configured", "database": "not_configured", "redis": "not_configured"},
		},
		{
			name: "all healthy",
			config: HealthHandlersConfig{
				EngineChecker: health.NewEngineChecker(fakeInitializer(true)),
				DBChecker:     &mockHealthChecker{},
				RedisChecker:  &mockHealthChecker{},
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"engine": "ok", "database": "ok", "redis": "ok"},
		},
		{
			name: "engine not initialized",
			config: HealthHandlersConfig{
				EngineChecker: health.NewEngineChecker(fakeInitializer(false)),
				DBChecker:     &mockHealthChecker{},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"engine": "error", "database": "ok", "redis": "not_configured"},
		},
		{
			name: "database down",
			config: HealthHandlersConfig{
				EngineChecker: health.NewEngineChecker(fakeInitializer(true)),
				DBChecker:     &mockHealthChecker{err: errors.New("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"engine": "ok", "database": "error", "redis": "not_configured"},
		},
		{
			name: "redis down",
			config: HealthHandlersConfig{
				RedisChecker: &mockHealthChecker{err: errors.New("timeout")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"engine": "not_configured", "database": "not_configured", "redis": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewHealthHandlers(tt.config)

			w := httptest.NewRecorder()
			handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("Ready() status = %d, want %d", w.Code, tt.wantStatus)
			}
			response := decodeHealth(t, w)
			wantStatus := "healthy"
			if tt.wantStatus != http.StatusOK {
				wantStatus = "unhealthy"
			}
			if response.Status != wantStatus {
				t.Errorf("Ready() status field = %s, want %s", response.Status, wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := response.Checks[name]; got != want {
					t.Errorf("Checks[%s] = %s, want %s", name, got, want)
				}
			}
		})
	}
}
