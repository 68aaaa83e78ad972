package health

import (
	"context"
	"errors"
	"testing"
)

type fakeEngine bool

func (f fakeEngine) Initialized() bool { return bool(f) }

func TestEngineChecker_HealthCheck(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ready   bool
		ctx     context.Context
		wantErr error
	}{
		{"ready", true, context.Background(), nil},
		{"not initialized", false, context.Background(), ErrEngineNotReady},
		{"cancelled", true, cancelled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEngineChecker(fakeEngine(tt.ready)).HealthCheck(tt.ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HealthCheck() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
