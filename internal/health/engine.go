package health

import (
	"context"
	"errors"
)

// ErrEngineNotReady is returned until the ranking engine has a snapshot.
var ErrEngineNotReady = errors.New("ranking engine not initialized")

// Initializer is satisfied by *engine.Engine.
type Initializer interface {
	Initialized() bool
}

// EngineChecker reports whether the ranking engine can serve queries.
type EngineChecker struct {
	engine Initializer
}

// NewEngineChecker creates a checker for e.
func NewEngineChecker(e Initializer) *EngineChecker {
	return &EngineChecker{engine: e}
}

// HealthCheck fails with ErrEngineNotReady before the first snapshot load.
func (c *EngineChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.engine.Initialized() {
		return ErrEngineNotReady
	}
	return nil
}
