package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/recall/internal/jobs"
)

// Refresher reloads history. *Engine implements it.
type Refresher interface {
	RefreshData(ctx context.Context) error
}

// RefreshJobConfig configures a RefreshJob.
type RefreshJobConfig struct {
	// Interval between dirty checks.
	Interval time.Duration
	// Timeout bounds a single refresh.
	Timeout    time.Duration
	Logger     *slog.Logger
	JobMetrics JobMetrics
}

// Refresh job defaults.
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultRefreshTimeout  = 30 * time.Second
)

// RefreshJob periodically refreshes the engine after MarkDirty was called,
// so bursts of history writes cost one reload.
type RefreshJob struct {
	config    RefreshJobConfig
	refresher Refresher
	dirty     atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRefreshJob creates a stopped job.
func NewRefreshJob(config RefreshJobConfig, refresher Refresher) *RefreshJob {
	if config.Interval <= 0 {
		config.Interval = DefaultRefreshInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRefreshTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RefreshJob{config: config, refresher: refresher}
}

// MarkDirty schedules a refresh on the next tick.
func (j *RefreshJob) MarkDirty() {
	j.dirty.Store(true)
}

// Dirty reports whether a refresh is pending.
func (j *RefreshJob) Dirty() bool {
	return j.dirty.Load()
}

// Start runs the job in a background goroutine. Starting a running job is a no-op.
func (j *RefreshJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	go j.run(ctx, j.stopCh, j.doneCh)
}

// Stop signals the job and waits for it to exit.
func (j *RefreshJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning reports whether the job loop is active.
func (j *RefreshJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *RefreshJob) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("refresh job stopping due to context cancellation")
			return
		case <-stopCh:
			j.config.Logger.Info("refresh job stopping due to stop signal")
			return
		case <-ticker.C:
			if j.dirty.Load() {
				_ = j.RefreshNow(ctx)
			}
		}
	}
}

// RefreshNow refreshes immediately, whether or not the job is dirty. On
// failure the job stays dirty so the next tick retries.
func (j *RefreshJob) RefreshNow(parent context.Context) error {
	j.dirty.Store(false)

	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	start := time.Now()
	err := j.refresher.RefreshData(ctx)
	duration := time.Since(start).Seconds()

	status := jobs.StatusSuccess
	if err != nil {
		status = jobs.StatusFailure
		j.dirty.Store(true)
		errorType := "load_error"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}
		if j.config.JobMetrics != nil {
			j.config.JobMetrics.IncJobErrors(jobs.JobTypeRankerRefresh, errorType)
		}
		j.config.Logger.Error("ranker refresh failed",
			"duration_seconds", duration,
			"error", err)
	} else {
		j.config.Logger.Info("ranker refresh completed", "duration_seconds", duration)
	}

	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(jobs.JobTypeRankerRefresh, status)
		j.config.JobMetrics.ObserveJobDuration(jobs.JobTypeRankerRefresh, duration)
	}
	return err
}
