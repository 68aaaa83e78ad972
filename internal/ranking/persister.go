package ranking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PersisterMetrics receives the outcome of every weight save.
type PersisterMetrics interface {
	ObserveWeightSave(status string, seconds float64)
}

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	// Key is the store key weights are saved under.
	Key string
	// MinInterval is the minimum spacing between two saves. Bursts of
	// updates in between are coalesced into the latest value.
	MinInterval time.Duration
	// Timeout bounds a single save.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics PersisterMetrics
}

// Default persister settings.
const (
	DefaultWeightsKey         = "recall:ranker:weights"
	DefaultPersistMinInterval = 250 * time.Millisecond
	DefaultPersistTimeout     = 5 * time.Second
)

// Persister writes weights in the background. Enqueue never blocks; only the
// most recent pending value is written. Save failures are logged and the
// next Enqueue retries with fresher weights.
type Persister struct {
	config  PersisterConfig
	store   WeightStore
	limiter *rate.Limiter

	mu       sync.Mutex
	pending  *ModelWeights
	inflight bool
	idle     *sync.Cond
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

// NewPersister starts the background writer.
func NewPersister(store WeightStore, config PersisterConfig) *Persister {
	if config.Key == "" {
		config.Key = DefaultWeightsKey
	}
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultPersistMinInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPersistTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		ctx:     ctx,
		cancel:  cancel,
		config:  config,
		store:   store,
		limiter: rate.NewLimiter(rate.Every(config.MinInterval), 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	go p.run()
	return p
}

// Key returns the store key.
func (p *Persister) Key() string {
	return p.config.Key
}

// Enqueue schedules w to be saved, replacing any value not yet written.
// Calls after Close are ignored.
func (p *Persister) Enqueue(w ModelWeights) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = &w
	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.mu.Unlock()
}

// Flush blocks until every enqueued value has been written or ctx is done.
func (p *Persister) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending != nil || p.inflight {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.idle.Wait()
	}
	return nil
}

// Close writes any pending value without waiting on the rate limit and
// stops the background writer.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.wake)
	p.mu.Unlock()
	p.cancel()

	<-p.done
}

func (p *Persister) run() {
	defer close(p.done)
	for range p.wake {
		p.drain(true)
	}
	// wake closed: write whatever is left without waiting on the limiter.
	p.drain(false)
}

func (p *Persister) drain(limited bool) {
	for {
		p.mu.Lock()
		w := p.pending
		p.pending = nil
		p.inflight = w != nil
		p.mu.Unlock()

		if w == nil {
			p.mu.Lock()
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}

		if limited {
			// returns early once Close cancels p.ctx
			_ = p.limiter.Wait(p.ctx)
			// a newer value may have arrived while waiting
			p.mu.Lock()
			if p.pending != nil {
				w = p.pending
				p.pending = nil
			}
			p.mu.Unlock()
		}

		p.save(*w)

		p.mu.Lock()
		p.inflight = false
		p.mu.Unlock()
	}
}

func (p *Persister) save(w ModelWeights) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.store.SaveModelWeights(ctx, p.config.Key, w)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "failure"
		p.config.Logger.Warn("failed to persist model weights",
			"key", p.config.Key,
			"error", err)
	} else {
		p.config.Logger.Debug("model weights persisted",
			"key", p.config.Key,
			"bias", w.Bias)
	}
	if p.config.Metrics != nil {
		p.config.Metrics.ObserveWeightSave(status, duration)
	}
}
