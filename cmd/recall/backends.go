package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/recall/internal/config"
	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/jobs"
	"github.com/onnwee/recall/internal/ranking"
	"github.com/onnwee/recall/internal/store"
)

const redisPingTimeout = 5 * time.Second

// backends holds the storage collaborators selected by configuration.
type backends struct {
	store   *store.Store
	redis   *redis.Client
	weights ranking.WeightStore
}

// openBackends opens the history store and, when REDIS_URL is set, a Redis
// client that takes over weight persistence from the SQL store.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	codec, err := ranking.CodecByName(cfg.WeightsCodec)
	if err != nil {
		return nil, err
	}

	var st *store.Store
	switch cfg.StoreDriver {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL, store.WithCodec(codec))
	default:
		st, err = store.Open(cfg.SQLitePath, store.WithCodec(codec))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	b := &backends{store: st, weights: st}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, weights start from defaults", "error", err)
		}
		b.redis = client
		b.weights = ranking.NewRedisWeightStore(client, codec)
	}

	logger.Info("storage opened",
		"driver", st.Driver(),
		"weights", weightsBackend(b),
		"codec", codec.Name())
	return b, nil
}

func weightsBackend(b *backends) string {
	if b.redis != nil {
		return "redis"
	}
	return b.store.Driver()
}

// Close releases every backend.
func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	errs = append(errs, b.store.Close())
	return errors.Join(errs...)
}

// newEngine builds an engine over b. Metrics may be nil.
func newEngine(cfg *config.Config, b *backends, logger *slog.Logger, metrics *engine.Metrics, jobMetrics *jobs.Metrics) (*engine.Engine, error) {
	calibration, err := ranking.LoadCalibration(cfg.CalibrationFile)
	if err != nil {
		logger.Warn("using default calibration", "path", cfg.CalibrationFile, "error", err)
	}

	ecfg := engine.Config{
		Repository:  b.store,
		WeightStore: b.weights,
		WeightsKey:  cfg.WeightsKey,
		Calibration: calibration,
		Seed:        int64(cfg.RankerSeed),
		Logger:      logger,
		Metrics:     metrics,
	}
	// a typed nil would defeat the nil checks inside the engine
	if jobMetrics != nil {
		ecfg.JobMetrics = jobMetrics
	}
	return engine.New(ecfg)
}
