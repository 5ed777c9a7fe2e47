package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/metrics"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultRetention     = 365 * 24 * time.Hour
)

// SweepConfig controls the background sweep.
type SweepConfig struct {
	Interval time.Duration
	// Retention is how long an image may go unseen before it is deleted.
	Retention time.Duration
	// Concurrency is how many images are optimized at once. Defaults to 1.
	Concurrency int
}

// Report summarises one sweep cycle.
type Report struct {
	ID        string
	Expired   int64
	Scanned   int
	Optimized int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// Sweeper periodically expires stale images and optimizes eligible ones.
type Sweeper struct {
	store  database.Store
	opt    *Optimizer
	policy Policy
	cfg    SweepConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper. Zero config fields take their defaults.
func NewSweeper(store database.Store, opt *Optimizer, policy Policy, cfg SweepConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		opt:    opt,
		policy: policy,
		cfg:    cfg,
		logger: logger.With("component", "sweeper"),
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single cycle: expire, then optimize every eligible
// image. A failing image is logged and counted; only a failure to read
// the eligible set ends the cycle early.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{ID: uuid.NewString()}
	logger := s.logger.With("sweep_id", rep.ID)

	expired, err := s.store.ExpireUnseenOlderThan(ctx, s.cfg.Retention)
	if err != nil {
		logger.Error("expiring unseen images failed", "error", err)
	} else {
		rep.Expired = expired
		metrics.ExpiredImagesTotal.Add(float64(expired))
	}

	var (
		mu      sync.Mutex
		scanErr error
		g       errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for id, err := range s.store.EligibleForSweep(ctx, s.policy.MaxLevel()) {
		if err != nil {
			scanErr = fmt.Errorf("scan eligible images: %w", err)
			break
		}
		rep.Scanned++
		g.Go(func() error {
			res, err := s.opt.Optimize(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Failed++
				logger.Warn("optimizing image failed", "id", id, "error", err)
			case res.Outcome == OutcomeOptimized:
				rep.Optimized++
			default:
				rep.Skipped++
				logger.Debug("image skipped", "id", id, "outcome", res.Outcome.String())
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = time.Since(start)
	metrics.SweepDuration.Observe(rep.Duration.Seconds())
	outcome := "ok"
	if scanErr != nil {
		outcome = "error"
	}
	metrics.SweepsTotal.WithLabelValues(outcome).Inc()

	logger.Info("sweep finished",
		"expired", rep.Expired,
		"scanned", rep.Scanned,
		"optimized", rep.Optimized,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"duration", rep.Duration,
	)
	return rep, scanErr
}
