package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/imageproc"
	"github.com/leca/imgshrink/internal/lease"
	"github.com/leca/imgshrink/internal/metrics"
	"github.com/leca/imgshrink/internal/model"
)

// Outcome describes what an optimization attempt did.
type Outcome int

const (
	// OutcomeOptimized means both variants were re-encoded and stored at
	// the next level.
	OutcomeOptimized Outcome = iota
	// OutcomeIneligible means the policy refused the image. Nothing changed.
	OutcomeIneligible
	// OutcomeBusy means another worker holds the lease for the image.
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOptimized:
		return "optimized"
	case OutcomeIneligible:
		return "ineligible"
	case OutcomeBusy:
		return "busy"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by Optimize.
type Result struct {
	Outcome Outcome
	// Image is the row after the attempt; nil when Outcome is OutcomeBusy.
	Image *model.Image
	// Reason explains an ineligible outcome.
	Reason      string
	BytesBefore int
	BytesAfter  int
}

// Transcoder is the part of imageproc.Engine the optimizer needs.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, format imageproc.Format, opts imageproc.Options) (*imageproc.Result, error)
}

// Optimizer runs single optimization passes.
type Optimizer struct {
	store  database.Store
	engine Transcoder
	policy Policy
	locker lease.Locker
	logger *slog.Logger
}

// NewOptimizer wires an optimizer. A nil locker uses an in-process lease
// table; a nil logger uses slog.Default.
func NewOptimizer(store database.Store, engine Transcoder, policy Policy, locker lease.Locker, logger *slog.Logger) *Optimizer {
	if locker == nil {
		locker = lease.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		store:  store,
		engine: engine,
		policy: policy,
		locker: locker,
		logger: logger.With("component", "optimizer"),
	}
}

// Optimize advances the image with the given id by one level. The row is
// re-read under a per-id lease so a concurrent pass on the same image is
// reported as busy or ineligible instead of being repeated. The write only
// applies if the row is still at the level that was read; otherwise the
// attempt is reported as ineligible. On any error the stored row is left
// as it was.
func (o *Optimizer) Optimize(ctx context.Context, id string) (Result, error) {
	res, err := o.optimize(ctx, id)
	switch {
	case err != nil:
		metrics.OptimizationsTotal.WithLabelValues("error").Inc()
	default:
		metrics.OptimizationsTotal.WithLabelValues(res.Outcome.String()).Inc()
	}
	return res, err
}

func (o *Optimizer) optimize(ctx context.Context, id string) (Result, error) {
	release, err := o.locker.Acquire(ctx, id)
	if errors.Is(err, lease.ErrHeld) {
		o.logger.Debug("optimization already running", "id", id)
		return Result{Outcome: OutcomeBusy}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("optimize %s: %w", id, err)
	}
	defer release()

	// The level decides eligibility, so it is read from the store itself
	// and never from a cached copy.
	img, err := o.store.Fetch(database.WithoutCache(ctx), id)
	if err != nil {
		return Result{}, fmt.Errorf("optimize %s: %w", id, err)
	}

	pass, err := o.policy.Next(img.OptimLevel)
	if err != nil {
		if errors.Is(err, ErrIneligible) {
			return Result{Outcome: OutcomeIneligible, Image: img, Reason: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("optimize %s: %w", id, err)
	}

	// Both variants are derived from the stored primary.
	format := imageproc.ResolveFormat(img.Primary.ContentType)
	var primary, thumbnail *imageproc.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := o.engine.Transcode(gctx, img.Primary.Data, format, pass.Primary)
		if err != nil {
			return fmt.Errorf("primary: %w", err)
		}
		primary = r
		return nil
	})
	g.Go(func() error {
		r, err := o.engine.Transcode(gctx, img.Primary.Data, format, pass.Thumbnail)
		if err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
		thumbnail = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("optimize %s: %w", id, err)
	}

	stored, err := o.store.Upsert(ctx, &model.ImageWrite{
		ID:         id,
		Primary:    model.Variant{Data: primary.Data, ContentType: primary.ContentType},
		Thumbnail:  model.Variant{Data: thumbnail.Data, ContentType: thumbnail.ContentType},
		Width:      primary.Width,
		Height:     primary.Height,
		OptimLevel: img.OptimLevel + 1,
	})
	if errors.Is(err, database.ErrLevelConflict) {
		o.logger.Info("image advanced by another pass", "id", id, "level", img.OptimLevel)
		return Result{Outcome: OutcomeIneligible, Image: img, Reason: err.Error()}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("optimize %s: %w", id, err)
	}

	before, after := img.Size(), stored.Size()
	if before > after {
		metrics.OptimizedBytesSaved.Add(float64(before - after))
	}
	o.logger.Info("image optimized",
		"id", id,
		"level", stored.OptimLevel,
		"bytes_before", before,
		"bytes_after", after,
		"primary_codec", primary.Codec,
		"thumbnail_codec", thumbnail.Codec,
	)
	return Result{Outcome: OutcomeOptimized, Image: stored, BytesBefore: before, BytesAfter: after}, nil
}
