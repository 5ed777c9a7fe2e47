// Package ingest stores newly uploaded images.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/imageproc"
	"github.com/leca/imgshrink/internal/metrics"
	"github.com/leca/imgshrink/internal/model"
	"github.com/leca/imgshrink/internal/optimize"
)

// maxInsertAttempts bounds how often a level 0 write is retried with a
// fresh id after losing a race for the previous one.
const maxInsertAttempts = 5

// Scheduler queues a follow-up optimization pass for a stored image.
type Scheduler interface {
	Schedule(id string)
}

// Ingestor turns uploaded bytes into a stored level 0 image.
type Ingestor struct {
	store     database.Store
	engine    optimize.Transcoder
	policy    optimize.Policy
	ids       database.IDOptions
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates an Ingestor. scheduler may be nil to skip the post-upload
// optimization pass.
func New(store database.Store, engine optimize.Transcoder, policy optimize.Policy, ids database.IDOptions, scheduler Scheduler, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     store,
		engine:    engine,
		policy:    policy,
		ids:       ids,
		scheduler: scheduler,
		logger:    logger.With("component", "ingest"),
	}
}

// Ingest transcodes data into a primary and a thumbnail variant, stores
// them under a fresh id at level 0 and returns the id. Nothing is written
// unless both variants were produced.
func (i *Ingestor) Ingest(ctx context.Context, data []byte, contentType string) (string, error) {
	start := time.Now()
	id, err := i.ingest(ctx, data, contentType)
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	return id, nil
}

func (i *Ingestor) ingest(ctx context.Context, data []byte, contentType string) (string, error) {
	format := imageproc.ResolveFormat(contentType)
	pass := i.policy.Upload()

	var (
		primary, thumbnail *imageproc.Result
		id                 string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := i.engine.Transcode(gctx, data, format, pass.Primary)
		if err != nil {
			return fmt.Errorf("transcode primary: %w", err)
		}
		primary = r
		return nil
	})
	g.Go(func() error {
		r, err := i.engine.Transcode(gctx, data, format, pass.Thumbnail)
		if err != nil {
			return fmt.Errorf("transcode thumbnail: %w", err)
		}
		thumbnail = r
		return nil
	})
	g.Go(func() error {
		var err error
		id, err = database.GenerateUniqueID(gctx, i.store, i.ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("ingest: %w", err)
	}

	w := &model.ImageWrite{
		ID:         id,
		Primary:    model.Variant{Data: primary.Data, ContentType: primary.ContentType},
		Thumbnail:  model.Variant{Data: thumbnail.Data, ContentType: thumbnail.ContentType},
		Width:      primary.Width,
		Height:     primary.Height,
		OptimLevel: 0,
	}
	img, err := i.store.Upsert(ctx, w)
	// A concurrent upload can claim the same free id between the
	// existence check and the write. Draw again.
	for attempt := 1; errors.Is(err, database.ErrIDTaken) && attempt < maxInsertAttempts; attempt++ {
		i.logger.Debug("generated id taken, retrying", "id", w.ID)
		if w.ID, err = database.GenerateUniqueID(ctx, i.store, i.ids); err != nil {
			break
		}
		img, err = i.store.Upsert(ctx, w)
	}
	if err != nil {
		return "", fmt.Errorf("ingest: %w", err)
	}

	i.logger.Info("image uploaded",
		"id", img.ID,
		"content_type", contentType,
		"bytes_in", len(data),
		"bytes_stored", img.Size(),
		"width", img.Width,
		"height", img.Height,
	)

	if i.scheduler != nil {
		i.scheduler.Schedule(img.ID)
	}
	return img.ID, nil
}

// IngestFile reads the upload at path and ingests it.
func (i *Ingestor) IngestFile(ctx context.Context, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	return i.Ingest(ctx, data, contentType)
}
