package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/leca/imgshrink/internal/model"
)

var (
	// ErrNotFound is returned by Fetch when no row has the id.
	ErrNotFound = errors.New("image not found")
	// ErrUnavailable wraps every failure reported by the backing store.
	ErrUnavailable = errors.New("store unavailable")
	// ErrLevelConflict is returned by Upsert when the stored row is not at
	// the level directly below the one being written.
	ErrLevelConflict = errors.New("stored optimization level changed")
	// ErrIDTaken is returned by Upsert when a level 0 write finds the id
	// already in use.
	ErrIDTaken = errors.New("image id already in use")
)

// Store is the persistence boundary for images.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)

	// Upsert inserts the image or replaces its content fields and level.
	// date and last_seen are set on insert only. An existing row is only
	// replaced when it sits at w.OptimLevel-1, so a level 0 write never
	// overwrites and each level is written at most once. It returns the
	// row as written.
	Upsert(ctx context.Context, w *model.ImageWrite) (*model.Image, error)

	Fetch(ctx context.Context, id string) (*model.Image, error)
	TouchLastSeen(ctx context.Context, id string) error

	// EligibleForSweep yields the id of every image whose level is below
	// maxLevel, in id order, reading the table in small pages. Image bytes
	// are not read; the optimizer fetches each row under its lease.
	EligibleForSweep(ctx context.Context, maxLevel int) iter.Seq2[string, error]

	// ExpireUnseenOlderThan deletes images not seen within d and returns
	// how many were removed.
	ExpireUnseenOlderThan(ctx context.Context, d time.Duration) (int64, error)

	Close() error
}

// DefaultPageSize is the number of rows read per EligibleForSweep page.
const DefaultPageSize = 16

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	now      func() time.Time
	pageSize int
}

// WithClock replaces time.Now for timestamps and expiry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPageSize sets how many rows EligibleForSweep reads per query.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// conflict reports why a guarded upsert wrote nothing.
func conflict(w *model.ImageWrite) error {
	if w.OptimLevel == 0 {
		return fmt.Errorf("upsert image %s: %w", w.ID, ErrIDTaken)
	}
	return fmt.Errorf("upsert image %s at level %d: %w", w.ID, w.OptimLevel, ErrLevelConflict)
}

// pageFunc reads up to limit eligible ids greater than after.
type pageFunc func(ctx context.Context, after string, limit int) ([]string, error)

// paginate turns a keyset page reader into a lazy sequence. No cursor is
// held open while the consumer runs.
func paginate(ctx context.Context, pageSize int, page pageFunc) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			batch, err := page(ctx, after, pageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range batch {
				if !yield(id, nil) {
					return
				}
			}
			if len(batch) < pageSize {
				return
			}
			after = batch[len(batch)-1]
		}
	}
}
