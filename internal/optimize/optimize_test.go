package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/imageproc"
	"github.com/leca/imgshrink/internal/lease"
	"github.com/leca/imgshrink/internal/model"
	"github.com/leca/imgshrink/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestDB(t *testing.T, opts ...database.Option) *database.SQLiteDB {
	t.Helper()
	db, err := database.NewSQLiteDB("file:"+uuid.NewString()+"?mode=memory&cache=shared", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// fakeTranscoder returns deterministic output sized by the requested
// dimension, or err.
type fakeTranscoder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTranscoder) Transcode(_ context.Context, _ []byte, _ imageproc.Format, opts imageproc.Options) (*imageproc.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &imageproc.Result{
		Data:        []byte(fmt.Sprintf("optimized-%d-%t", opts.MaxDimension, opts.EnableSecondaryCodec)),
		ContentType: "image/png",
		Codec:       "png",
		Width:       opts.MaxDimension,
		Height:      opts.MaxDimension / 2,
	}, nil
}

func seed(t *testing.T, store database.Store, id string, level int, data []byte, contentType string) *model.Image {
	t.Helper()
	img, err := store.Upsert(context.Background(), &model.ImageWrite{
		ID:         id,
		Primary:    model.Variant{Data: data, ContentType: contentType},
		Thumbnail:  model.Variant{Data: []byte("thumb"), ContentType: contentType},
		Width:      2000,
		Height:     1000,
		OptimLevel: level,
	})
	require.NoError(t, err)
	return img
}

func newRealEngine() *imageproc.Engine {
	return imageproc.NewEngine(workers.NewPool(2), nil, nil)
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

func TestPolicyNext(t *testing.T) {
	p := DefaultPolicy()

	pass, err := p.Next(0)
	require.NoError(t, err)
	assert.Equal(t, imageproc.Options{MaxDimension: 1024, EnableSecondaryCodec: true}, pass.Primary)
	assert.Equal(t, imageproc.Options{MaxDimension: 128, EnableSecondaryCodec: true}, pass.Thumbnail)

	for _, level := range []int{1, 2, 7, -1} {
		_, err := p.Next(level)
		assert.ErrorIs(t, err, ErrIneligible, "level %d", level)
		var ie *IneligibleError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, level, ie.Level)
	}
}

func TestPolicyUpload(t *testing.T) {
	pass := DefaultPolicy().Upload()
	assert.Equal(t, imageproc.Options{MaxDimension: 1024}, pass.Primary)
	assert.Equal(t, imageproc.Options{MaxDimension: 128}, pass.Thumbnail)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "optimized", OutcomeOptimized.String())
	assert.Equal(t, "ineligible", OutcomeIneligible.String())
	assert.Equal(t, "busy", OutcomeBusy.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

// ---------------------------------------------------------------------------
// Optimizer
// ---------------------------------------------------------------------------

func TestOptimize_AdvancesLevelAndReplacesContent(t *testing.T) {
	db := newTestDB(t)
	before := seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	tr := &fakeTranscoder{}
	opt := NewOptimizer(db, tr, DefaultPolicy(), nil, nil)

	res, err := opt.Optimize(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptimized, res.Outcome)
	assert.Equal(t, int32(2), tr.calls.Load())

	after, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, after.OptimLevel)
	assert.Equal(t, []byte("optimized-1024-true"), after.Primary.Data)
	assert.Equal(t, []byte("optimized-128-true"), after.Thumbnail.Data)
	assert.Equal(t, "image/png", after.Primary.ContentType)
	assert.Equal(t, "image/png", after.Thumbnail.ContentType)
	assert.Equal(t, 1024, after.Width)
	assert.Equal(t, 512, after.Height)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, res.Image, after)
}

func TestOptimize_SecondPassIsIneligibleNoOp(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "bcdfg", 0, createTestJPEG(t, 300, 200), "image/jpeg")
	opt := NewOptimizer(db, newRealEngine(), DefaultPolicy(), nil, nil)
	ctx := context.Background()

	res, err := opt.Optimize(ctx, "bcdfg")
	require.NoError(t, err)
	require.Equal(t, OutcomeOptimized, res.Outcome)

	optimized, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, optimized.OptimLevel)
	assert.Equal(t, 300, optimized.Width)
	assert.Equal(t, 200, optimized.Height)

	res, err = opt.Optimize(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Contains(t, res.Reason, "already too compressed")

	again, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, optimized, again)
}

func TestOptimize_RealEngineResizes(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "bcdfg", 0, createTestJPEG(t, 2000, 1000), "image/jpeg")
	opt := NewOptimizer(db, newRealEngine(), DefaultPolicy(), nil, nil)

	res, err := opt.Optimize(context.Background(), "bcdfg")
	require.NoError(t, err)
	require.Equal(t, OutcomeOptimized, res.Outcome)
	assert.Equal(t, 1024, res.Image.Width)
	assert.Equal(t, 512, res.Image.Height)

	thumb, _, err := image.Decode(bytes.NewReader(res.Image.Thumbnail.Data))
	require.NoError(t, err)
	assert.Equal(t, 128, thumb.Bounds().Dx())
	assert.Equal(t, 64, thumb.Bounds().Dy())
}

func TestOptimize_TranscodeFailureLeavesRow(t *testing.T) {
	db := newTestDB(t)
	before := seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	failure := &imageproc.AllCandidatesFailedError{Err: errors.New("encoder broke"), Causes: []error{errors.New("encoder broke")}}
	opt := NewOptimizer(db, &fakeTranscoder{err: failure}, DefaultPolicy(), nil, nil)

	_, err := opt.Optimize(context.Background(), "bcdfg")
	var acf *imageproc.AllCandidatesFailedError
	require.True(t, errors.As(err, &acf))

	after, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOptimize_CorruptImageIsDecodeError(t *testing.T) {
	db := newTestDB(t)
	before := seed(t, db, "bcdfg", 0, []byte("definitely not a png"), "image/png")
	opt := NewOptimizer(db, newRealEngine(), DefaultPolicy(), nil, nil)

	_, err := opt.Optimize(context.Background(), "bcdfg")
	var de *imageproc.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, imageproc.FormatPNG, de.Format)

	after, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOptimize_NotFound(t *testing.T) {
	opt := NewOptimizer(newTestDB(t), &fakeTranscoder{}, DefaultPolicy(), nil, nil)
	_, err := opt.Optimize(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestOptimize_BusyWhenLeaseHeld(t *testing.T) {
	db := newTestDB(t)
	before := seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	locker := lease.NewLocal()
	tr := &fakeTranscoder{}
	opt := NewOptimizer(db, tr, DefaultPolicy(), locker, nil)

	release, err := locker.Acquire(context.Background(), "bcdfg")
	require.NoError(t, err)

	res, err := opt.Optimize(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, int32(0), tr.calls.Load())

	after, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	release()
	res, err = opt.Optimize(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOptimized, res.Outcome)
}

func TestOptimize_StaleCacheInAnotherProcessIsIneligible(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	locker := lease.NewLocal()
	ctx := context.Background()

	cacheA, err := database.NewCachedStore(db, 8, time.Hour)
	require.NoError(t, err)
	cacheB, err := database.NewCachedStore(db, 8, time.Hour)
	require.NoError(t, err)

	// Process A has served the image and holds level 0 in its cache.
	cachedCopy, err := cacheA.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	require.Equal(t, 0, cachedCopy.OptimLevel)

	optB := NewOptimizer(cacheB, &fakeTranscoder{}, DefaultPolicy(), locker, nil)
	res, err := optB.Optimize(ctx, "bcdfg")
	require.NoError(t, err)
	require.Equal(t, OutcomeOptimized, res.Outcome)
	optimized, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)

	trA := &fakeTranscoder{}
	optA := NewOptimizer(cacheA, trA, DefaultPolicy(), locker, nil)
	res, err = optA.Optimize(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Equal(t, int32(0), trA.calls.Load())

	again, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, optimized, again)
}

// staleStore always reads the row as it was before any optimization.
type staleStore struct {
	database.Store
	snapshot *model.Image
}

func (s *staleStore) Fetch(context.Context, string) (*model.Image, error) {
	img := *s.snapshot
	return &img, nil
}

func TestOptimize_ConflictingWriteIsIneligible(t *testing.T) {
	db := newTestDB(t)
	before := seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	ctx := context.Background()

	require.NoError(t, func() error {
		_, err := NewOptimizer(db, &fakeTranscoder{}, DefaultPolicy(), nil, nil).Optimize(ctx, "bcdfg")
		return err
	}())
	optimized, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)

	opt := NewOptimizer(&staleStore{Store: db, snapshot: before}, &fakeTranscoder{}, DefaultPolicy(), nil, nil)
	res, err := opt.Optimize(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIneligible, res.Outcome)
	assert.Contains(t, res.Reason, "level")

	again, err := db.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, optimized, again)
}

// ---------------------------------------------------------------------------
// Background
// ---------------------------------------------------------------------------

func TestBackground_ScheduleRunsPass(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	opt := NewOptimizer(db, &fakeTranscoder{}, DefaultPolicy(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	bg := NewBackground(ctx, opt, nil)
	bg.Schedule("bcdfg")
	cancel() // passes are detached from the parent's cancellation
	bg.Wait()

	img, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, img.OptimLevel)
}

func TestBackground_FailureIsSwallowed(t *testing.T) {
	opt := NewOptimizer(newTestDB(t), &fakeTranscoder{}, DefaultPolicy(), nil, nil)
	bg := NewBackground(context.Background(), opt, nil)
	bg.Schedule("missing")
	bg.Schedule("also-missing")
	bg.Wait()
}

func TestBackground_ConcurrentPassesOptimizeOnce(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "bcdfg", 0, []byte("original"), "image/jpeg")
	tr := &fakeTranscoder{}
	opt := NewOptimizer(db, tr, DefaultPolicy(), nil, nil)

	bg := NewBackground(context.Background(), opt, nil)
	for i := 0; i < 8; i++ {
		bg.Schedule("bcdfg")
	}
	bg.Wait()

	// One pass transcodes both variants; the others are busy or ineligible.
	assert.Equal(t, int32(2), tr.calls.Load())
	img, err := db.Fetch(context.Background(), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, img.OptimLevel)
}
