package database

import (
	"context"
	"testing"
	"time"

	"github.com/leca/imgshrink/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts Fetch calls that reach the backing store.
type countingStore struct {
	Store
	fetches int
}

func (c *countingStore) Fetch(ctx context.Context, id string) (*model.Image, error) {
	c.fetches++
	return c.Store.Fetch(ctx, id)
}

func newCachedTestStore(t *testing.T, opts ...Option) (*CachedStore, *countingStore) {
	t.Helper()
	inner := &countingStore{Store: newTestDB(t, opts...)}
	cached, err := NewCachedStore(inner, 8, time.Hour)
	require.NoError(t, err)
	return cached, inner
}

func TestCachedStore_FetchReadsThrough(t *testing.T) {
	cached, inner := newCachedTestStore(t)
	ctx := context.Background()

	_, err := inner.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)

	first, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	second, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.fetches)
}

func TestCachedStore_UpsertRefreshesEntry(t *testing.T) {
	cached, inner := newCachedTestStore(t)
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)
	_, err = cached.Upsert(ctx, testWrite("bcdfg", 1))
	require.NoError(t, err)

	got, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, got.OptimLevel)
	assert.Equal(t, 0, inner.fetches)

	ok, err := cached.Exists(ctx, "bcdfg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	cached, _ := newCachedTestStore(t)
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)

	got, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	got.OptimLevel = 99

	again, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 0, again.OptimLevel)
}

func TestCachedStore_FailedUpsertEvicts(t *testing.T) {
	cached, inner := newCachedTestStore(t)
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 1))
	require.NoError(t, err)
	_, err = cached.Upsert(ctx, testWrite("bcdfg", 1))
	assert.ErrorIs(t, err, ErrLevelConflict)

	got, err := cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, got.OptimLevel)
	assert.Equal(t, 1, inner.fetches)
}

func TestCachedStore_ExpirePurges(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	cached, _ := newCachedTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Len())

	clock.t = clock.t.Add(2 * time.Hour)
	n, err := cached.ExpireUnseenOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, cached.Len())

	_, err = cached.Fetch(ctx, "bcdfg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_EntryExpiresAfterTTL(t *testing.T) {
	cached, inner := newCachedTestStore(t)
	clock := &testClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	cached.now = clock.Now
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)

	_, err = cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 0, inner.fetches)

	clock.t = clock.t.Add(time.Hour)
	_, err = cached.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.fetches)
}

func TestCachedStore_WithoutCacheReadsThrough(t *testing.T) {
	cached, inner := newCachedTestStore(t)
	ctx := context.Background()

	_, err := cached.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)

	_, err = cached.Fetch(WithoutCache(ctx), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.fetches)
}

func TestCachedStore_TwoProcessesShareOneDatabase(t *testing.T) {
	db := newTestDB(t)
	a, err := NewCachedStore(db, 8, time.Hour)
	require.NoError(t, err)
	b, err := NewCachedStore(db, 8, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)
	stale, err := a.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	require.Equal(t, 0, stale.OptimLevel)

	_, err = b.Upsert(ctx, testWrite("bcdfg", 1))
	require.NoError(t, err)

	// a still holds level 0, but the store refuses a second level 1 write.
	cachedCopy, err := a.Fetch(ctx, "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 0, cachedCopy.OptimLevel)
	_, err = a.Upsert(ctx, testWrite("bcdfg", 1))
	assert.ErrorIs(t, err, ErrLevelConflict)

	fresh, err := a.Fetch(WithoutCache(ctx), "bcdfg")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.OptimLevel)
}

func TestCachedStore_DropsRowsExpiredElsewhere(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	db := newTestDB(t, WithClock(clock.Now))
	a, err := NewCachedStore(db, 8, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Upsert(ctx, testWrite("bcdfg", 0))
	require.NoError(t, err)

	clock.t = clock.t.Add(48 * time.Hour)
	n, err := db.ExpireUnseenOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = a.Fetch(WithoutCache(ctx), "bcdfg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, a.Len())
}
