package database

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/leca/imgshrink/internal/model"
)

// Compile-time check that CachedStore implements Store.
var _ Store = (*CachedStore)(nil)

// DefaultCacheTTL bounds how long a cached row is served without asking
// the backing store again.
const DefaultCacheTTL = time.Minute

type bypassKey struct{}

// WithoutCache marks ctx so a CachedStore reads through to the backing
// store. Callers that decide on the stored level use it; a cached copy may
// predate a write made by another process.
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func cacheBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

type cacheEntry struct {
	img     model.Image
	expires time.Time
}

// CachedStore keeps recently fetched or written rows in an in-process LRU.
// Reads of hot images skip the backing store until the entry's TTL runs
// out; every write refreshes the entry so a reader never sees an older
// level than this process wrote.
type CachedStore struct {
	Store
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCachedStore wraps store with an LRU of size entries, each served for
// at most ttl. A non-positive ttl uses DefaultCacheTTL.
func NewCachedStore(store Store, size int, ttl time.Duration) (*CachedStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: store, cache: cache, ttl: ttl, now: time.Now}, nil
}

func (c *CachedStore) Fetch(ctx context.Context, id string) (*model.Image, error) {
	if !cacheBypassed(ctx) {
		if img, ok := c.get(id); ok {
			return img, nil
		}
	}
	img, err := c.Store.Fetch(ctx, id)
	if err != nil {
		c.cache.Remove(id)
		return nil, err
	}
	c.add(img)
	return img, nil
}

func (c *CachedStore) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := c.get(id); ok {
		return true, nil
	}
	return c.Store.Exists(ctx, id)
}

func (c *CachedStore) Upsert(ctx context.Context, w *model.ImageWrite) (*model.Image, error) {
	img, err := c.Store.Upsert(ctx, w)
	if err != nil {
		c.cache.Remove(w.ID)
		return nil, err
	}
	c.add(img)
	return img, nil
}

func (c *CachedStore) ExpireUnseenOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	n, err := c.Store.ExpireUnseenOlderThan(ctx, d)
	if n > 0 {
		c.cache.Purge()
	}
	return n, err
}

// Len reports how many rows are cached, including ones past their TTL.
func (c *CachedStore) Len() int { return c.cache.Len() }

func (c *CachedStore) get(id string) (*model.Image, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if !c.now().Before(e.expires) {
		c.cache.Remove(id)
		return nil, false
	}
	img := e.img
	return &img, true
}

func (c *CachedStore) add(img *model.Image) {
	c.cache.Add(img.ID, &cacheEntry{img: *img, expires: c.now().Add(c.ttl)})
}
