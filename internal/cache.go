package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// cache is the interface consumed by the controller. Implementations must
// fail open: a broken backing store degrades to misses and dropped writes,
// never to request failures.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Expire(ctx context.Context, key string) error
}

// kvstore is a shared, remotely-hosted KV namespace with per-key expiry.
// errKVMiss distinguishes absence from store failure so the cache can count
// degraded operations.
type kvstore interface {
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// errKVMiss is returned by kvstore implementations when a key is absent or
// already expired.
var errKVMiss = errors.New("cache miss")

// Cache keys are deterministic strings derived from the endpoint name and
// normalized query parameters.
func searchKey(q string, page, limit int) string {
	return fmt.Sprintf("search:%s:%d:%d", strings.ToLower(q), page, limit)
}

func popularKey(opts ListOptions) string {
	return fmt.Sprintf("list:popular:%s:%s:%d:%d", orAny(opts.Sort), orAny(strings.Join(opts.Status, ",")), opts.Page, opts.Limit)
}

func seasonalKey(opts SeasonalOptions) string {
	return fmt.Sprintf("list:seasonal:%s:%d:%s:%s:%s:%s:%d:%d",
		opts.Season, opts.Year, orAny(opts.Format), orAny(strings.Join(opts.Genres, ",")),
		orAny(opts.Sort), orAny(strings.Join(opts.Status, ",")), opts.Page, opts.Limit)
}

func detailKey(id int64) string { return fmt.Sprintf("anime:%d", id) }

const genresKey = "anilist:genres"

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

// LayeredCache composes an in-process ristretto layer with a shared remote
// store. Reads prefer the local layer and backfill it from the remote one;
// writes go to both. Remote failures are logged and counted but otherwise
// invisible to callers.
type LayeredCache struct {
	local   *gocache.Cache[[]byte]
	remote  kvstore
	metrics *cacheMetrics
}

var _ cache[[]byte] = (*LayeredCache)(nil)

// NewCache creates a layered cache in front of the given remote store. A nil
// remote is allowed and leaves only the in-process layer.
func NewCache(remote kvstore, reg *prometheus.Registry) (*LayeredCache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     256 << 20, // 256MB of cached payloads.
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating in-memory cache: %w", err)
	}
	return &LayeredCache{
		local:   gocache.New[[]byte](ristretto_store.NewRistretto(r)),
		remote:  remote,
		metrics: newCacheMetrics(reg),
	}, nil
}

func (c *LayeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, _, ok := c.GetWithTTL(ctx, key)
	return value, ok
}

func (c *LayeredCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if value, ttl, err := c.local.GetWithTTL(ctx, key); err == nil && ttl > 0 {
		c.metrics.hitInc()
		return value, ttl, true
	}

	if c.remote == nil {
		c.metrics.missInc()
		return nil, 0, false
	}

	value, ttl, err := c.remote.Get(ctx, key)
	if errors.Is(err, errKVMiss) {
		c.metrics.missInc()
		return nil, 0, false
	}
	if err != nil {
		// Degraded: treat the store as empty and let the caller recompute.
		Log(ctx).Warn("cache store unavailable", "key", key, "err", err)
		c.metrics.degradedInc()
		return nil, 0, false
	}

	c.metrics.hitInc()
	_ = c.local.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(int64(len(value))))
	return value, ttl, true
}

func (c *LayeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = c.local.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(int64(len(value))))
	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		Log(ctx).Warn("problem writing to cache store", "key", key, "err", err)
		c.metrics.degradedInc()
	}
}

func (c *LayeredCache) Expire(ctx context.Context, key string) error {
	err := c.local.Delete(ctx, key)
	if c.remote != nil {
		err = errors.Join(err, c.remote.Delete(ctx, key))
	}
	return err
}

// memstore is a map-backed kvstore for tests and single-process deployments.
type memstore struct {
	mu sync.Mutex
	m  map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func newMemstore() *memstore {
	return &memstore{m: map[string]memEntry{}}
}

func (s *memstore) Get(_ context.Context, key string) ([]byte, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || time.Now().After(e.expires) {
		delete(s.m, key)
		return nil, 0, errKVMiss
	}
	return e.value, time.Until(e.expires), nil
}

func (s *memstore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *memstore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// newMemoryCache is a test helper: a full cache backed only by memory.
func newMemoryCache() *LayeredCache {
	c, err := NewCache(newMemstore(), nil)
	if err != nil {
		panic(err)
	}
	return c
}
