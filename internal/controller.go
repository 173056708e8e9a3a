package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"
)

var (
	_searchTTL = 6 * time.Hour
	_detailTTL = 6 * time.Hour
	_listTTL   = 10 * time.Minute
	_genresTTL = 12 * time.Hour

	// _missing is a sentinel we cache for shows that don't exist upstream, so
	// repeated lookups of a bad ID don't hammer the catalog.
	_missing    = []byte{0}
	_missingTTL = time.Hour
)

// fuzz adds a random amount of jitter, up to fraction of the given TTL, so
// entries cached together don't all expire together.
func fuzz(ttl time.Duration, fraction float64) time.Duration {
	return ttl + time.Duration(fraction*rand.Float64()*float64(ttl))
}

// Controller caches normalized upstream responses. Concurrent requests for
// the same key are coalesced into one upstream fetch; everyone waiting gets
// the same bytes. Errors are returned to all waiters and never cached, with
// one exception: a missing show is remembered briefly via the _missing
// sentinel.
type Controller struct {
	cache    cache[[]byte]
	upstream getter
	group    singleflight.Group
}

// NewController creates a controller over the given cache and upstream.
func NewController(cache cache[[]byte], upstream getter) *Controller {
	return &Controller{cache: cache, upstream: upstream}
}

// Search returns serialized search results for q. The cache key is
// case-insensitive in q, so "NARUTO" and "naruto" share an entry.
func (c *Controller) Search(ctx context.Context, q string, page, limit int) ([]byte, bool, error) {
	return c.getOrSet(ctx, searchKey(q, page, limit), _searchTTL, func(ctx context.Context) (any, error) {
		return c.upstream.Search(ctx, q, page, limit)
	})
}

// Popular returns the serialized popular list.
func (c *Controller) Popular(ctx context.Context, opts ListOptions) ([]byte, bool, error) {
	return c.getOrSet(ctx, popularKey(opts), _listTTL, func(ctx context.Context) (any, error) {
		return c.upstream.Popular(ctx, opts)
	})
}

// Seasonal returns the serialized seasonal list.
func (c *Controller) Seasonal(ctx context.Context, opts SeasonalOptions) ([]byte, bool, error) {
	return c.getOrSet(ctx, seasonalKey(opts), _listTTL, func(ctx context.Context) (any, error) {
		return c.upstream.Seasonal(ctx, opts)
	})
}

// Genres returns the serialized genre collection.
func (c *Controller) Genres(ctx context.Context) ([]byte, bool, error) {
	return c.getOrSet(ctx, genresKey, _genresTTL, func(ctx context.Context) (any, error) {
		genres, err := c.upstream.Genres(ctx)
		if err != nil {
			return nil, err
		}
		return GenresResource{Items: genres}, nil
	})
}

// Detail returns the serialized detail resource for id. Missing shows are
// negatively cached so a storm of requests for a bad ID costs one upstream
// round trip per hour.
func (c *Controller) Detail(ctx context.Context, id int64) ([]byte, bool, error) {
	key := detailKey(id)
	return c.getOrSet(ctx, key, _detailTTL, func(ctx context.Context) (any, error) {
		detail, err := c.upstream.Detail(ctx, id)
		if errors.Is(err, errNotFound) {
			c.cache.Set(ctx, key, _missing, _missingTTL)
		}
		if err != nil {
			return nil, err
		}
		return detail, nil
	})
}

// Airing returns serialized upcoming episodes. Schedules go stale by the
// minute, so this is a passthrough: never cached, but still coalesced.
func (c *Controller) Airing(ctx context.Context, page, limit int, window AiringWindow) ([]byte, error) {
	key := fmt.Sprintf("airing:%d:%d:%d:%d", page, limit, window.Start, window.End)
	out, err, _ := c.group.Do(key, func() (any, error) {
		resource, err := c.upstream.Airing(ctx, page, limit, window)
		if err != nil {
			return nil, err
		}
		return sonic.Marshal(resource)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// getOrSet returns the cached bytes for key, or computes them once via fetch
// and caches the result. The boolean reports whether the bytes came from
// cache. A cached _missing sentinel short-circuits to errNotFound.
func (c *Controller) getOrSet(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) ([]byte, bool, error) {
	if value, ok := c.cache.Get(ctx, key); ok {
		if bytes.Equal(value, _missing) {
			return nil, true, errNotFound
		}
		return value, true, nil
	}

	out, err, _ := c.group.Do(key, func() (any, error) {
		// A racing flight may have filled the cache while we queued.
		if value, ok := c.cache.Get(ctx, key); ok {
			if bytes.Equal(value, _missing) {
				return nil, errNotFound
			}
			return value, nil
		}

		resource, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		value, err := sonic.Marshal(resource)
		if err != nil {
			return nil, fmt.Errorf("serializing %q: %w", key, err)
		}
		c.cache.Set(ctx, key, value, fuzz(ttl, 0.1))
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return out.([]byte), false, nil
}
