package internal

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGetter counts upstream calls and delegates to optional overrides.
type stubGetter struct {
	mu    sync.Mutex
	calls map[string]int

	searchFn   func(q string, page, limit int) (*ListPage, error)
	popularFn  func(opts ListOptions) (*ListPage, error)
	seasonalFn func(opts SeasonalOptions) (*ListPage, error)
	airingFn   func(page, limit int, window AiringWindow) (*AiringPage, error)
	detailFn   func(id int64) (*DetailResource, error)
	genresFn   func() ([]string, error)
}

var _ getter = (*stubGetter)(nil)

func newStubGetter() *stubGetter {
	return &stubGetter{calls: map[string]int{}}
}

func (g *stubGetter) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}

func (g *stubGetter) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *stubGetter) Search(_ context.Context, q string, page, limit int) (*ListPage, error) {
	g.count("search")
	if g.searchFn != nil {
		return g.searchFn(q, page, limit)
	}
	return &ListPage{Items: []ListItem{{ID: "1", Title: q}}, Page: page, Total: 1}, nil
}

func (g *stubGetter) Popular(_ context.Context, opts ListOptions) (*ListPage, error) {
	g.count("popular")
	if g.popularFn != nil {
		return g.popularFn(opts)
	}
	return &ListPage{Items: []ListItem{}, Page: opts.Page}, nil
}

func (g *stubGetter) Seasonal(_ context.Context, opts SeasonalOptions) (*ListPage, error) {
	g.count("seasonal")
	if g.seasonalFn != nil {
		return g.seasonalFn(opts)
	}
	return &ListPage{Items: []ListItem{}, Page: opts.Page}, nil
}

func (g *stubGetter) Airing(_ context.Context, page, limit int, window AiringWindow) (*AiringPage, error) {
	g.count("airing")
	if g.airingFn != nil {
		return g.airingFn(page, limit, window)
	}
	return &AiringPage{Items: []AiringItem{}, Page: page}, nil
}

func (g *stubGetter) Detail(_ context.Context, id int64) (*DetailResource, error) {
	g.count("detail")
	if g.detailFn != nil {
		return g.detailFn(id)
	}
	return &DetailResource{
		Anime:    AnimeMeta{ID: strconv.FormatInt(id, 10), Title: "Some Show"},
		Episodes: []Episode{},
	}, nil
}

func (g *stubGetter) Genres(_ context.Context) ([]string, error) {
	g.count("genres")
	if g.genresFn != nil {
		return g.genresFn()
	}
	return []string{"Action", "Comedy"}, nil
}

func TestSearchComputedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()
	ctrl := NewController(newMemoryCache(), getter)

	first, cached, err := ctrl.Search(ctx, "Naruto", 1, 20)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := ctrl.Search(ctx, "Naruto", 1, 20)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)

	// Queries differing only in case share an entry.
	_, cached, err = ctrl.Search(ctx, "NARUTO", 1, 20)
	require.NoError(t, err)
	assert.True(t, cached)

	assert.Equal(t, 1, getter.callCount("search"))
}

func TestSearchDistinctPagesDistinctEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()
	ctrl := NewController(newMemoryCache(), getter)

	_, _, err := ctrl.Search(ctx, "one piece", 1, 20)
	require.NoError(t, err)
	_, _, err = ctrl.Search(ctx, "one piece", 2, 20)
	require.NoError(t, err)

	assert.Equal(t, 2, getter.callCount("search"))
}

func TestErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()
	boom := errors.New("upstream exploded")
	getter.genresFn = func() ([]string, error) { return nil, boom }

	ctrl := NewController(newMemoryCache(), getter)

	_, _, err := ctrl.Genres(ctx)
	require.ErrorIs(t, err, boom)

	// A subsequent request retries instead of replaying the failure.
	getter.genresFn = nil
	out, cached, err := ctrl.Genres(ctx)
	require.NoError(t, err)
	assert.False(t, cached)

	var resource GenresResource
	require.NoError(t, sonic.Unmarshal(out, &resource))
	assert.Equal(t, []string{"Action", "Comedy"}, resource.Items)
	assert.Equal(t, 2, getter.callCount("genres"))
}

func TestDetailMissingNegativelyCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()
	getter.detailFn = func(int64) (*DetailResource, error) { return nil, errNotFound }

	ctrl := NewController(newMemoryCache(), getter)

	_, _, err := ctrl.Detail(ctx, 999999999)
	require.ErrorIs(t, err, errNotFound)

	_, cached, err := ctrl.Detail(ctx, 999999999)
	require.ErrorIs(t, err, errNotFound)
	assert.True(t, cached)

	assert.Equal(t, 1, getter.callCount("detail"))
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()

	release := make(chan struct{})
	getter.detailFn = func(id int64) (*DetailResource, error) {
		<-release
		return &DetailResource{Anime: AnimeMeta{ID: strconv.FormatInt(id, 10), Title: "Slow Show"}, Episodes: []Episode{}}, nil
	}

	ctrl := NewController(newMemoryCache(), getter)

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _, err := ctrl.Detail(ctx, 42)
			assert.NoError(t, err)
			results[i] = out
		}()
	}

	// Give the goroutines a moment to pile onto the same flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, out := range results[1:] {
		assert.Equal(t, results[0], out)
	}
	assert.Equal(t, 1, getter.callCount("detail"))
}

func TestAiringNeverCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	getter := newStubGetter()
	ctrl := NewController(newMemoryCache(), getter)

	window := AiringWindow{Start: 1000, End: 2000}
	_, err := ctrl.Airing(ctx, 1, 50, window)
	require.NoError(t, err)
	_, err = ctrl.Airing(ctx, 1, 50, window)
	require.NoError(t, err)

	assert.Equal(t, 2, getter.callCount("airing"))
}

func TestFuzz(t *testing.T) {
	t.Parallel()

	for range 100 {
		ttl := fuzz(time.Hour, 0.2)
		assert.GreaterOrEqual(t, ttl, time.Hour)
		assert.LessOrEqual(t, ttl, time.Hour+12*time.Minute)
	}
}
