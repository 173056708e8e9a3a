package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleFlipsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFavorites(newMemFavStore())

	item := ListItem{ID: "21", Title: "One Piece"}

	favorited, err := f.Toggle(ctx, item)
	require.NoError(t, err)
	assert.True(t, favorited)

	on, err := f.Get(ctx, "21")
	require.NoError(t, err)
	assert.True(t, on)

	favorited, err = f.Toggle(ctx, item)
	require.NoError(t, err)
	assert.False(t, favorited)

	on, err = f.Get(ctx, "21")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFavorites(newMemFavStore())

	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }
	_, err := f.Toggle(ctx, ListItem{ID: "1", Title: "First"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = f.Toggle(ctx, ListItem{ID: "2", Title: "Second"})
	require.NoError(t, err)

	items, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[0].ID)
	assert.Equal(t, "1", items[1].ID)
}

func TestImportPreservesHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFavorites(newMemFavStore())
	f.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	_, err := f.Toggle(ctx, ListItem{ID: "1", Title: "Kept"})
	require.NoError(t, err)
	existing, err := f.List(ctx)
	require.NoError(t, err)
	originalAddedAt := existing[0].AddedAt

	added, err := f.ImportMany(ctx, []FavoriteItem{
		{ListItem: ListItem{ID: "1", Title: "Kept Renamed"}, AddedAt: 5},
		{ListItem: ListItem{ID: "2", Title: "New"}, AddedAt: 99},
		{ListItem: ListItem{ID: "3", Title: "Untimestamped"}},
		{ListItem: ListItem{Title: "No ID"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	items, err := f.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)

	byID := map[string]FavoriteItem{}
	for _, item := range items {
		byID[item.ID] = item
	}
	// Existing entries keep their original timestamp, even on re-import.
	assert.Equal(t, originalAddedAt, byID["1"].AddedAt)
	assert.Equal(t, int64(99), byID["2"].AddedAt)
	assert.NotZero(t, byID["3"].AddedAt)
}

func TestExportOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := NewFavorites(newMemFavStore())

	_, err := f.ImportMany(ctx, []FavoriteItem{
		{ListItem: ListItem{ID: "b"}, AddedAt: 200},
		{ListItem: ListItem{ID: "a"}, AddedAt: 100},
	})
	require.NoError(t, err)

	items, err := f.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
}

func TestSqliteFavStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewSqliteFavStore(t.TempDir() + "/favorites.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	f := NewFavorites(store)

	favorited, err := f.Toggle(ctx, ListItem{ID: "21", Title: "One Piece", Cover: "c.png", Year: 1999, Type: "TV"})
	require.NoError(t, err)
	assert.True(t, favorited)

	items, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "One Piece", items[0].Title)
	assert.Equal(t, 1999, items[0].Year)
	assert.NotZero(t, items[0].AddedAt)
}
