package internal

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decode parses a JSON literal into the loosely-typed shape the normalizer
// consumes.
func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(raw), &v))
	return v
}

func TestTitleFallbackOrder(t *testing.T) {
	t.Parallel()

	item := normalizeListItem(decode(t, `{"id": 1, "title": {"romaji": "Foo", "native": "フー"}}`))
	assert.Equal(t, "Foo", item.Title)

	item = normalizeListItem(decode(t, `{"id": 1, "title": {"english": "Bar", "romaji": "Foo"}}`))
	assert.Equal(t, "Bar", item.Title)

	item = normalizeListItem(decode(t, `{"id": 1, "title": {"native": "フー"}}`))
	assert.Equal(t, "フー", item.Title)

	item = normalizeListItem(decode(t, `{"id": 1, "title": {}}`))
	assert.Equal(t, "Untitled", item.Title)

	// Some sources use a plain string title.
	item = normalizeListItem(decode(t, `{"id": 1, "title": "Plain"}`))
	assert.Equal(t, "Plain", item.Title)
}

func TestCoverFallbackOrder(t *testing.T) {
	t.Parallel()

	item := normalizeListItem(decode(t, `{"id": 1, "coverImage": {"extraLarge": "xl.png", "large": "l.png"}}`))
	assert.Equal(t, "xl.png", item.Cover)

	item = normalizeListItem(decode(t, `{"id": 1, "coverImage": {"medium": "m.png"}}`))
	assert.Equal(t, "m.png", item.Cover)

	item = normalizeListItem(decode(t, `{"id": 1, "image": "i.png"}`))
	assert.Equal(t, "i.png", item.Cover)

	item = normalizeListItem(decode(t, `{"id": 1}`))
	assert.Empty(t, item.Cover)
}

func TestYearValidation(t *testing.T) {
	t.Parallel()

	item := normalizeListItem(decode(t, `{"id": 1, "startDate": {"year": 2004}}`))
	assert.Equal(t, 2004, item.Year)

	// Date strings keep only the year component.
	item = normalizeListItem(decode(t, `{"id": 1, "releaseDate": "2004-10-05"}`))
	assert.Equal(t, 2004, item.Year)

	// Garbage years normalize to absent.
	item = normalizeListItem(decode(t, `{"id": 1, "startDate": {"year": 0}, "seasonYear": -3}`))
	assert.Zero(t, item.Year)

	item = normalizeListItem(decode(t, `{"id": 1, "startDate": {"year": 2004}, "seasonYear": 2005}`))
	assert.Equal(t, 2004, item.Year)
}

func TestIDCoercion(t *testing.T) {
	t.Parallel()

	item := normalizeListItem(decode(t, `{"id": 21}`))
	assert.Equal(t, "21", item.ID)

	item = normalizeListItem(decode(t, `{"malId": "21"}`))
	assert.Equal(t, "21", item.ID)
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	page := normalizePage(decode(t, `{
		"pageInfo": {"currentPage": 3, "total": 120},
		"media": [
			{"id": 1, "title": {"romaji": "A"}, "format": "TV"},
			{"id": 2, "title": {"romaji": "B"}, "seasonYear": 2021}
		]
	}`), 1)

	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 120, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "TV", page.Items[0].Type)
	assert.Equal(t, 2021, page.Items[1].Year)
}

func TestNormalizeAiringDedupes(t *testing.T) {
	t.Parallel()

	page := normalizeAiring(decode(t, `{
		"airingSchedules": [
			{"episode": 5, "airingAt": 2000, "timeUntilAiring": 500, "media": {"id": 1, "title": {"romaji": "A"}}},
			{"episode": 4, "airingAt": 1000, "timeUntilAiring": 100, "media": {"id": 1, "title": {"romaji": "A"}}},
			{"episode": 9, "airingAt": 1500, "timeUntilAiring": 300, "media": {"id": 2, "title": {"romaji": "B"}}}
		]
	}`), 1)

	// One entry per show, keeping the earliest airing.
	require.Len(t, page.Items, 2)
	assert.Equal(t, "1", page.Items[0].ID)
	assert.Equal(t, 4, page.Items[0].Next.Episode)
	assert.Equal(t, int64(1000), page.Items[0].Next.AiringAt)
	assert.Equal(t, "2", page.Items[1].ID)
	assert.Equal(t, 2, page.Total)
}

func TestNormalizeDetail(t *testing.T) {
	t.Parallel()

	detail := normalizeDetail(decode(t, `{
		"id": 21,
		"title": {"english": "One Piece"},
		"coverImage": {"large": "l.png"},
		"bannerImage": "b.png",
		"description": "Pirates <br> and <i>adventure</i>.",
		"startDate": {"year": 1999},
		"genres": ["Action", "Adventure"],
		"status": "RELEASING",
		"trailer": {"site": "youtube", "id": "abc", "thumbnail": "t.png"},
		"tags": [{"name": "Shounen"}, {"name": "Pirates"}],
		"recommendations": {"nodes": [{"mediaRecommendation": {"id": 30, "title": {"romaji": "Rec"}}}, {"mediaRecommendation": null}]},
		"relations": {"edges": [{"node": {"id": 40, "title": {"romaji": "Rel"}}}]},
		"characters": {"edges": [{"role": "MAIN", "node": {"id": 50, "name": {"full": "Luffy"}, "image": {"large": "luffy.png"}}}]},
		"staff": {"edges": [{"role": "Director", "node": {"id": 60, "name": {"full": "Oda"}}}]}
	}`), "21")

	assert.Equal(t, "21", detail.Anime.ID)
	assert.Equal(t, "One Piece", detail.Anime.Title)
	assert.Equal(t, 1999, detail.Anime.Year)
	assert.Equal(t, "RELEASING", detail.Anime.Status)
	assert.NotContains(t, detail.Anime.Synopsis, "<")
	assert.Contains(t, detail.Anime.Synopsis, "adventure")
	assert.Equal(t, []string{"Action", "Adventure"}, detail.Anime.Genres)

	assert.Empty(t, detail.Episodes)
	require.Len(t, detail.Recommendations, 1)
	assert.Equal(t, "30", detail.Recommendations[0].ID)
	require.Len(t, detail.Relations, 1)
	require.Len(t, detail.Characters, 1)
	assert.Equal(t, "Luffy", detail.Characters[0].Name)
	assert.Equal(t, "MAIN", detail.Characters[0].Role)
	require.Len(t, detail.Staff, 1)
	require.NotNil(t, detail.Trailer)
	assert.Equal(t, "youtube", detail.Trailer.Site)
	assert.Equal(t, []string{"Shounen", "Pirates"}, detail.Tags)
}

func TestNormalizeGenres(t *testing.T) {
	t.Parallel()

	genres := normalizeGenres(decode(t, `{"GenreCollection": ["Action", null, "Drama", 3]}`))
	assert.Equal(t, []string{"Action", "Drama"}, genres)
}
