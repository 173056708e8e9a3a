package internal

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/ohler55/ojg/jp"
)

// _stripTags removes the HTML markup AniList embeds in descriptions.
var _stripTags = bluemonday.StrictPolicy()

// _untitled is returned when no title field is present at all.
const _untitled = "Untitled"

// chain is an ordered list of source paths for one semantic field. The first
// path that yields a usable value wins; otherwise the field is absent.
// Upstream payload shapes vary, so every canonical field is derived this way
// instead of with ad hoc conditionals.
type chain []jp.Expr

func newChain(paths ...string) chain {
	c := make(chain, 0, len(paths))
	for _, p := range paths {
		c = append(c, jp.MustParseString(p))
	}
	return c
}

var (
	_idChain    = newChain("id", "malId", "anilistId", "_id")
	_titleChain = newChain("title.english", "title.romaji", "title.native", "title.userPreferred")

	// Highest resolution cover first, then legacy aliases.
	_coverChain  = newChain("coverImage.extraLarge", "coverImage.large", "coverImage.medium", "image", "cover", "poster", "posterImage")
	_bannerChain = newChain("bannerImage", "banner")

	_yearChain = newChain("startDate.year", "releaseDate", "year", "seasonYear")
	_typeChain = newChain("format", "type", "kind")

	_synopsisChain = newChain("description", "synopsis")
)

// str returns the first string value along the chain, or "".
func (c chain) str(rec any) string {
	for _, x := range c {
		if s, ok := x.First(rec).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// year returns the first value along the chain that coerces to a finite
// positive number, or 0 if none does. Invalid values normalize to absent
// rather than zero or NaN.
func (c chain) year(rec any) int {
	for _, x := range c {
		if y, ok := asYear(x.First(rec)); ok {
			return y
		}
	}
	return 0
}

func asYear(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
			return 0, false
		}
		return int(n), true
	case int:
		if n <= 0 {
			return 0, false
		}
		return n, true
	case int64:
		if n <= 0 {
			return 0, false
		}
		return int(n), true
	case string:
		// Release dates sometimes arrive as "2004" or "2004-10-05".
		if y, err := strconv.Atoi(strings.SplitN(n, "-", 2)[0]); err == nil && y > 0 {
			return y, true
		}
	}
	return 0, false
}

// asID stringifies an upstream identifier, which may arrive as a number or a
// string depending on the source.
func asID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// normalizeListItem maps one upstream media record into the canonical list
// item shape. Missing optional fields stay absent; a record with no title at
// all gets the "Untitled" literal.
func normalizeListItem(rec any) ListItem {
	item := ListItem{
		Title: _untitled,
		Cover: _coverChain.str(rec),
		Year:  _yearChain.year(rec),
		Type:  _typeChain.str(rec),
	}
	for _, x := range _idChain {
		if id := asID(x.First(rec)); id != "" {
			item.ID = id
			break
		}
	}
	// A title may be a plain string or an object of language variants.
	if s, ok := jp.MustParseString("title").First(rec).(string); ok && s != "" {
		item.Title = s
	} else if s := _titleChain.str(rec); s != "" {
		item.Title = s
	}
	return item
}

// normalizePage maps a Page node (pageInfo + media) into a list page.
func normalizePage(pageNode any, fallbackPage int) *ListPage {
	items := []ListItem{}
	for _, rec := range jp.MustParseString("media[*]").Get(pageNode) {
		items = append(items, normalizeListItem(rec))
	}

	page := fallbackPage
	if p, ok := asYear(jp.MustParseString("pageInfo.currentPage").First(pageNode)); ok {
		page = p
	}
	total := len(items)
	if t, ok := asYear(jp.MustParseString("pageInfo.total").First(pageNode)); ok {
		total = t
	}
	return &ListPage{Items: items, Page: page, Total: total}
}

// normalizeAiring maps a Page node of airingSchedules into airing items,
// deduplicated by media ID keeping the earliest airing in the window.
func normalizeAiring(pageNode any, fallbackPage int) *AiringPage {
	type sched struct {
		item AiringItem
		at   int64
	}
	earliest := map[string]sched{}
	order := []string{}

	for _, rec := range jp.MustParseString("airingSchedules[*]").Get(pageNode) {
		media := jp.MustParseString("media").First(rec)
		if media == nil {
			continue
		}
		item := AiringItem{ListItem: normalizeListItem(media)}
		if item.ID == "" {
			continue
		}
		if n, ok := asYear(jp.MustParseString("episode").First(rec)); ok {
			item.Next.Episode = n
		}
		if at, ok := asInt64(jp.MustParseString("airingAt").First(rec)); ok {
			item.Next.AiringAt = at
		}
		if in, ok := asInt64(jp.MustParseString("timeUntilAiring").First(rec)); ok {
			item.Next.In = in
		}

		prev, seen := earliest[item.ID]
		if !seen {
			order = append(order, item.ID)
		}
		if !seen || item.Next.AiringAt < prev.at {
			earliest[item.ID] = sched{item: item, at: item.Next.AiringAt}
		}
	}

	items := make([]AiringItem, 0, len(order))
	for _, id := range order {
		items = append(items, earliest[id].item)
	}

	page := fallbackPage
	if p, ok := asYear(jp.MustParseString("pageInfo.currentPage").First(pageNode)); ok {
		page = p
	}
	return &AiringPage{Items: items, Page: page, Total: len(items)}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// normalizeDetail maps a Media node into the full detail payload.
func normalizeDetail(media any, fallbackID string) *DetailResource {
	anime := AnimeMeta{
		ID:     asID(jp.MustParseString("id").First(media)),
		Title:  _untitled,
		Cover:  _coverChain.str(media),
		Banner: _bannerChain.str(media),
		Year:   _yearChain.year(media),
		Status: newChain("status").str(media),
	}
	if anime.ID == "" {
		anime.ID = fallbackID
	}
	if s := _titleChain.str(media); s != "" {
		anime.Title = s
	}
	if s := _synopsisChain.str(media); s != "" {
		anime.Synopsis = _stripTags.Sanitize(s)
	}
	for _, g := range jp.MustParseString("genres[*]").Get(media) {
		if s, ok := g.(string); ok {
			anime.Genres = append(anime.Genres, s)
		}
	}

	detail := &DetailResource{
		Anime:    anime,
		Episodes: []Episode{}, // AniList has no streamable episode IDs.
	}

	for _, rec := range jp.MustParseString("recommendations.nodes[*].mediaRecommendation").Get(media) {
		if rec == nil {
			continue
		}
		detail.Recommendations = append(detail.Recommendations, normalizeListItem(rec))
	}
	for _, rec := range jp.MustParseString("relations.edges[*].node").Get(media) {
		if rec == nil {
			continue
		}
		detail.Relations = append(detail.Relations, normalizeListItem(rec))
	}

	for _, edge := range jp.MustParseString("characters.edges[*]").Get(media) {
		c := Character{
			ID:    asID(jp.MustParseString("node.id").First(edge)),
			Name:  newChain("node.name.full", "node.name.native").str(edge),
			Image: newChain("node.image.large", "node.image.medium").str(edge),
			Role:  newChain("role").str(edge),
		}
		if c.ID != "" {
			detail.Characters = append(detail.Characters, c)
		}
	}
	for _, edge := range jp.MustParseString("staff.edges[*]").Get(media) {
		s := Staff{
			ID:    asID(jp.MustParseString("node.id").First(edge)),
			Name:  newChain("node.name.full").str(edge),
			Image: newChain("node.image.large").str(edge),
			Role:  newChain("role").str(edge),
		}
		if s.ID != "" {
			detail.Staff = append(detail.Staff, s)
		}
	}

	if t := jp.MustParseString("trailer").First(media); t != nil {
		detail.Trailer = &Trailer{
			Site:      newChain("site").str(t),
			ID:        newChain("id").str(t),
			Thumbnail: newChain("thumbnail").str(t),
		}
	}
	for _, tag := range jp.MustParseString("tags[*].name").Get(media) {
		if s, ok := tag.(string); ok && s != "" {
			detail.Tags = append(detail.Tags, s)
		}
	}

	return detail
}

// normalizeGenres extracts the genre collection, dropping anything that
// isn't a string.
func normalizeGenres(root any) []string {
	genres := []string{}
	for _, g := range jp.MustParseString("GenreCollection[*]").Get(root) {
		if s, ok := g.(string); ok {
			genres = append(genres, s)
		}
	}
	return genres
}
