package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Khan/genqlient/graphql"
	"github.com/ohler55/ojg/jp"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// getter fetches and normalizes catalog data. It exists so tests (and
// alternative upstreams) can be injected under the controller.
type getter interface {
	Search(ctx context.Context, q string, page, limit int) (*ListPage, error)
	Popular(ctx context.Context, opts ListOptions) (*ListPage, error)
	Seasonal(ctx context.Context, opts SeasonalOptions) (*ListPage, error)
	Airing(ctx context.Context, page, limit int, window AiringWindow) (*AiringPage, error)
	Detail(ctx context.Context, id int64) (*DetailResource, error)
	Genres(ctx context.Context) ([]string, error)
}

// ListOptions filters the popular list.
type ListOptions struct {
	Page   int
	Limit  int
	Sort   string
	Status []string
}

// SeasonalOptions filters the seasonal list.
type SeasonalOptions struct {
	Season string
	Year   int
	Format string
	Genres []string
	Sort   string
	Status []string
	Page   int
	Limit  int
}

// AiringWindow is a [Start, End] range of unix seconds.
type AiringWindow struct {
	Start int64
	End   int64
}

// _sortMap translates our sort names to the upstream's enum.
var _sortMap = map[string]string{
	"TRENDING":   "TRENDING_DESC",
	"POPULARITY": "POPULARITY_DESC",
	"SCORE":      "SCORE_DESC",
}

// AniListGetter implements getter against the AniList GraphQL API.
type AniListGetter struct {
	gql graphql.Client
}

var _ getter = (*AniListGetter)(nil)

// NewAniListGetter returns a getter backed by the AniList endpoint at host,
// using upstream for transport.
func NewAniListGetter(host string, upstream *http.Client) *AniListGetter {
	return &AniListGetter{
		gql: graphql.NewClient("https://"+host, upstream),
	}
}

const _searchQuery = `query Search($page:Int,$perPage:Int,$search:String){
  Page(page:$page, perPage:$perPage){
    pageInfo{ total perPage currentPage lastPage hasNextPage }
    media(search:$search, type: ANIME){
      id
      title{ english romaji native }
      coverImage{ extraLarge large medium }
      seasonYear
      format
    }
  }
}`

const _popularQuery = `query Popular($page:Int,$perPage:Int,$sort:[MediaSort],$status:[MediaStatus]){
  Page(page:$page, perPage:$perPage){
    pageInfo{ total perPage currentPage lastPage hasNextPage }
    media(sort:$sort, status_in:$status, type: ANIME){
      id
      title{ english romaji native }
      coverImage{ extraLarge large medium }
      seasonYear
      format
    }
  }
}`

const _seasonalQuery = `query Seasonal($page:Int,$perPage:Int,$season:MediaSeason,$seasonYear:Int,$format:MediaFormat,$genres:[String],$sort:[MediaSort],$status:[MediaStatus]){
  Page(page:$page, perPage:$perPage){
    pageInfo{ total perPage currentPage lastPage hasNextPage }
    media(season:$season, seasonYear:$seasonYear, type: ANIME, format:$format, genre_in:$genres, sort:$sort, status_in:$status){
      id
      title{ english romaji native }
      coverImage{ extraLarge large medium }
      seasonYear
      format
    }
  }
}`

const _airingQuery = `query Airing($page:Int,$perPage:Int,$start:Int,$end:Int){
  Page(page:$page, perPage:$perPage){
    pageInfo{ total perPage currentPage lastPage hasNextPage }
    airingSchedules(airingAt_greater:$start, airingAt_lesser:$end, notYetAired:true){
      id
      episode
      airingAt
      timeUntilAiring
      media{
        id
        title{ english romaji native }
        coverImage{ extraLarge large medium }
        seasonYear
        format
      }
    }
  }
}`

const _detailQuery = `query Detail($id:Int!){
  Media(id:$id, type: ANIME){
    id
    title{ english romaji native userPreferred }
    coverImage{ extraLarge large medium }
    bannerImage
    description(asHtml:false)
    seasonYear
    genres
    status
    trailer { id site thumbnail }
    tags { name }
    recommendations(page:1, perPage:10){
      nodes { mediaRecommendation { id title{english romaji native} coverImage{extraLarge large medium} seasonYear format } }
    }
    relations { edges { relationType node { id title{english romaji native} coverImage{extraLarge large medium} seasonYear format type } } }
    characters(sort: ROLE, page:1, perPage:10){ edges { role node { id name{full native} image{large medium} } } }
    staff(sort: RELEVANCE, page:1, perPage:10){ edges { role node { id name{ full } image{ large } } } }
  }
}`

const _genresQuery = `query Genres{ GenreCollection }`

// Search queries the catalog by natural-language title.
func (g *AniListGetter) Search(ctx context.Context, q string, page, limit int) (*ListPage, error) {
	data, err := g.query(ctx, "Search", _searchQuery, map[string]any{
		"page": page, "perPage": limit, "search": q,
	})
	if err != nil {
		return nil, err
	}
	return normalizePage(jp.MustParseString("Page").First(data), page), nil
}

// Popular lists trending/popular/top-rated shows.
func (g *AniListGetter) Popular(ctx context.Context, opts ListOptions) (*ListPage, error) {
	vars := map[string]any{
		"page": opts.Page, "perPage": opts.Limit,
		"sort": []string{sortEnum(opts.Sort, "POPULARITY_DESC")},
	}
	if len(opts.Status) > 0 {
		vars["status"] = opts.Status
	}
	data, err := g.query(ctx, "Popular", _popularQuery, vars)
	if err != nil {
		return nil, err
	}
	return normalizePage(jp.MustParseString("Page").First(data), opts.Page), nil
}

// Seasonal lists shows for one calendar season.
func (g *AniListGetter) Seasonal(ctx context.Context, opts SeasonalOptions) (*ListPage, error) {
	vars := map[string]any{
		"page": opts.Page, "perPage": opts.Limit,
		"season": opts.Season, "seasonYear": opts.Year,
		"sort": []string{sortEnum(opts.Sort, "TRENDING_DESC")},
	}
	if opts.Format != "" {
		vars["format"] = opts.Format
	}
	if len(opts.Genres) > 0 {
		vars["genres"] = opts.Genres
	}
	if len(opts.Status) > 0 {
		vars["status"] = opts.Status
	}
	data, err := g.query(ctx, "Seasonal", _seasonalQuery, vars)
	if err != nil {
		return nil, err
	}
	return normalizePage(jp.MustParseString("Page").First(data), opts.Page), nil
}

// Airing lists upcoming episodes inside the window, deduplicated by show.
func (g *AniListGetter) Airing(ctx context.Context, page, limit int, window AiringWindow) (*AiringPage, error) {
	data, err := g.query(ctx, "Airing", _airingQuery, map[string]any{
		"page": page, "perPage": limit, "start": window.Start, "end": window.End,
	})
	if err != nil {
		return nil, err
	}
	return normalizeAiring(jp.MustParseString("Page").First(data), page), nil
}

// Detail fetches the full metadata for one show.
func (g *AniListGetter) Detail(ctx context.Context, id int64) (*DetailResource, error) {
	data, err := g.query(ctx, "Detail", _detailQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	media := jp.MustParseString("Media").First(data)
	if media == nil {
		return nil, errNotFound
	}
	return normalizeDetail(media, strconv.FormatInt(id, 10)), nil
}

// Genres fetches the genre collection.
func (g *AniListGetter) Genres(ctx context.Context) ([]string, error) {
	data, err := g.query(ctx, "Genres", _genresQuery, nil)
	if err != nil {
		return nil, err
	}
	return normalizeGenres(data), nil
}

// query issues one GraphQL request and classifies failures: upstream 404s
// and "not found" GraphQL errors become errNotFound, undecodable bodies
// become errBadContent, everything else surfaces as-is for the handler to
// map to an upstream error.
func (g *AniListGetter) query(ctx context.Context, opName, query string, vars map[string]any) (map[string]any, error) {
	var data map[string]any
	err := g.gql.MakeRequest(ctx, &graphql.Request{
		OpName:    opName,
		Query:     query,
		Variables: vars,
	}, &graphql.Response{Data: &data})
	if err == nil {
		return data, nil
	}

	if errors.Is(err, errNotFound) {
		return nil, errNotFound
	}

	var gqlErrs gqlerror.List
	if errors.As(err, &gqlErrs) {
		for _, e := range gqlErrs {
			if strings.Contains(strings.ToLower(e.Message), "not found") {
				return nil, errNotFound
			}
		}
		return nil, fmt.Errorf("anilist: %w", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return nil, fmt.Errorf("%w: %s", errBadContent, err)
	}

	return nil, fmt.Errorf("querying %s: %w", opName, err)
}

func sortEnum(sort, fallback string) string {
	if mapped, ok := _sortMap[sort]; ok {
		return mapped
	}
	return fallback
}
