package internal

// ListItem is the canonical shape returned by all list endpoints regardless
// of how the upstream names its fields. Optional fields are omitted rather
// than zeroed.
type ListItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cover string `json:"cover,omitempty"`
	Year  int    `json:"year,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ListPage wraps a page of list items.
type ListPage struct {
	Items []ListItem `json:"items"`
	Page  int        `json:"page"`
	Total int        `json:"total"`
}

// NextAiring describes the next episode of a currently airing show.
type NextAiring struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
	In       int64 `json:"in"`
}

// AiringItem is a list item annotated with its next airing episode.
type AiringItem struct {
	ListItem
	Next NextAiring `json:"next"`
}

// AiringPage wraps a page of airing items.
type AiringPage struct {
	Items []AiringItem `json:"items"`
	Page  int          `json:"page"`
	Total int          `json:"total"`
}

// AnimeMeta is the core metadata block of a detail response.
type AnimeMeta struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Cover    string   `json:"cover,omitempty"`
	Banner   string   `json:"banner,omitempty"`
	Synopsis string   `json:"synopsis,omitempty"`
	Year     int      `json:"year,omitempty"`
	Genres   []string `json:"genres,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Episode is an episode entry on a detail response. The upstream catalog
// doesn't expose streamable episode IDs, so this is always empty in
// practice, but the shape is part of the contract.
type Episode struct {
	ID          string  `json:"id"`
	Number      int     `json:"number,omitempty"`
	Title       string  `json:"title,omitempty"`
	Season      *int    `json:"season"`
	AirDate     *string `json:"airDate"`
	DurationSec *int    `json:"durationSec"`
}

// Character is a character credit on a detail response.
type Character struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Staff is a staff credit on a detail response.
type Staff struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Trailer describes an external trailer video.
type Trailer struct {
	Site      string `json:"site,omitempty"`
	ID        string `json:"id,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// DetailResource is the full detail page payload. Every optional section
// degrades to absent when the upstream omits it.
type DetailResource struct {
	Anime           AnimeMeta   `json:"anime"`
	Episodes        []Episode   `json:"episodes"`
	Recommendations []ListItem  `json:"recommendations,omitempty"`
	Relations       []ListItem  `json:"relations,omitempty"`
	Characters      []Character `json:"characters,omitempty"`
	Staff           []Staff     `json:"staff,omitempty"`
	Trailer         *Trailer    `json:"trailer,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
}

// GenresResource is the genre collection payload.
type GenresResource struct {
	Items []string `json:"items"`
}

// FavoriteItem is a favorited list item with the time it was added.
type FavoriteItem struct {
	ListItem
	AddedAt int64 `json:"addedAt,omitempty"`
}
