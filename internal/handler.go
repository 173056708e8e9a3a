package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
)

// Per-window request budgets. Detail lookups are cheap and bursty (a client
// rendering a list fans out into detail fetches), so they get a higher
// budget than the list endpoints.
const (
	_rateWindow  = time.Minute
	_detailRate  = 60
	_defaultRate = 30
)

var (
	_seasons = map[string]bool{"WINTER": true, "SPRING": true, "SUMMER": true, "FALL": true}
	_sorts   = map[string]bool{"TRENDING": true, "POPULARITY": true, "SCORE": true}
	_formats = map[string]bool{
		"TV": true, "TV_SHORT": true, "MOVIE": true, "SPECIAL": true,
		"OVA": true, "ONA": true, "MUSIC": true,
	}
	_statuses = map[string]bool{
		"FINISHED": true, "RELEASING": true, "NOT_YET_RELEASED": true,
		"CANCELLED": true, "HIATUS": true,
	}
)

// Handler serves the public REST API.
type Handler struct {
	ctrl      *Controller
	limiter   *Limiter
	favorites *Favorites

	now func() time.Time // Injectable for tests.
}

// NewHandler assembles the API from its parts.
func NewHandler(ctrl *Controller, limiter *Limiter, favorites *Favorites) *Handler {
	return &Handler{
		ctrl:      ctrl,
		limiter:   limiter,
		favorites: favorites,
		now:       time.Now,
	}
}

// Router returns the routed handler with request IDs, panic recovery, and
// metrics attached. The genres endpoint is additionally wrapped in a
// request-coalescing middleware since its responses are identical for all
// callers.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if reg != nil {
		r.Use(func(next http.Handler) http.Handler {
			return instrument(reg, next)
		})
	}

	r.Get("/search", h.search)
	r.Get("/detail/{id}", h.detail)
	r.Get("/list/popular", h.popular)
	r.Get("/list/seasonal", h.seasonal)
	r.Get("/list/airing", h.airing)
	r.With(stampede.Handler(512, time.Second)).Get("/genres", h.genres)
	r.Get("/stream/{id}", h.stream)

	r.Route("/favorites", func(r chi.Router) {
		r.Get("/", h.favoritesList)
		r.Post("/toggle", h.favoritesToggle)
		r.Put("/import", h.favoritesImport)
		r.Get("/export", h.favoritesExport)
		r.Get("/{id}", h.favoritesGet)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r), _defaultRate) {
		return
	}

	q := r.URL.Query().Get("q")
	if len(q) < 1 || len(q) > 200 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "q must be between 1 and 200 characters")
		return
	}
	page, limit, err := pagination(r, 20, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	out, cached, err := h.ctrl.Search(r.Context(), q, page, limit)
	if err != nil {
		h.upstreamError(w, r, err, codeUpstream)
		return
	}
	writeCached(w, out, cached)
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r), _detailRate) {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "id must be a positive integer")
		return
	}

	out, cached, err := h.ctrl.Detail(r.Context(), id)
	if err != nil {
		h.upstreamError(w, r, err, codeUpstream)
		return
	}
	writeCached(w, out, cached)
}

func (h *Handler) popular(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r)+":popular", _defaultRate) {
		return
	}

	page, limit, err := pagination(r, 20, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	sort, err := enumParam(r, "sort", _sorts)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	status, err := enumList(r, "status", _statuses)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	out, cached, err := h.ctrl.Popular(r.Context(), ListOptions{
		Page: page, Limit: limit, Sort: sort, Status: status,
	})
	if err != nil {
		h.upstreamError(w, r, err, codeUpstream)
		return
	}
	writeCached(w, out, cached)
}

func (h *Handler) seasonal(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r)+":seasonal", _defaultRate) {
		return
	}

	page, limit, err := pagination(r, 20, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	season, err := enumParam(r, "season", _seasons)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	sort, err := enumParam(r, "sort", _sorts)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	format, err := enumParam(r, "format", _formats)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	status, err := enumList(r, "status", _statuses)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	year := 0
	if y := r.URL.Query().Get("year"); y != "" {
		year, err = strconv.Atoi(y)
		if err != nil || year < 1900 || year > 2200 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "year must be a plausible calendar year")
			return
		}
	}
	// Fill in whatever the client left out with the season airing right now.
	defSeason, defYear := currentSeason(h.now().UTC())
	if season == "" {
		season = defSeason
	}
	if year == 0 {
		year = defYear
	}

	out, cached, err := h.ctrl.Seasonal(r.Context(), SeasonalOptions{
		Season: season, Year: year, Format: format,
		Genres: listParam(r, "genres"), Sort: sort, Status: status,
		Page: page, Limit: limit,
	})
	if err != nil {
		h.upstreamError(w, r, err, codeUpstream)
		return
	}
	writeCached(w, out, cached)
}

func (h *Handler) airing(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r)+":airing", _defaultRate) {
		return
	}

	page, limit, err := pagination(r, 50, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	now := h.now().UTC()
	window := AiringWindow{Start: now.Unix(), End: now.Add(7 * 24 * time.Hour).Unix()}

	out, err := h.ctrl.Airing(r.Context(), page, limit, window)
	if err != nil {
		h.upstreamError(w, r, err, codeAniList)
		return
	}
	writeCached(w, out, false)
}

func (h *Handler) genres(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, clientIP(r)+":genres", _defaultRate) {
		return
	}

	out, cached, err := h.ctrl.Genres(r.Context())
	if err != nil {
		h.upstreamError(w, r, err, codeUpstream)
		return
	}
	writeCached(w, out, cached)
}

// stream is permanently disabled: we serve metadata, not media. The route
// exists so old clients get a stable machine-readable answer instead of 404.
func (h *Handler) stream(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusGone, codeDisabled, "streaming is not available")
}

func (h *Handler) favoritesList(w http.ResponseWriter, r *http.Request) {
	items, err := h.favorites.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeUpstream, "problem listing favorites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orEmpty(items)})
}

func (h *Handler) favoritesGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	favorited, err := h.favorites.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeUpstream, "problem reading favorites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "favorited": favorited})
}

func (h *Handler) favoritesToggle(w http.ResponseWriter, r *http.Request) {
	var item ListItem
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&item); err != nil || item.ID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "body must be a list item with an id")
		return
	}
	favorited, err := h.favorites.Toggle(r.Context(), item)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeUpstream, "problem toggling favorite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": item.ID, "favorited": favorited})
}

func (h *Handler) favoritesImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []FavoriteItem `json:"items"`
	}
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "body must be an items array")
		return
	}
	added, err := h.favorites.ImportMany(r.Context(), body.Items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeUpstream, "problem importing favorites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (h *Handler) favoritesExport(w http.ResponseWriter, r *http.Request) {
	items, err := h.favorites.ExportAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeUpstream, "problem exporting favorites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orEmpty(items)})
}

// allow applies the rate limit for key and, if the budget is exhausted,
// writes the 429 response. It returns true when the request may proceed.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string, limit int) bool {
	result := h.limiter.Allow(r.Context(), key, limit, _rateWindow)
	if result.Allowed {
		return true
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(result.Reset/time.Second), 10))
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests, slow down")
	return false
}

// upstreamError maps a fetch failure onto the API error contract. The airing
// endpoint reports its own error codes; everything else reports a generic
// upstream failure.
func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error, code string) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "anime not found")
	case errors.Is(err, errBadContent):
		badContent := codeUpstream
		if code == codeAniList {
			badContent = codeBadContent
		}
		writeError(w, http.StatusBadGateway, badContent, "upstream returned unusable content")
	default:
		Log(r.Context()).Warn("upstream request failed", "err", err)
		writeError(w, http.StatusBadGateway, code, "upstream request failed")
	}
}

// clientIP identifies the caller for rate limiting. The first entry of
// X-Forwarded-For is the original client when we're behind a proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

// pagination parses the page and limit query params with bounds checking.
func pagination(r *http.Request, defaultLimit, maxLimit int) (page, limit int, err error) {
	page, limit = 1, defaultLimit
	q := r.URL.Query()
	if p := q.Get("page"); p != "" {
		page, err = strconv.Atoi(p)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if l := q.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 || limit > maxLimit {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
		}
	}
	return page, limit, nil
}

// enumParam parses an optional single-valued enum query param.
func enumParam(r *http.Request, name string, valid map[string]bool) (string, error) {
	v := strings.ToUpper(r.URL.Query().Get(name))
	if v == "" {
		return "", nil
	}
	if !valid[v] {
		return "", fmt.Errorf("invalid %s %q", name, v)
	}
	return v, nil
}

// enumList parses an optional comma-separated enum query param.
func enumList(r *http.Request, name string, valid map[string]bool) ([]string, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if !valid[v] {
			return nil, fmt.Errorf("invalid %s %q", name, v)
		}
		out = append(out, v)
	}
	return out, nil
}

// listParam parses an optional comma-separated free-form query param.
func listParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// currentSeason returns the anime season airing at t. December already
// belongs to the following year's winter season.
func currentSeason(t time.Time) (string, int) {
	switch m := t.Month(); {
	case m == time.December:
		return "WINTER", t.Year() + 1
	case m <= time.February:
		return "WINTER", t.Year()
	case m <= time.May:
		return "SPRING", t.Year()
	case m <= time.August:
		return "SUMMER", t.Year()
	default:
		return "FALL", t.Year()
	}
}

// writeCached writes a pre-serialized JSON payload with cache provenance.
func writeCached(w http.ResponseWriter, body []byte, cached bool) {
	w.Header().Set("Content-Type", "application/json")
	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, newAPIError(code, message))
}

// orEmpty keeps empty lists serializing as [] instead of null.
func orEmpty(items []FavoriteItem) []FavoriteItem {
	if items == nil {
		return []FavoriteItem{}
	}
	return items
}
