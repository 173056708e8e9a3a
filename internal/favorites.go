package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// favStore persists favorited shows keyed by their catalog ID.
type favStore interface {
	Get(ctx context.Context, id string) (FavoriteItem, bool, error)
	Put(ctx context.Context, item FavoriteItem) error
	Remove(ctx context.Context, id string) error
	All(ctx context.Context) ([]FavoriteItem, error)
}

// Favorites tracks the shows a user has marked. State survives restarts when
// backed by sqlite; the memory backend serves tests and ephemeral deployments.
type Favorites struct {
	store favStore
	now   func() time.Time
}

// NewFavorites creates a favorites service over the given store.
func NewFavorites(store favStore) *Favorites {
	return &Favorites{store: store, now: time.Now}
}

// Get reports whether id is favorited.
func (f *Favorites) Get(ctx context.Context, id string) (bool, error) {
	_, ok, err := f.store.Get(ctx, id)
	return ok, err
}

// Toggle flips the favorite state of item and returns the new state. The
// item's metadata snapshot is stored so lists render without refetching.
func (f *Favorites) Toggle(ctx context.Context, item ListItem) (bool, error) {
	_, ok, err := f.store.Get(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if ok {
		return false, f.store.Remove(ctx, item.ID)
	}
	return true, f.store.Put(ctx, FavoriteItem{ListItem: item, AddedAt: f.now().Unix()})
}

// List returns all favorites, most recently added first.
func (f *Favorites) List(ctx context.Context) ([]FavoriteItem, error) {
	items, err := f.store.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AddedAt > items[j].AddedAt
	})
	return items, nil
}

// ImportMany merges items into the store. Existing entries keep their
// original AddedAt so an import never rewrites history; new entries without
// a timestamp get the current time.
func (f *Favorites) ImportMany(ctx context.Context, items []FavoriteItem) (int, error) {
	added := 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		existing, ok, err := f.store.Get(ctx, item.ID)
		if err != nil {
			return added, err
		}
		if ok {
			item.AddedAt = existing.AddedAt
		} else if item.AddedAt == 0 {
			item.AddedAt = f.now().Unix()
		}
		if !ok {
			added++
		}
		if err := f.store.Put(ctx, item); err != nil {
			return added, err
		}
	}
	return added, nil
}

// ExportAll returns every favorite in insertion order, oldest first, for
// backup and transfer between instances.
func (f *Favorites) ExportAll(ctx context.Context) ([]FavoriteItem, error) {
	items, err := f.store.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AddedAt < items[j].AddedAt
	})
	return items, nil
}

// sqliteFavStore persists favorites in a local sqlite file.
type sqliteFavStore struct {
	db *sql.DB
}

var _ favStore = (*sqliteFavStore)(nil)

// NewSqliteFavStore opens (and initializes if needed) the favorites database
// at path.
func NewSqliteFavStore(path string) (*sqliteFavStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening favorites db: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS favorites (
			id       TEXT PRIMARY KEY,
			title    TEXT NOT NULL,
			cover    TEXT NOT NULL DEFAULT '',
			year     INTEGER NOT NULL DEFAULT 0,
			type     TEXT NOT NULL DEFAULT '',
			added_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating favorites table: %w", err)
	}
	return &sqliteFavStore{db: db}, nil
}

func (s *sqliteFavStore) Get(ctx context.Context, id string) (FavoriteItem, bool, error) {
	var item FavoriteItem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, cover, year, type, added_at FROM favorites WHERE id = ?`, id,
	).Scan(&item.ID, &item.Title, &item.Cover, &item.Year, &item.Type, &item.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FavoriteItem{}, false, nil
	}
	if err != nil {
		return FavoriteItem{}, false, err
	}
	return item, true, nil
}

func (s *sqliteFavStore) Put(ctx context.Context, item FavoriteItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO favorites (id, title, cover, year, type, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			cover = excluded.cover,
			year = excluded.year,
			type = excluded.type,
			added_at = excluded.added_at
	`, item.ID, item.Title, item.Cover, item.Year, item.Type, item.AddedAt)
	return err
}

func (s *sqliteFavStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE id = ?`, id)
	return err
}

func (s *sqliteFavStore) All(ctx context.Context) ([]FavoriteItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, cover, year, type, added_at FROM favorites`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []FavoriteItem
	for rows.Next() {
		var item FavoriteItem
		if err := rows.Scan(&item.ID, &item.Title, &item.Cover, &item.Year, &item.Type, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close releases the underlying database handle.
func (s *sqliteFavStore) Close() error {
	return s.db.Close()
}

// memFavStore is a map-backed favStore for tests.
type memFavStore struct {
	mu sync.Mutex
	m  map[string]FavoriteItem
}

var _ favStore = (*memFavStore)(nil)

func newMemFavStore() *memFavStore {
	return &memFavStore{m: map[string]FavoriteItem{}}
}

func (s *memFavStore) Get(_ context.Context, id string) (FavoriteItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.m[id]
	return item, ok, nil
}

func (s *memFavStore) Put(_ context.Context, item FavoriteItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[item.ID] = item
	return nil
}

func (s *memFavStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

func (s *memFavStore) All(_ context.Context) ([]FavoriteItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]FavoriteItem, 0, len(s.m))
	for _, item := range s.m {
		items = append(items, item)
	}
	return items, nil
}
