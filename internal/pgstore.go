package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a kvstore backed by a Postgres table, for deployments that
// already run Postgres and don't want a second stateful service. Expiry is
// enforced on read; a background sweep reclaims dead rows.
type PGStore struct {
	db *pgxpool.Pool
}

var _ kvstore = (*PGStore)(nil)

// NewPGStore connects to Postgres and ensures the cache table exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	_, err = db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			expires TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating cache table: %w", err)
	}

	s := &PGStore{db: db}
	go s.sweep()
	return s, nil
}

func (s *PGStore) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	var value []byte
	var expires time.Time
	err := s.db.QueryRow(ctx,
		`SELECT value, expires FROM cache WHERE key = $1 AND expires > now()`, key,
	).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, errKVMiss
	}
	if err != nil {
		return nil, 0, err
	}
	return value, time.Until(expires), nil
}

func (s *PGStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cache (key, value, expires) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires
	`, key, value, time.Now().Add(ttl))
	return err
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	return err
}

// sweep periodically deletes expired rows so the table doesn't grow without
// bound. Reads already exclude expired rows, so timing isn't critical.
func (s *PGStore) sweep() {
	ctx := context.Background()
	for {
		time.Sleep(10 * time.Minute)
		tag, err := s.db.Exec(ctx, `DELETE FROM cache WHERE expires <= now()`)
		if err != nil {
			Log(ctx).Warn("problem sweeping expired cache rows", "err", err)
			continue
		}
		if n := tag.RowsAffected(); n > 0 {
			Log(ctx).Debug("swept expired cache rows", "count", n)
		}
	}
}

// Close releases the underlying pool.
func (s *PGStore) Close() {
	s.db.Close()
}
