package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed store at path. Entries live in
// a single table keyed by cache key, with the expiry mirrored into an indexed
// column so sweeping stays cheap.
func NewSQLite(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER NOT NULL, data BLOB NOT NULL)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite index: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	var (
		expires int64
		data    []byte
	)
	row := s.db.QueryRowContext(ctx, "SELECT expires, data FROM cache WHERE key = ?", key)
	if err := row.Scan(&expires, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: sqlite select: %w", err)
	}
	if expires > 0 && expires <= time.Now().UnixMilli() {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
			return Entry{}, false, fmt.Errorf("store: sqlite expire: %w", err)
		}
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("store: sqlite unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: sqlite marshal: %w", err)
	}
	var expires int64
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt.UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, expires, data) VALUES (?, ?, ?)", key, expires, payload); err != nil {
		return fmt.Errorf("store: sqlite insert: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) Len(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: sqlite count: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: sqlite close: %w", err)
	}
	return nil
}

func (s *sqliteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache WHERE expires > 0 AND expires <= ?", time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: sqlite sweep: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sqlite sweep rows: %w", err)
	}
	return int(removed), nil
}
