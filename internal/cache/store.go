// Package cache persists library snapshots in SQLite: one JSON-encoded value
// per key, no TTL or eviction. Retention is explicit: records survive until
// Clear (logout / account switch) or quota recovery.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrStorageQuotaExceeded is surfaced when the backing medium is out of
// space. The remedy (clear data, reduce scope) differs from a network
// failure, so callers must be able to tell them apart.
var ErrStorageQuotaExceeded = errors.New("cache: storage quota exceeded")

// Well-known keys for the library snapshot.
const (
	KeySongs             = "songs"
	KeyGenres            = "genres"
	KeyGenreSongs        = "genreSongs"
	KeyYears             = "years"
	KeyGenresLastUpdated = "genresLastUpdated"
	KeyGenresLastChecked = "genresLastChecked"
	KeyYearsLastUpdated  = "yearsLastUpdated"
	KeyYearsLastChecked  = "yearsLastChecked"
	KeyLastSyncCompleted = "lastSyncCompleted"
)

// Store is a key-value record store over SQLite. SQLite comfortably holds
// tens of thousands of structured records, which rules small-quota stores
// out as the sole backend for the song collection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path. Pass ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}
	return nil
}

// Get unmarshals the value stored under key into out. The second return is
// false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous record.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, mapStorageErr(err))
	}
	return nil
}

// Delete removes a single key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every record. Used on logout and quota recovery.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func mapStorageErr(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrStorageQuotaExceeded, err)
	}
	return err
}
