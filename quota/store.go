package quota

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const counterSchema = `
CREATE TABLE IF NOT EXISTS quota_entries (
	key        TEXT NOT NULL,
	at         DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_key_at ON quota_entries(key, at);
`

// SQLiteCounterStore persists quota entries in a SQLite database. Expired
// rows are excluded by range queries and deleted by Reap.
type SQLiteCounterStore struct {
	db *sql.DB
}

// NewSQLiteCounterStore opens (or creates) the counter database at dbPath.
// The caller is responsible for calling Close.
func NewSQLiteCounterStore(dbPath string) (*SQLiteCounterStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(counterSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteCounterStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteCounterStore) Close() error { return s.db.Close() }

// Insert appends a timestamped entry under key with the given TTL.
func (s *SQLiteCounterStore) Insert(key string, at time.Time, ttl time.Duration) error {
	_, err := s.db.Exec(`INSERT INTO quota_entries (key, at, expires_at) VALUES (?,?,?)`,
		key, at.UTC(), at.Add(ttl).UTC())
	if err != nil {
		return fmt.Errorf("insert quota entry: %w", err)
	}
	return nil
}

// CountSince counts non-expired entries for key newer than cutoff.
func (s *SQLiteCounterStore) CountSince(key string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM quota_entries WHERE key=? AND at > ? AND expires_at > ?`,
		key, cutoff.UTC(), time.Now().UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quota entries: %w", err)
	}
	return n, nil
}

// Reap deletes entries whose TTL elapsed before now.
func (s *SQLiteCounterStore) Reap(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM quota_entries WHERE expires_at <= ?`, now.UTC()); err != nil {
		return fmt.Errorf("reap quota entries: %w", err)
	}
	return nil
}

// MemCounterStore is an in-memory CounterStore for tests.
type MemCounterStore struct {
	mu      sync.Mutex
	entries map[string][]memEntry
}

type memEntry struct {
	at      time.Time
	expires time.Time
}

// NewMemCounterStore creates an empty MemCounterStore.
func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{entries: make(map[string][]memEntry)}
}

// Insert appends a timestamped entry under key with the given TTL.
func (s *MemCounterStore) Insert(key string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(s.entries[key], memEntry{at: at, expires: at.Add(ttl)})
	sort.Slice(s.entries[key], func(i, j int) bool {
		return s.entries[key][i].at.Before(s.entries[key][j].at)
	})
	return nil
}

// CountSince counts non-expired entries for key newer than cutoff.
func (s *MemCounterStore) CountSince(key string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range s.entries[key] {
		if e.at.After(cutoff) && e.expires.After(now) {
			n++
		}
	}
	return n, nil
}

// Reap deletes entries whose TTL elapsed before now.
func (s *MemCounterStore) Reap(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, list := range s.entries {
		kept := list[:0]
		for _, e := range list {
			if e.expires.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = kept
		}
	}
	return nil
}
