package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polymind/polymind/moe"
)

// persistStore is the optional sqlite write-through behind the in-memory
// LRU. It only warms restarts; at runtime memory is authoritative and store
// failures are logged, never surfaced to the request path.
type persistStore struct {
	db *sql.DB
}

const persistSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	response    BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
`

func openPersistStore(path string) (*persistStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer keeps modernc/sqlite happy without a busy handler.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(persistSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &persistStore{db: db}, nil
}

func (s *persistStore) close() error {
	return s.db.Close()
}

// put upserts one entry. The stored trace rides along inside the JSON blob.
func (s *persistStore) put(fp string, resp *moe.FinalResponse, ttl time.Duration) error {
	blob, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (fingerprint, response, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		fp, blob, now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

// loadInto reads every non-expired row into the LRU with its remaining TTL
// and deletes the expired rest. Returns the number of entries loaded.
func (s *persistStore) loadInto(lru *LRU[string, *moe.FinalResponse]) (int, error) {
	now := time.Now()
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return 0, err
	}

	rows, err := s.db.Query(`SELECT fingerprint, response, expires_at FROM cache_entries WHERE expires_at > ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var fp string
		var blob []byte
		var expiresAt int64
		if err := rows.Scan(&fp, &blob, &expiresAt); err != nil {
			return loaded, err
		}
		var resp moe.FinalResponse
		if err := json.Unmarshal(blob, &resp); err != nil {
			continue // skip rows written by an incompatible version
		}
		remaining := time.UnixMilli(expiresAt).Sub(now)
		if remaining <= 0 {
			continue
		}
		lru.Set(fp, &resp, remaining)
		loaded++
	}
	return loaded, rows.Err()
}
