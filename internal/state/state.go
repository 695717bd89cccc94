// Package state persists runtime state that must survive restarts: the
// processed event keys backing the dedup cache and the latest health
// snapshot. Backed by a single SQLite file under the state dir.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the SQLite file name under the state dir.
const FileName = "runtime-state.db"

const schema = `
CREATE TABLE IF NOT EXISTS processed_keys (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_key TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS health_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_unix_ms INTEGER NOT NULL
);
`

// Store is the durable runtime state handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database under stateDir.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, FileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	// One writer; the runtime cycle is the only mutator.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadProcessedKeys returns persisted event keys oldest first.
func (s *Store) LoadProcessedKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_key FROM processed_keys ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load processed keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan processed key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed keys: %w", err)
	}
	return keys, nil
}

// SaveProcessedKeys replaces the persisted key set with the cache contents,
// oldest first, inside one transaction.
func (s *Store) SaveProcessedKeys(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin processed keys tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_keys`); err != nil {
		return fmt.Errorf("clear processed keys: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO processed_keys (event_key) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare processed key insert: %w", err)
	}
	defer stmt.Close()
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("insert processed key %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit processed keys: %w", err)
	}
	return nil
}

// SaveHealthSnapshot upserts the single health snapshot row.
func (s *Store) SaveHealthSnapshot(ctx context.Context, snapshot any, updatedUnixMS int64) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_snapshot (id, payload, updated_unix_ms) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_unix_ms = excluded.updated_unix_ms`,
		string(payload), updatedUnixMS)
	if err != nil {
		return fmt.Errorf("save health snapshot: %w", err)
	}
	return nil
}

// LoadHealthSnapshot decodes the persisted snapshot into out. Returns false
// when no snapshot has been saved yet.
func (s *Store) LoadHealthSnapshot(ctx context.Context, out any) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM health_snapshot WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load health snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decode health snapshot: %w", err)
	}
	return true, nil
}
