// Package store provides SQLite-backed persistence for deadhand.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAssetLocked indicates the asset has a non-terminal release entry
	// and cannot be edited or deleted.
	ErrAssetLocked = errors.New("asset locked by an active release")

	// ErrNotClaimable indicates a release transition was attempted by a
	// holder that does not own the claim, or from an unexpected status.
	ErrNotClaimable = errors.New("release entry not claimable")
)

// Store provides access to the deadhand SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers while the pipeline writes
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
//
// Instants that are compared in queries (check-ins, trigger times,
// release times) are stored as unix nanoseconds.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		platform_name TEXT NOT NULL,
		action TEXT NOT NULL,
		recipient TEXT,
		delay_ns INTEGER NOT NULL DEFAULT 0,
		payload_ref TEXT,
		file_name TEXT,
		file_size INTEGER,
		file_type TEXT,
		storage_path TEXT,
		locked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkins (
		owner_id TEXT PRIMARY KEY,
		last_checkin_ns INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS switches (
		owner_id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'idle',
		episode INTEGER NOT NULL DEFAULT 0,
		triggered_ns INTEGER,
		disarmed_ns INTEGER,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS release_entries (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		episode INTEGER NOT NULL,
		release_ns INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		claim_token TEXT,
		claimed_ns INTEGER,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (asset_id, episode)
	);

	CREATE TABLE IF NOT EXISTS execution_log (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		attempted_at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		error_detail TEXT
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assets_owner_id ON assets(owner_id);
	CREATE INDEX IF NOT EXISTS idx_release_entries_due ON release_entries(status, release_ns, asset_id);
	CREATE INDEX IF NOT EXISTS idx_release_entries_owner ON release_entries(owner_id, episode);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_release_entries_active
		ON release_entries(asset_id) WHERE status IN ('armed', 'executing');
	CREATE INDEX IF NOT EXISTS idx_execution_log_asset ON execution_log(asset_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_pdr_subject ON pdr(subject_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
