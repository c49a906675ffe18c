package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/mailtrack/logger"
	_ "modernc.org/sqlite"
)

// StateDB is the file name of the ingest state database inside the state directory.
const StateDB = "ingest_state.db"

// Checkpoint is a resumable read position in a log file. Fingerprint is the
// hex BLAKE3 digest of the first FingerprintLen bytes of the file and tells a
// rotated or rewritten file apart from the one the offset belongs to.
type Checkpoint struct {
	Path           string
	Fingerprint    string
	FingerprintLen int
	Offset         int64
	UpdatedAt      time.Time
}

// CheckpointStore persists checkpoints and the hashes of applied lines in a
// local SQLite database.
type CheckpointStore struct {
	db *sql.DB
}

// OpenCheckpointStore opens or creates the state database in stateDir.
func OpenCheckpointStore(stateDir string) (*CheckpointStore, error) {
	stateDir = filepath.Clean(strings.TrimSpace(stateDir))
	if stateDir == "" || stateDir == "." {
		return nil, fmt.Errorf("ingest state directory cannot be empty")
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(stateDir, StateDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open ingest state DB: %w", err)
	}
	// One connection keeps writes serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Ingest: failed to enable WAL journal", "error", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = FULL;`); err != nil {
		logger.Warn("Ingest: failed to set synchronous mode", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ingest_state (
		path TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		fingerprint_len INTEGER NOT NULL,
		byte_offset INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS seen_lines (
		hash TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_lines_seen_at ON seen_lines(seen_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ingest state schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest state DB ping failed: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// Load returns the checkpoint saved for path. ok is false when there is none.
func (s *CheckpointStore) Load(ctx context.Context, path string) (cp Checkpoint, ok bool, err error) {
	var updated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT path, fingerprint, fingerprint_len, byte_offset, updated_at FROM ingest_state WHERE path = ?`, path,
	).Scan(&cp.Path, &cp.Fingerprint, &cp.FingerprintLen, &cp.Offset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt = time.Unix(0, updated).UTC()
	return cp, true, nil
}

// Save replaces the checkpoint of cp.Path.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_state (path, fingerprint, fingerprint_len, byte_offset, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			fingerprint_len = excluded.fingerprint_len,
			byte_offset = excluded.byte_offset,
			updated_at = excluded.updated_at`,
		cp.Path, cp.Fingerprint, cp.FingerprintLen, cp.Offset, cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Seen reports whether a line with hash was already applied.
func (s *CheckpointStore) Seen(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_lines WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up line hash: %w", err)
	}
	return true, nil
}

// MarkSeen records that the line with hash was applied.
func (s *CheckpointStore) MarkSeen(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_lines (hash, seen_at) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET seen_at = excluded.seen_at`, hash, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record line hash: %w", err)
	}
	return nil
}

// PruneSeen forgets hashes recorded before the given time.
func (s *CheckpointStore) PruneSeen(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_lines WHERE seen_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune line hashes: %w", err)
	}
	return res.RowsAffected()
}
