package db

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes the named lock for ttl. An expired holder is replaced.
// It reports false when somebody else holds the lock.
func (db *Database) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := db.TimedExec(ctx, "acquire_lock", `
		INSERT INTO locks (lock_name, acquired_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE SET
			acquired_at = $2,
			expires_at = $3
		WHERE locks.expires_at < $2
	`, name, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Database) ReleaseLock(ctx context.Context, name string) error {
	if _, err := db.TimedExec(ctx, "release_lock", `DELETE FROM locks WHERE lock_name = $1`, name); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
