package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/models"
)

// UpsertDenyEntry inserts the entry or refreshes reason, dsn and updated_at
// of an existing one. created_at of an existing entry is kept.
func (db *Database) UpsertDenyEntry(ctx context.Context, entry models.DenyListEntry) error {
	_, err := db.TimedExec(ctx, "upsert_deny_entry", `
		INSERT INTO deny_list (address, reason, dsn, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			reason = EXCLUDED.reason,
			dsn = EXCLUDED.dsn,
			updated_at = EXCLUDED.updated_at
	`, entry.Address, entry.Reason, entry.DSN, entry.CreatedAt.UTC(), entry.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert deny entry: %w", err)
	}
	return nil
}

// GetDenyEntry returns consts.ErrNotFound when the address is not listed.
func (db *Database) GetDenyEntry(ctx context.Context, address string) (*models.DenyListEntry, error) {
	var e models.DenyListEntry
	err := db.TimedQueryRow(ctx, "get_deny_entry", `
		SELECT address, reason, dsn, created_at, updated_at FROM deny_list WHERE address = $1
	`, address).Scan(&e.Address, &e.Reason, &e.DSN, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get deny entry: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func (db *Database) DeleteDenyEntry(ctx context.Context, address string) (bool, error) {
	tag, err := db.TimedExec(ctx, "delete_deny_entry", `DELETE FROM deny_list WHERE address = $1`, address)
	if err != nil {
		return false, fmt.Errorf("failed to delete deny entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteDenyEntriesOlderThan removes entries last updated strictly before cutoff.
func (db *Database) DeleteDenyEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.TimedExec(ctx, "expire_deny_entries", `DELETE FROM deny_list WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire deny entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
