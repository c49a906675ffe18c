package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/models"
)

const emailColumns = `id, message_id, sender, subject, status, created_at, updated_at`

func scanEmail(row pgx.Row) (models.Email, error) {
	var e models.Email
	var status string
	if err := row.Scan(&e.ID, &e.MessageID, &e.Sender, &e.Subject, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.Email{}, err
	}
	e.Status = models.EmailStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// CreateEmail inserts an email together with its delivery attempts in one
// transaction. A duplicate id yields consts.ErrDBUniqueViolation.
func (db *Database) CreateEmail(ctx context.Context, email *models.Email, deliveries []models.Delivery) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if email.Status == "" {
		email.Status = models.EmailPending
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO emails (`+emailColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, email.ID, email.MessageID, email.Sender, email.Subject, string(email.Status), email.CreatedAt.UTC(), email.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %s: %w", email.ID, consts.ErrDBUniqueViolation)
		}
		return fmt.Errorf("failed to insert email: %w", err)
	}

	batch := &pgx.Batch{}
	for _, d := range deliveries {
		status := d.Status
		if status == "" {
			status = models.DeliveryQueued
		}
		batch.Queue(`
			INSERT INTO deliveries (`+deliveryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, d.ID, email.ID, d.Recipient, string(status), d.QueueID, d.DSN, d.DSNClass, d.StatusText, d.Relay,
			d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("delivery of email %s: %w", email.ID, consts.ErrDBUniqueViolation)
			}
			return fmt.Errorf("failed to insert deliveries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// GetEmail returns consts.ErrEmailNotFound for an unknown id.
func (db *Database) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	row := db.TimedQueryRow(ctx, "get_email", `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	e, err := scanEmail(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrEmailNotFound
		}
		return nil, fmt.Errorf("failed to get email %s: %w", id, err)
	}
	return &e, nil
}

// ListEmailsCreatedBetween returns emails with from <= created_at < to in
// (created_at, id) order, strictly after the cursor when one is given.
// A limit of zero or less returns every match.
func (db *Database) ListEmailsCreatedBetween(ctx context.Context, from, to time.Time, after *models.EmailCursor, limit int) ([]models.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE created_at >= $1 AND created_at < $2`
	args := []any{from.UTC(), to.UTC()}
	if after != nil {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after.CreatedAt.UTC(), after.ID)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := db.TimedQuery(ctx, "list_emails_created_between", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var out []models.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emails: %w", err)
	}
	return out, nil
}

// UpdateEmailStatus sets the summary status only while it still equals from.
func (db *Database) UpdateEmailStatus(ctx context.Context, id string, from, to models.EmailStatus, at time.Time) (bool, error) {
	tag, err := db.TimedExec(ctx, "update_email_status", `
		UPDATE emails SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update email %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// OldestEmailCreatedAt returns the creation time of the oldest live email.
func (db *Database) OldestEmailCreatedAt(ctx context.Context) (time.Time, bool, error) {
	var oldest *time.Time
	err := db.TimedQueryRow(ctx, "oldest_email", `SELECT min(created_at) FROM emails`).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to find oldest email: %w", err)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.UTC(), true, nil
}

// DeleteEmails removes the given emails; their deliveries go with them.
func (db *Database) DeleteEmails(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.TimedExec(ctx, "delete_emails", `DELETE FROM emails WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete emails: %w", err)
	}
	if n := tag.RowsAffected(); n != int64(len(ids)) {
		logger.Debug("Database: some emails were already gone", "requested", len(ids), "deleted", n)
	}
	return tag.RowsAffected(), nil
}
