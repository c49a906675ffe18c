package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailtrack/models"
)

const deliveryColumns = `id, email_id, recipient, status, queue_id, dsn, dsn_class, status_text, relay, created_at, updated_at`

func scanDelivery(row pgx.Row) (models.Delivery, error) {
	var d models.Delivery
	var status string
	var class int16
	err := row.Scan(&d.ID, &d.EmailID, &d.Recipient, &status, &d.QueueID, &d.DSN, &class,
		&d.StatusText, &d.Relay, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Delivery{}, err
	}
	d.Status = models.DeliveryStatus(status)
	d.DSNClass = int(class)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func collectDeliveries(rows pgx.Rows) ([]models.Delivery, error) {
	defer rows.Close()
	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return out, nil
}

// FindDeliveriesByQueueID returns every attempt carrying the queue id,
// newest first.
func (db *Database) FindDeliveriesByQueueID(ctx context.Context, queueID string) ([]models.Delivery, error) {
	rows, err := db.TimedQuery(ctx, "find_deliveries_by_queue_id", `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE queue_id = $1
		ORDER BY created_at DESC, id DESC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to find deliveries for queue id %s: %w", queueID, err)
	}
	return collectDeliveries(rows)
}

// ListDeliveriesByEmail returns the attempts of one email in (created_at, id) order.
func (db *Database) ListDeliveriesByEmail(ctx context.Context, emailID string) ([]models.Delivery, error) {
	byEmail, err := db.ListDeliveriesByEmails(ctx, []string{emailID})
	if err != nil {
		return nil, err
	}
	return byEmail[emailID], nil
}

// ListDeliveriesByEmails groups the attempts of the given emails by email id.
func (db *Database) ListDeliveriesByEmails(ctx context.Context, emailIDs []string) (map[string][]models.Delivery, error) {
	out := make(map[string][]models.Delivery, len(emailIDs))
	if len(emailIDs) == 0 {
		return out, nil
	}
	rows, err := db.TimedQuery(ctx, "list_deliveries_by_emails", `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE email_id = ANY($1)
		ORDER BY email_id, created_at, id
	`, emailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	deliveries, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	for _, d := range deliveries {
		out[d.EmailID] = append(out[d.EmailID], d)
	}
	return out, nil
}

// UpdateDeliveryStatus applies a transition only while the attempt is still
// in status from. It reports whether the row changed.
func (db *Database) UpdateDeliveryStatus(ctx context.Context, id string, from models.DeliveryStatus, upd models.StatusUpdate) (bool, error) {
	if !upd.Status.Valid() {
		return false, fmt.Errorf("invalid delivery status %q", upd.Status)
	}
	tag, err := db.TimedExec(ctx, "update_delivery_status", `
		UPDATE deliveries
		SET status = $3, dsn = $4, dsn_class = $5, status_text = $6, relay = $7, updated_at = $8
		WHERE id = $1 AND status = $2
	`, id, string(from), string(upd.Status), upd.DSN, upd.DSNClass, upd.StatusText, upd.Relay, upd.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update delivery %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeliverySent records the queue id the relay assigned to a queued attempt.
func (db *Database) MarkDeliverySent(ctx context.Context, id, queueID string, at time.Time) (bool, error) {
	tag, err := db.TimedExec(ctx, "mark_delivery_sent", `
		UPDATE deliveries SET status = 'sent', queue_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'queued'
	`, id, queueID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery %s sent: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
