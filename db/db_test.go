package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/models"
	"github.com/migadu/mailtrack/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newEmail(id string, created time.Time) *models.Email {
	return &models.Email{ID: id, Sender: "s@example.com", Subject: "hi", Status: models.EmailPending, CreatedAt: created, UpdatedAt: created}
}

func newDelivery(id, rcpt, queueID string, status models.DeliveryStatus, created time.Time) models.Delivery {
	return models.Delivery{ID: id, Recipient: rcpt, Status: status, QueueID: queueID, CreatedAt: created, UpdatedAt: created}
}

func TestCreateAndGetEmail(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	e := newEmail("e1", base)
	require.NoError(t, td.CreateEmail(ctx, e, []models.Delivery{
		newDelivery("d2", "b@x.com", "", models.DeliveryQueued, base.Add(time.Second)),
		newDelivery("d1", "a@x.com", "", models.DeliveryQueued, base),
	}))

	got, err := td.GetEmail(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, *e, *got)

	ds, err := td.ListDeliveriesByEmail(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "d1", ds[0].ID)
	assert.Equal(t, "e1", ds[1].EmailID)

	err = td.CreateEmail(ctx, newEmail("e1", base), nil)
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)

	_, err = td.GetEmail(ctx, "missing")
	assert.ErrorIs(t, err, consts.ErrEmailNotFound)
}

func TestListEmailsCreatedBetweenPaginates(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, td.CreateEmail(ctx, newEmail(id, base.Add(time.Duration(i/2)*time.Hour)), nil))
	}
	require.NoError(t, td.CreateEmail(ctx, newEmail("late", base.Add(24*time.Hour)), nil))

	page, err := td.ListEmailsCreatedBetween(ctx, base, base.Add(24*time.Hour), nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{page[0].ID, page[1].ID, page[2].ID})

	last := page[2]
	rest, err := td.ListEmailsCreatedBetween(ctx, base, base.Add(24*time.Hour), &models.EmailCursor{CreatedAt: last.CreatedAt, ID: last.ID}, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "d", rest[0].ID)

	oldest, ok, err := td.OldestEmailCreatedAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(base))
}

func TestDeliveryStatusCompareAndSet(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, td.CreateEmail(ctx, newEmail("e1", base), []models.Delivery{
		newDelivery("d1", "a@x.com", "", models.DeliveryQueued, base),
	}))

	ok, err := td.MarkDeliverySent(ctx, "d1", "ABC123", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = td.MarkDeliverySent(ctx, "d1", "ABC999", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := td.FindDeliveriesByQueueID(ctx, "ABC123")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.DeliverySent, found[0].Status)

	upd := models.StatusUpdate{Status: models.DeliveryBounced, DSN: "5.1.1", DSNClass: 5, StatusText: "no such user", Relay: "mx.x.com", UpdatedAt: base.Add(time.Hour)}
	ok, err = td.UpdateDeliveryStatus(ctx, "d1", models.DeliveryQueued, upd)
	require.NoError(t, err)
	assert.False(t, ok, "stale from status must not match")

	ok, err = td.UpdateDeliveryStatus(ctx, "d1", models.DeliverySent, upd)
	require.NoError(t, err)
	assert.True(t, ok)

	byEmail, err := td.ListDeliveriesByEmails(ctx, []string{"e1", "other"})
	require.NoError(t, err)
	require.Len(t, byEmail["e1"], 1)
	got := byEmail["e1"][0]
	assert.Equal(t, models.DeliveryBounced, got.Status)
	assert.Equal(t, 5, got.DSNClass)
	assert.Equal(t, "no such user", got.StatusText)

	ok, err = td.UpdateEmailStatus(ctx, "e1", models.EmailPending, models.EmailBounced, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = td.UpdateEmailStatus(ctx, "e1", models.EmailPending, models.EmailDelivered, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteEmailsCascades(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, td.CreateEmail(ctx, newEmail("e1", base), []models.Delivery{
		newDelivery("d1", "a@x.com", "Q1", models.DeliverySent, base),
	}))
	require.NoError(t, td.CreateEmail(ctx, newEmail("e2", base), nil))

	n, err := td.DeleteEmails(ctx, []string{"e1", "e2", "missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	found, err := td.FindDeliveriesByQueueID(ctx, "Q1")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, ok, err := td.OldestEmailCreatedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDenyListEntries(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	entry := models.DenyListEntry{Address: "a@b.com", Reason: "hard bounce", DSN: "5.1.1", CreatedAt: base, UpdatedAt: base}
	require.NoError(t, td.UpsertDenyEntry(ctx, entry))

	entry.Reason = "again"
	entry.CreatedAt = base.Add(48 * time.Hour)
	entry.UpdatedAt = base.Add(48 * time.Hour)
	require.NoError(t, td.UpsertDenyEntry(ctx, entry))

	got, err := td.GetDenyEntry(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "again", got.Reason)
	assert.True(t, got.CreatedAt.Equal(base), "created_at is kept on refresh")
	assert.True(t, got.UpdatedAt.Equal(base.Add(48*time.Hour)))

	require.NoError(t, td.UpsertDenyEntry(ctx, models.DenyListEntry{Address: "old@b.com", CreatedAt: base, UpdatedAt: base}))

	n, err := td.DeleteDenyEntriesOlderThan(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "entries exactly at the cutoff stay")

	n, err = td.DeleteDenyEntriesOlderThan(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err := td.DeleteDenyEntry(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = td.GetDenyEntry(ctx, "a@b.com")
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestLocks(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	ok, err := td.AcquireLock(ctx, "archive:2024-01-01", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = td.AcquireLock(ctx, "archive:2024-01-01", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = td.AcquireLock(ctx, "archive:2024-01-02", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, td.ReleaseLock(ctx, "archive:2024-01-01"))
	ok, err = td.AcquireLock(ctx, "archive:2024-01-01", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// An expired holder is replaced.
	ok, err = td.AcquireLock(ctx, "denylist:expire", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = td.AcquireLock(ctx, "denylist:expire", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
