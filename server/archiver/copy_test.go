package archiver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/mailtrack/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const remoteKey = "archives/2024/01/2024-01-01.jsonl.zst"

func TestCopyToS3NotConfigured(t *testing.T) {
	f := newFixture(t, false)
	f.seed("2024-01-01", 1)
	_, err := f.arch.Archive(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	before, err := f.units.ReadManifest(day("2024-01-01"))
	require.NoError(t, err)

	_, err = f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	after, err := f.units.ReadManifest(day("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Nil(t, after.Remote)
}

func TestCopyToS3(t *testing.T) {
	f := newFixture(t, true)
	f.seed("2024-01-01", 2)
	_, err := f.arch.Archive(context.Background(), day("2024-01-01"))
	require.NoError(t, err)

	res, err := f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, remoteKey, res.Key)
	assert.Equal(t, "mock-bucket", res.Bucket)

	local, err := f.units.ReadUnit(day("2024-01-01"))
	require.NoError(t, err)
	remote, ok := f.s3.GetStoredData(remoteKey)
	require.True(t, ok)
	assert.Equal(t, local, remote)

	m, err := f.units.ReadManifest(day("2024-01-01"))
	require.NoError(t, err)
	require.NotNil(t, m.Remote)
	assert.Equal(t, remoteKey, m.Remote.Key)
	assert.Equal(t, m.Checksum, m.Remote.Checksum)
	assert.True(t, m.IsComplete())

	again, err := f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, 1, f.s3.PutCount(remoteKey))
	assert.Equal(t, 1, f.s3.ObjectCount())
}

func TestCopyToS3ReuploadsChangedUnit(t *testing.T) {
	f := newFixture(t, true)
	f.seed("2024-01-01", 1)
	_, err := f.arch.Archive(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	_, err = f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	require.NoError(t, err)

	f.seed("2024-01-01", 2)
	_, err = f.arch.Archive(context.Background(), day("2024-01-01"))
	require.NoError(t, err)

	res, err := f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, 2, f.s3.PutCount(remoteKey))
	assert.Equal(t, 1, f.s3.ObjectCount())
}

func TestCopyToS3MissingUnit(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	assert.ErrorIs(t, err, ErrUnitNotFound)
	assert.Zero(t, f.s3.ObjectCount())
}

func TestCopyToS3InProgressUnit(t *testing.T) {
	f := newFixture(t, true)
	f.seed("2024-01-01", 1)
	f.store.SetError("DeleteEmails", errors.New("connection lost"))
	_, err := f.arch.Archive(context.Background(), day("2024-01-01"))
	require.Error(t, err)

	_, err = f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	assert.ErrorIs(t, err, ErrIncompleteUnit)
	assert.Zero(t, f.s3.PutCount(remoteKey))
}

func TestCopyToS3UploadFailure(t *testing.T) {
	f := newFixture(t, true)
	f.seed("2024-01-01", 1)
	_, err := f.arch.Archive(context.Background(), day("2024-01-01"))
	require.NoError(t, err)
	f.s3.SetError(remoteKey, errors.New("access denied"))

	_, err = f.arch.CopyToS3(context.Background(), day("2024-01-01"))
	assert.ErrorIs(t, err, ErrUploadFailure)

	m, err := f.units.ReadManifest(day("2024-01-01"))
	require.NoError(t, err)
	assert.Nil(t, m.Remote)
	assert.True(t, m.IsComplete())
}

func TestCopyRangeToS3(t *testing.T) {
	f := newFixture(t, true)
	f.seed("2024-01-01", 1)
	f.seed("2024-01-03", 1)
	f.arch.ArchiveRange(context.Background(), day("2024-01-01"), day("2024-01-03"))

	results := f.arch.CopyRangeToS3(context.Background(), day("2024-01-01"), day("2024-01-03"))
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrUnitNotFound)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 2, f.s3.ObjectCount())
}

func TestWorkerRunOnce(t *testing.T) {
	f := newFixture(t, true)
	f.now = time.Date(2024, 4, 15, 8, 0, 0, 0, time.UTC)
	f.seed("2024-01-01", 2)
	f.seed("2024-04-10", 1)

	w := NewWorker(f.arch, time.Hour, 90*24*time.Hour, true)
	results := w.RunOnce(context.Background())
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Date)
	}

	assert.Equal(t, 0, f.liveOn(t, "2024-01-01"))
	assert.Equal(t, 1, f.liveOn(t, "2024-04-10"))
	assert.Equal(t, "2024-01-01", results[0].Date)
	require.NotNil(t, results[0].Copy)
	assert.Equal(t, []string{remoteKey}, f.s3.GetStoredKeys())

	m, err := f.units.ReadManifest(day("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, archive.StateComplete, m.State)
}

func TestWorkerRunOnceEmptyStore(t *testing.T) {
	f := newFixture(t, false)
	w := NewWorker(f.arch, time.Hour, 24*time.Hour, false)
	assert.Nil(t, w.RunOnce(context.Background()))
}

func TestWorkerStartStop(t *testing.T) {
	f := newFixture(t, false)
	w := NewWorker(f.arch, time.Hour, 24*time.Hour, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	w.Stop()
	w.Stop()
}
