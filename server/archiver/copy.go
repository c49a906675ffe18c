package archiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/mailtrack/archive"
	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/pkg/metrics"
)

// RemoteConfigured reports whether CopyToS3 can be used.
func (a *Archiver) RemoteConfigured() bool {
	return a.remote != nil
}

// CopyToS3 uploads the complete unit of date to the remote store. The object
// key only depends on the day, so a repeated upload overwrites the same object.
// Failures never modify the local unit or manifest.
func (a *Archiver) CopyToS3(ctx context.Context, date time.Time) (*RemoteCopyResult, error) {
	res, err := a.copyToS3(ctx, date)
	switch {
	case err != nil:
		metrics.ArchiveRunsTotal.WithLabelValues("copy", "error").Inc()
	case res.NoOp:
		metrics.ArchiveRunsTotal.WithLabelValues("copy", "noop").Inc()
	default:
		metrics.ArchiveRunsTotal.WithLabelValues("copy", "success").Inc()
	}
	return res, err
}

func (a *Archiver) copyToS3(ctx context.Context, date time.Time) (*RemoteCopyResult, error) {
	if a.remote == nil {
		return nil, ErrNotConfigured
	}
	day := a.day(date)
	key := helpers.FormatDate(day)

	unlock, err := a.lockDay(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	manifest, err := a.units.ReadManifest(day)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %w", ErrStorageFailure, key, err)
	}
	if !manifest.IsComplete() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIncompleteUnit, key, manifest.State)
	}

	data, err := a.units.ReadUnit(day)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read unit %s: %w", ErrStorageFailure, key, err)
	}
	checksum := archive.Checksum(data)
	if checksum != manifest.Checksum {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrIncompleteUnit, key)
	}

	bucket := a.remote.Bucket()
	objectKey := helpers.NewArchiveS3Key(a.opts.Prefix, day)
	result := &RemoteCopyResult{Date: key, Bucket: bucket, Key: objectKey, Checksum: checksum}

	if manifest.IsMirrored(objectKey) && manifest.Remote.Bucket == bucket {
		logger.Debug("Archiver: unit already mirrored", "date", key, "key", objectKey)
		result.NoOp = true
		return result, nil
	}

	if err := a.remote.PutWithRetry(ctx, objectKey, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUploadFailure, key, err)
	}

	now := a.now().UTC()
	manifest.Remote = &archive.RemoteCopy{
		Bucket:     bucket,
		Key:        objectKey,
		Checksum:   checksum,
		MirroredAt: now,
	}
	manifest.UpdatedAt = now
	if err := a.units.WriteManifest(day, manifest); err != nil {
		return nil, fmt.Errorf("%w: record remote copy of %s: %w", ErrStorageFailure, key, err)
	}

	logger.Info("Archiver: unit mirrored", "date", key, "bucket", bucket, "key", objectKey, "bytes", len(data))
	return result, nil
}

// CopyRangeToS3 mirrors every day from from to to inclusive, continuing past failures.
func (a *Archiver) CopyRangeToS3(ctx context.Context, from, to time.Time) []DateResult {
	var results []DateResult
	for _, day := range helpers.DatesBetween(a.day(from), a.day(to)) {
		key := helpers.FormatDate(day)
		if err := ctx.Err(); err != nil {
			results = append(results, DateResult{Date: key, Err: err})
			continue
		}
		res, err := a.CopyToS3(ctx, day)
		if err != nil {
			logger.Error("Archiver: failed to mirror day", "date", key, "error", err)
		}
		results = append(results, DateResult{Date: key, Copy: res, Err: err})
	}
	return results
}
