// Package resilient adds retries with exponential backoff to remote storage calls.
package resilient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/pkg/metrics"
	"github.com/migadu/mailtrack/pkg/retry"
)

// ObjectStore is the storage client being wrapped. *storage.S3Storage implements it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Bucket() string
}

type ResilientS3Storage struct {
	storage ObjectStore
	putCfg  retry.BackoffConfig
}

// NewResilientS3Storage wraps store. maxRetries and initial tune the upload backoff.
func NewResilientS3Storage(store ObjectStore, maxRetries int, initial time.Duration) *ResilientS3Storage {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initial <= 0 {
		initial = time.Second
	}
	return &ResilientS3Storage{
		storage: store,
		putCfg: retry.BackoffConfig{
			InitialInterval: initial,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      maxRetries,
		},
	}
}

func (rs *ResilientS3Storage) Bucket() string {
	return rs.storage.Bucket()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"network unreachable",
		"no such host",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"timeout",
		"slowdown",
		"throttling",
		"rate limit",
		"eof",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}

// PutWithRetry uploads data, retrying transient failures.
func (rs *ResilientS3Storage) PutWithRetry(ctx context.Context, key string, data []byte) error {
	attempt := 0
	return retry.WithRetry(ctx, func() error {
		attempt++
		err := rs.storage.Put(ctx, key, data)
		if err == nil {
			metrics.S3UploadAttempts.WithLabelValues("success").Inc()
			return nil
		}
		metrics.S3UploadAttempts.WithLabelValues("failure").Inc()
		if !isRetryableError(err) {
			return retry.Stop(err)
		}
		logger.Warn("Storage: upload failed, retrying", "key", key, "attempt", attempt, "error", err)
		return err
	}, rs.putCfg)
}
