// Package storage mirrors archive units to S3-compatible object storage.
//
// Objects are addressed by deterministic keys derived from the archive day,
// so uploading the same day twice overwrites one object instead of creating
// a second one. When encryption is enabled, objects are encrypted client-side
// with AES-256-GCM before upload; the key is configured as 64 hex characters.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New creates an S3 client from configuration.
func New(cfg config.S3Config) (*S3Storage, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{Client: client, BucketName: cfg.Bucket}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption enables client-side encryption with a hex encoded 32 byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

// Bucket returns the configured bucket name.
func (s *S3Storage) Bucket() string {
	return s.BucketName
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads data under key, replacing any existing object.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()

	payload := data
	if s.Encrypt {
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		payload = encrypted
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{SendContentMd5: true, ContentType: "application/zstd"},
	)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", classifyS3Error(err)).Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return err
}

// Get downloads and, if needed, decrypts an object.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
			metrics.S3OperationsTotal.WithLabelValues("GET", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", consts.ErrS3NotFound, key)
		}
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	if s.Encrypt {
		data, err = s.decryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "decryption_error").Inc()
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}
	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return data, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

// encryptData encrypts data using AES-256-GCM. The nonce is prepended.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
