package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/migadu/mailtrack/consts"
)

// FileBasedS3Mock implements a disk-based S3 storage mock for testing.
// It acts like S3 but stores objects as files in a directory.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	bucket  string
	errors  map[string]error // key -> error to simulate failures
	puts    map[string]int
}

// NewFileBasedS3Mock creates a new file-based S3 mock rooted at baseDir.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		bucket:  "mock-bucket",
		errors:  make(map[string]error),
		puts:    make(map[string]int),
	}, nil
}

func (m *FileBasedS3Mock) Bucket() string {
	return m.bucket
}

// Put stores an object as a file, replacing any previous content.
func (m *FileBasedS3Mock) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[key]++
	if err, ok := m.errors[key]; ok {
		return err
	}

	filePath := m.keyToFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// Get retrieves an object.
func (m *FileBasedS3Mock) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errors[key]; ok {
		return nil, err
	}
	data, err := os.ReadFile(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", consts.ErrS3NotFound, key)
	}
	return data, err
}

// Delete removes an object. Missing objects are not an error.
func (m *FileBasedS3Mock) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errors[key]; ok {
		return err
	}
	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Test helper methods

// SetError configures the mock to return an error for operations on a specific key
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes any configured error for a specific key
func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// PutCount returns how many uploads of key were attempted.
func (m *FileBasedS3Mock) PutCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts[key]
}

// GetStoredKeys returns all keys that have been stored
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	err := filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	if err != nil {
		return []string{}
	}
	return keys
}

// GetStoredData returns the data for a specific key
func (m *FileBasedS3Mock) GetStoredData(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// ObjectCount returns the number of stored objects
func (m *FileBasedS3Mock) ObjectCount() int {
	return len(m.GetStoredKeys())
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, strings.ReplaceAll(key, "/", string(os.PathSeparator)))
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	relPath, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return strings.ReplaceAll(relPath, string(os.PathSeparator), "/")
}
