package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a day has no unit or no manifest.
var ErrNotFound = errors.New("archive: not found")

// LocalStore keeps units and manifests under a root directory:
//
//	<root>/<YYYY>/<MM>/<YYYY-MM-DD>.jsonl.zst
//	<root>/<YYYY>/<MM>/<YYYY-MM-DD>.manifest.json
//
// Every write goes to a temporary file that is synced and renamed into place,
// followed by a sync of the directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the archive directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) dayDir(day time.Time) string {
	return filepath.Join(s.root, day.Format("2006"), day.Format("01"))
}

// UnitPath returns the path of a day's unit.
func (s *LocalStore) UnitPath(day time.Time) string {
	return filepath.Join(s.dayDir(day), day.Format("2006-01-02")+".jsonl.zst")
}

// ManifestPath returns the path of a day's manifest.
func (s *LocalStore) ManifestPath(day time.Time) string {
	return filepath.Join(s.dayDir(day), day.Format("2006-01-02")+".manifest.json")
}

// ReadManifest loads a day's manifest or returns ErrNotFound.
func (s *LocalStore) ReadManifest(day time.Time) (*Manifest, error) {
	data, err := os.ReadFile(s.ManifestPath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", s.ManifestPath(day), err)
	}
	return &m, nil
}

// WriteManifest durably replaces a day's manifest.
func (s *LocalStore) WriteManifest(day time.Time, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return s.writeDurable(s.ManifestPath(day), data)
}

// ReadUnit loads a day's unit bytes or returns ErrNotFound.
func (s *LocalStore) ReadUnit(day time.Time) ([]byte, error) {
	data, err := os.ReadFile(s.UnitPath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// WriteUnit durably replaces a day's unit.
func (s *LocalStore) WriteUnit(day time.Time, data []byte) error {
	return s.writeDurable(s.UnitPath(day), data)
}

func (s *LocalStore) writeDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
