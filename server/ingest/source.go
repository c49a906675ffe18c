// Package ingest tails an MTA log file and feeds its delivery-status records,
// in file order, to the correlator.
//
// Reading resumes from a persisted checkpoint. A checkpoint is only trusted
// when the file still starts with the bytes it was taken on and is at least
// as long as the saved offset; otherwise the file is read from the start.
// Rotation (the path naming a new file) and truncation (the file shrinking
// below the read position) are detected while tailing.
package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/mtalog"
	"github.com/migadu/mailtrack/pkg/metrics"
	"lukechampine.com/blake3"
)

// FingerprintSize is the number of leading bytes hashed to identify a file.
const FingerprintSize = 1024

// Item is one parsed record with the byte range of its line.
type Item struct {
	Record mtalog.Record
	Start  int64
	End    int64
}

// SourceOptions tune a Source.
type SourceOptions struct {
	// PollInterval bounds how long Next sleeps at EOF without a file event.
	PollInterval time.Duration
	// StartAtEnd skips existing content when there is no usable checkpoint.
	StartAtEnd bool
}

// Source is a cancellable pull sequence over the records of a log file.
// It is not safe for concurrent use.
type Source struct {
	path   string
	parser *mtalog.Parser
	opts   SourceOptions
	resume *Checkpoint

	file    *os.File
	info    fs.FileInfo
	reader  *bufio.Reader
	offset  int64  // end of the last complete line
	partial []byte // bytes read past offset without a newline yet

	fingerprint    string
	fingerprintLen int
	rotating       bool
	first          bool // the next open is the one made by OpenSource

	watcher *fsnotify.Watcher
	wake    chan struct{}
}

// OpenSource prepares a source for path. resume may be nil. The file does
// not have to exist yet; Next waits for it.
func OpenSource(path string, parser *mtalog.Parser, resume *Checkpoint, opts SourceOptions) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &Source{
		path:   filepath.Clean(path),
		parser: parser,
		opts:   opts,
		resume: resume,
		first:  true,
		wake:   make(chan struct{}, 1),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Ingest: file notifications unavailable, polling only", "error", err)
	} else if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		logger.Warn("Ingest: cannot watch log directory, polling only", "dir", filepath.Dir(s.path), "error", err)
	} else {
		s.watcher = watcher
		go s.watch(watcher)
	}

	err = s.open()
	s.first = false
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.Close()
		return nil, err
	}
	return s, nil
}

// watch runs until watcher is closed. It only touches its own watcher, so
// Close may clear the field concurrently.
func (s *Source) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == s.path {
				s.notify()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Ingest: file watcher error", "error", err)
		}
	}
}

func (s *Source) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close releases the file and the watcher.
func (s *Source) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// open opens the path and positions the reader, honouring the resume checkpoint once.
func (s *Source) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	start := int64(0)
	resume := s.resume
	s.resume = nil
	switch {
	case resume != nil && resume.Path == s.path:
		if ok, reason := matchesCheckpoint(f, info.Size(), resume); ok {
			start = resume.Offset
			s.fingerprint = resume.Fingerprint
			s.fingerprintLen = resume.FingerprintLen
		} else {
			logger.Info("Ingest: checkpoint does not match log file, reading from start", "path", s.path, "reason", reason)
			metrics.IngestRestartsTotal.WithLabelValues(reason).Inc()
		}
	case resume == nil && s.first && s.opts.StartAtEnd:
		start = info.Size()
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("failed to seek %s: %w", s.path, err)
	}
	if s.file != nil {
		s.file.Close()
	}
	if start == 0 {
		s.fingerprint = ""
		s.fingerprintLen = 0
	}
	s.file = f
	s.info = info
	s.reader = bufio.NewReaderSize(f, 64*1024)
	s.offset = start
	s.partial = s.partial[:0]
	metrics.IngestOffsetBytes.Set(float64(start))
	logger.Info("Ingest: reading log file", "path", s.path, "offset", start)
	return nil
}

func matchesCheckpoint(f *os.File, size int64, cp *Checkpoint) (bool, string) {
	if size < cp.Offset {
		return false, "truncated"
	}
	if cp.FingerprintLen > 0 {
		if size < int64(cp.FingerprintLen) {
			return false, "truncated"
		}
		fp, err := fingerprintOf(f, cp.FingerprintLen)
		if err != nil || fp != cp.Fingerprint {
			return false, "fingerprint"
		}
	}
	return true, ""
}

func fingerprintOf(f *os.File, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Checkpoint returns the position after the last complete line read.
func (s *Source) Checkpoint() Checkpoint {
	want := int(min(int64(FingerprintSize), s.offset))
	if s.file != nil && want > s.fingerprintLen {
		if fp, err := fingerprintOf(s.file, want); err == nil {
			s.fingerprint = fp
			s.fingerprintLen = want
		}
	}
	return Checkpoint{
		Path:           s.path,
		Fingerprint:    s.fingerprint,
		FingerprintLen: s.fingerprintLen,
		Offset:         s.offset,
	}
}

// Next returns the next delivery-status record. It blocks at the end of the
// file until more data arrives and returns ctx.Err() when ctx is done. Lines
// that are not delivery-status records are counted and skipped.
func (s *Source) Next(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}

		if s.file == nil {
			if err := s.open(); err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return Item{}, err
				}
				if err := s.wait(ctx); err != nil {
					return Item{}, err
				}
				continue
			}
		}

		chunk, err := s.reader.ReadSlice('\n')
		if len(chunk) > 0 {
			s.partial = append(s.partial, chunk...)
		}
		switch {
		case err == nil:
			if item, ok := s.completeLine(); ok {
				return item, nil
			}
			continue
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case !errors.Is(err, io.EOF):
			return Item{}, fmt.Errorf("failed to read %s: %w", s.path, err)
		}

		switched, err := s.checkFile()
		if err != nil {
			return Item{}, err
		}
		if switched {
			continue
		}
		if err := s.wait(ctx); err != nil {
			return Item{}, err
		}
	}
}

func (s *Source) completeLine() (Item, bool) {
	start := s.offset
	s.offset += int64(len(s.partial))
	line := strings.TrimRight(string(s.partial), "\r\n")
	s.partial = s.partial[:0]
	metrics.IngestOffsetBytes.Set(float64(s.offset))

	rec, err := s.parser.Parse(line)
	if err != nil {
		if errors.Is(err, mtalog.ErrMalformed) {
			metrics.LogLinesTotal.WithLabelValues("malformed").Inc()
			logger.Debug("Ingest: malformed line", "offset", start, "error", err)
		} else {
			metrics.LogLinesTotal.WithLabelValues("skipped").Inc()
		}
		return Item{}, false
	}
	metrics.LogLinesTotal.WithLabelValues("parsed").Inc()
	return Item{Record: rec, Start: start, End: s.offset}, true
}

// checkFile runs at EOF. It reports whether reading moved to a new position
// because the file was rotated or truncated.
func (s *Source) checkFile() (bool, error) {
	info, err := s.file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", s.path, err)
	}
	if info.Size() < s.offset+int64(len(s.partial)) {
		logger.Warn("Ingest: log file truncated, reading from start", "path", s.path,
			"size", info.Size(), "offset", s.offset)
		metrics.IngestRestartsTotal.WithLabelValues("truncated").Inc()
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		s.reader.Reset(s.file)
		s.offset = 0
		s.partial = s.partial[:0]
		s.fingerprint = ""
		s.fingerprintLen = 0
		return true, nil
	}

	current, err := os.Stat(s.path)
	if err != nil {
		// The old name is gone and the new file is not there yet.
		return false, nil
	}
	if os.SameFile(current, s.info) {
		s.rotating = false
		return false, nil
	}
	if !s.rotating {
		// Give the old handle one more pass to drain late writes.
		s.rotating = true
		return true, nil
	}

	s.rotating = false
	if len(s.partial) > 0 {
		logger.Warn("Ingest: dropping incomplete last line of rotated file", "bytes", len(s.partial))
	}
	logger.Info("Ingest: log file rotated", "path", s.path)
	metrics.IngestRestartsTotal.WithLabelValues("rotated").Inc()
	if err := s.open(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Source) wait(ctx context.Context) error {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
	case <-timer.C:
	}
	return nil
}
