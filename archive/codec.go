// Package archive defines the on-disk format of per-day archive units and
// the local store that keeps them.
//
// A unit is a zstd compressed JSON lines document. The first line is a header
// naming the format version and the day; each following line holds one email
// together with its deliveries. Entries are sorted by creation time and ID and
// all timestamps are written in UTC, so encoding the same records always
// yields the same bytes.
package archive

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/migadu/mailtrack/models"
	"lukechampine.com/blake3"
)

// FormatVersion is written into every unit header.
const FormatVersion = 1

// Entry is one archived email with its deliveries.
type Entry struct {
	Email      models.Email      `json:"email"`
	Deliveries []models.Delivery `json:"deliveries"`
}

type header struct {
	Version int    `json:"version"`
	Date    string `json:"date"`
}

// Shared coders; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithEncoderCRC(true)); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		panic(err)
	}
}

// Encode serializes the entries of a day into unit bytes.
func Encode(day time.Time, entries []Entry) ([]byte, error) {
	sorted := Normalize(entries)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{Version: FormatVersion, Date: day.Format("2006-01-02")}); err != nil {
		return nil, err
	}
	for _, e := range sorted {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode email %s: %w", e.Email.ID, err)
		}
	}
	return zstdEncoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode parses unit bytes. It returns the day recorded in the header.
func Decode(data []byte) (string, []Entry, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decompress unit: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	if !sc.Scan() {
		return "", nil, fmt.Errorf("unit has no header")
	}
	var h header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return "", nil, fmt.Errorf("invalid unit header: %w", err)
	}
	if h.Version != FormatVersion {
		return "", nil, fmt.Errorf("unsupported unit version %d", h.Version)
	}

	var entries []Entry
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return "", nil, fmt.Errorf("invalid unit entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return "", nil, err
	}
	return h.Date, entries, nil
}

// Checksum returns the hex BLAKE3 digest of unit bytes.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize returns a sorted copy of entries with every timestamp in UTC.
// Emails are ordered by creation time then ID, and so are the deliveries
// within each entry.
func Normalize(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Email.CreatedAt = e.Email.CreatedAt.UTC()
		e.Email.UpdatedAt = e.Email.UpdatedAt.UTC()

		ds := make([]models.Delivery, len(e.Deliveries))
		for j, d := range e.Deliveries {
			d.CreatedAt = d.CreatedAt.UTC()
			d.UpdatedAt = d.UpdatedAt.UTC()
			ds[j] = d
		}
		sort.SliceStable(ds, func(a, b int) bool {
			if !ds[a].CreatedAt.Equal(ds[b].CreatedAt) {
				return ds[a].CreatedAt.Before(ds[b].CreatedAt)
			}
			return ds[a].ID < ds[b].ID
		})
		e.Deliveries = ds
		out[i] = e
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].Email.CreatedAt.Equal(out[b].Email.CreatedAt) {
			return out[a].Email.CreatedAt.Before(out[b].Email.CreatedAt)
		}
		return out[a].Email.ID < out[b].Email.ID
	})
	return out
}

// Merge unions two entry sets by email ID. Entries in live replace entries
// with the same ID in existing.
func Merge(existing, live []Entry) []Entry {
	byID := make(map[string]Entry, len(existing)+len(live))
	for _, e := range existing {
		byID[e.Email.ID] = e
	}
	for _, e := range live {
		byID[e.Email.ID] = e
	}
	merged := make([]Entry, 0, len(byID))
	for _, e := range byID {
		merged = append(merged, e)
	}
	return Normalize(merged)
}
