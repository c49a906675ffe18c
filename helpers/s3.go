package helpers

import (
	"path"
	"strings"
	"time"
)

// NewArchiveS3Key constructs the object key of a day's archive unit.
// The key only depends on the prefix and the day, so a re-upload overwrites the same object.
func NewArchiveS3Key(prefix string, day time.Time) string {
	name := day.Format(DateLayout) + ".jsonl.zst"
	key := path.Join(day.Format("2006"), day.Format("01"), name)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
