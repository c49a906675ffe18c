package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"1w2d", 9 * 24 * time.Hour, false},
		{"3d12h", 84 * time.Hour, false},
		{"90d", 90 * 24 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
		{"5 parsecs", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "a@b.com", NormalizeAddress(" <A@B.com> "))
	assert.Equal(t, "user@example.org", NormalizeAddress("User@Example.ORG"))

	local, domain := SplitEmailAddress("Foo@Bar.com")
	assert.Equal(t, "foo", local)
	assert.Equal(t, "bar.com", domain)

	local, domain = SplitEmailAddress("postmaster")
	assert.Equal(t, "postmaster", local)
	assert.Empty(t, domain)

	assert.Equal(t, "a***@b.com", MaskAddress("abcd@b.com"))
	assert.Equal(t, "*@b.com", MaskAddress("a@b.com"))
}

func TestDatesBetween(t *testing.T) {
	from, err := ParseDate("2024-01-30", time.UTC)
	require.NoError(t, err)
	to, err := ParseDate("2024-02-02", time.UTC)
	require.NoError(t, err)

	days := DatesBetween(from, to)
	require.Len(t, days, 4)
	assert.Equal(t, "2024-01-30", FormatDate(days[0]))
	assert.Equal(t, "2024-02-02", FormatDate(days[3]))

	assert.Nil(t, DatesBetween(to, from))

	_, err = ParseDate("2024/01/01", time.UTC)
	assert.Error(t, err)
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2024, 3, 5, 23, 59, 59, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, loc), StartOfDay(ts))
}

func TestNewArchiveS3Key(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/2024/01/2024-01-02.jsonl.zst", NewArchiveS3Key("/archive/", day))
	assert.Equal(t, "2024/01/2024-01-02.jsonl.zst", NewArchiveS3Key("", day))
}
