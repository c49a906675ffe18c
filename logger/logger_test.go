package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/mailtrack/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestInitializeFileOutput(t *testing.T) {
	prev := Get()
	defer SetLogger(prev)

	path := filepath.Join(t.TempDir(), "mailtrack.log")
	closer, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "info"})
	require.NoError(t, err)

	Info("Ingest: started", "path", "/var/log/mail.log")
	Debug("not written at info level")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Ingest: started"`)
	assert.Contains(t, string(data), `"path":"/var/log/mail.log"`)
	assert.NotContains(t, string(data), "not written")
}

func TestSetLogger(t *testing.T) {
	prev := Get()
	defer SetLogger(prev)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	Warn("Correlator: anomaly", "queue_id", "ABC123")
	assert.Contains(t, buf.String(), "queue_id=ABC123")
}
