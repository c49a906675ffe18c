package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/db"
	"github.com/stretchr/testify/require"
)

// TestDatabase wraps a migrated database for integration tests.
type TestDatabase struct {
	*db.Database
	Config *config.Config
}

// SetupTestDatabase connects to the PostgreSQL server described by
// config-test.toml, applies the migrations and empties every table. The test
// is skipped in -short mode or when no config-test.toml can be found.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg), "Failed to load test config. Please check config-test.toml syntax")
	cfg.Database.AutoMigrate = true

	ctx := context.Background()
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running")

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(database.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	_, err := td.WritePool.Exec(context.Background(), "TRUNCATE TABLE deliveries, emails, deny_list, locks CASCADE")
	require.NoError(t, err)
}
