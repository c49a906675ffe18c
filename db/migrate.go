package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// ErrMigrationLocked is returned when another process holds the migration lock.
var ErrMigrationLocked = errors.New("could not acquire exclusive migration lock")

// Migrator applies the embedded schema migrations while holding a
// PostgreSQL advisory lock.
type Migrator struct {
	m    *migrate.Migrate
	lock *sql.Conn
}

// NewMigrator connects to the write endpoint and takes the migration lock.
// Close releases both.
func NewMigrator(ctx context.Context, dbConfig *config.DatabaseConfig) (*Migrator, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}
	connString, _, err := endpointConnString(dbConfig.Write)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Advisory locks belong to a session, so the lock keeps its own connection.
	lock, err := sqlDB.Conn(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}
	if err := acquireMigrationLock(ctx, lock); err != nil {
		lock.Close()
		sqlDB.Close()
		return nil, err
	}
	fail := func(err error) (*Migrator, error) {
		releaseMigrationLock(context.Background(), lock)
		lock.Close()
		sqlDB.Close()
		return nil, err
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return fail(fmt.Errorf("failed to get migrations subdirectory: %w", err))
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fail(fmt.Errorf("failed to create migration source driver: %w", err))
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return fail(fmt.Errorf("failed to create migration db driver: %w", err))
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fail(fmt.Errorf("failed to create migrate instance: %w", err))
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, lock: lock}, nil
}

// Up applies all pending migrations.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down reverts steps migrations, or all of them when steps is zero or less.
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert migrations: %w", err)
		}
		return nil
	}
	if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// Version reports the applied version. ok is false when no migration ran yet.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, true, nil
}

// Force sets the version without running migrations, clearing the dirty flag.
func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Close releases the lock and closes the underlying connections.
func (mg *Migrator) Close() {
	releaseMigrationLock(context.Background(), mg.lock)
	mg.lock.Close()
	mg.m.Close()
}

// MigrateUp applies pending migrations and releases the lock.
func MigrateUp(ctx context.Context, dbConfig *config.DatabaseConfig) error {
	mg, err := NewMigrator(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}

func acquireMigrationLock(ctx context.Context, conn *sql.Conn) error {
	var acquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return ErrMigrationLocked
	}
	logger.Info("Database: acquired migration lock")
	return nil
}

func releaseMigrationLock(ctx context.Context, conn *sql.Conn) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := conn.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked)
	if err != nil {
		logger.Warn("Database: failed to release migration lock", "error", err)
	} else if !unlocked {
		logger.Warn("Database: migration lock was not held at release")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Info("Database: migrate", "message", fmt.Sprintf(format, v...))
}

func (l *migrationLogger) Verbose() bool {
	return false
}
