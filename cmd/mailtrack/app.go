package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/mailtrack/archive"
	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/db"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/pkg/resilient"
	"github.com/migadu/mailtrack/server/archiver"
	"github.com/migadu/mailtrack/server/denylist"
	"github.com/migadu/mailtrack/server/reconciler"
	"github.com/migadu/mailtrack/storage"
)

// application holds what every subcommand needs: the loaded configuration
// and, once opened, the database.
type application struct {
	configPath *string
	cfg        config.Config
	loc        *time.Location
	logCloser  io.Closer
	db         *db.Database
}

// load reads and validates the configuration and initializes logging.
func (app *application) load() error {
	app.cfg = config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*app.configPath, &app.cfg); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load configuration from %s: %w", *app.configPath, err)
		}
		fmt.Fprintf(os.Stderr, "mailtrack: configuration file %s not found, using defaults\n", *app.configPath)
	}
	if err := app.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := app.cfg.GetLocation()
	if err != nil {
		return err
	}
	app.loc = loc

	closer, err := logger.Initialize(app.cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailtrack: warning initializing logger: %v\n", err)
	}
	app.logCloser = closer
	return nil
}

// openDatabase loads the configuration and connects to PostgreSQL.
func (app *application) openDatabase(ctx context.Context) error {
	if err := app.load(); err != nil {
		return err
	}
	database, err := db.NewDatabaseFromConfig(ctx, &app.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = database
	return nil
}

func (app *application) close() {
	if app.db != nil {
		app.db.Close()
	}
	if app.logCloser != nil {
		_ = app.logCloser.Close()
	}
}

func (app *application) newDenyList() *denylist.Manager {
	return denylist.New(app.db)
}

func (app *application) newReconciler() *reconciler.Reconciler {
	return reconciler.New(app.db, app.loc, app.cfg.Reconcile.GetBatchSize())
}

// newArchiver builds the archiver. The S3 mirror is attached only when [s3]
// is configured.
func (app *application) newArchiver() (*archiver.Archiver, error) {
	local, err := archive.NewLocalStore(app.cfg.Archive.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive directory: %w", err)
	}
	lockTTL, err := app.cfg.Archive.GetLockTTL()
	if err != nil {
		return nil, err
	}

	var remote archiver.Remote
	if app.cfg.S3.IsConfigured() {
		s3, err := storage.New(app.cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		retryInterval, err := app.cfg.S3.GetRetryInterval()
		if err != nil {
			return nil, err
		}
		remote = resilient.NewResilientS3Storage(s3, app.cfg.S3.GetMaxRetries(), retryInterval)
	}

	return archiver.New(app.db, local, remote, archiver.Options{
		Location: app.loc,
		LockTTL:  lockTTL,
		Prefix:   app.cfg.S3.Prefix,
	}), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signalChan)
	}()
	return ctx, cancel
}
