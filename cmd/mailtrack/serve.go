package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/mtalog"
	"github.com/migadu/mailtrack/server/archiver"
	"github.com/migadu/mailtrack/server/correlator"
	"github.com/migadu/mailtrack/server/denylist"
	"github.com/migadu/mailtrack/server/httpapi"
	"github.com/migadu/mailtrack/server/ingest"
	"github.com/migadu/mailtrack/server/reconciler"
	"github.com/migadu/mailtrack/server/smtpd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// stopper is implemented by every background worker.
type stopper interface {
	Stop()
}

// services tracks what a long-running command started so it can be shut
// down in reverse order.
type services struct {
	wg       sync.WaitGroup
	errChan  chan error
	stoppers []stopper
	closers  []func()
}

func newServices() *services {
	return &services{errChan: make(chan error, 8)}
}

func (s *services) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// wait blocks until ctx is done or a service fails, then stops everything.
func (s *services) wait(ctx context.Context, cancel context.CancelFunc) error {
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errChan:
		logger.Error("Service failed, shutting down", "error", runErr)
	}
	cancel()

	for i := len(s.stoppers) - 1; i >= 0; i-- {
		s.stoppers[i].Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All services stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Service shutdown timeout reached after 10 seconds")
	}
	return runErr
}

func newServeCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run log ingestion, background workers and the configured listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			logger.Info("mailtrack starting", "version", version, "commit", commit)
			svc := newServices()
			app.db.StartPoolMetrics(ctx)

			deny := app.newDenyList()
			rec := app.newReconciler()
			arch, err := app.newArchiver()
			if err != nil {
				return err
			}

			if err := app.startIngest(ctx, svc, deny, rec); err != nil {
				return err
			}
			if err := app.startWorkers(ctx, svc, deny, rec, arch); err != nil {
				return err
			}
			if app.cfg.SMTPD.Start {
				if err := app.startSMTPD(ctx, svc, deny); err != nil {
					return err
				}
			}
			if app.cfg.HTTPAPI.Start {
				app.startHTTPAPI(ctx, svc, deny, rec, arch)
			}
			app.startMetrics(ctx, svc)

			return svc.wait(ctx, cancel)
		},
	}
}

func newIngestCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Follow the MTA log and apply delivery outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			svc := newServices()
			if err := app.startIngest(ctx, svc, app.newDenyList(), app.newReconciler()); err != nil {
				return err
			}
			app.startMetrics(ctx, svc)
			return svc.wait(ctx, cancel)
		},
	}
}

func newSMTPDCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "smtpd",
		Short: "Run the submission listener only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			svc := newServices()
			if err := app.startSMTPD(ctx, svc, app.newDenyList()); err != nil {
				return err
			}
			app.startMetrics(ctx, svc)
			return svc.wait(ctx, cancel)
		},
	}
}

// startIngest wires the log source, the checkpoint store and the correlator
// into an ingest worker.
func (app *application) startIngest(ctx context.Context, svc *services, deny *denylist.Manager, rec *reconciler.Reconciler) error {
	cfg := app.cfg.Ingest
	pollInterval, err := cfg.GetPollInterval()
	if err != nil {
		return err
	}
	checkpointInterval, err := cfg.GetCheckpointInterval()
	if err != nil {
		return err
	}
	seenRetention, err := cfg.GetSeenRetention()
	if err != nil {
		return err
	}

	state, err := ingest.OpenCheckpointStore(cfg.StateDir)
	if err != nil {
		return err
	}
	var resume *ingest.Checkpoint
	cp, ok, err := state.Load(ctx, cfg.LogPath)
	if err != nil {
		_ = state.Close()
		return fmt.Errorf("failed to load ingest checkpoint: %w", err)
	}
	if ok {
		resume = &cp
	}

	src, err := ingest.OpenSource(cfg.LogPath, mtalog.NewParser(app.loc), resume, ingest.SourceOptions{
		PollInterval: pollInterval,
		StartAtEnd:   cfg.StartAtEnd,
	})
	if err != nil {
		_ = state.Close()
		return err
	}

	worker := ingest.NewWorker(src, correlator.New(app.db, rec, deny), state, ingest.WorkerOptions{
		CheckpointEvery:    cfg.GetCheckpointEvery(),
		CheckpointInterval: checkpointInterval,
		SeenRetention:      seenRetention,
	})
	// Only Stop ends the worker.
	worker.Start(context.WithoutCancel(ctx))

	// The worker saves its position on Stop, so the store closes after it.
	svc.closers = append(svc.closers, func() {
		_ = src.Close()
		_ = state.Close()
	})
	svc.stoppers = append(svc.stoppers, worker)
	logger.Info("Ingest: following log", "path", cfg.LogPath, "resumed", ok)
	return nil
}

func (app *application) startWorkers(ctx context.Context, svc *services, deny *denylist.Manager, rec *reconciler.Reconciler, arch *archiver.Archiver) error {
	interval, err := app.cfg.Reconcile.GetInterval()
	if err != nil {
		return err
	}
	lookback, err := app.cfg.Reconcile.GetLookback()
	if err != nil {
		return err
	}
	rw := reconciler.NewWorker(rec, interval, lookback)
	rw.Start(ctx)
	svc.stoppers = append(svc.stoppers, rw)

	sweep, err := app.cfg.DenyList.GetSweepInterval()
	if err != nil {
		return err
	}
	retention, err := app.cfg.DenyList.GetRetention()
	if err != nil {
		return err
	}
	dw := denylist.NewWorker(deny, app.db, sweep, retention)
	dw.Start(ctx)
	svc.stoppers = append(svc.stoppers, dw)

	if app.cfg.Archive.Start {
		archiveInterval, err := app.cfg.Archive.GetInterval()
		if err != nil {
			return err
		}
		cutoff, err := app.cfg.Archive.GetCutoff()
		if err != nil {
			return err
		}
		aw := archiver.NewWorker(arch, archiveInterval, cutoff, app.cfg.Archive.Mirror)
		aw.Start(ctx)
		svc.stoppers = append(svc.stoppers, aw)
	}
	return nil
}

func (app *application) startSMTPD(ctx context.Context, svc *services, deny *denylist.Manager) error {
	options, err := smtpd.OptionsFromConfig(&app.cfg.SMTPD)
	if err != nil {
		return err
	}
	relay := &smtpd.SMTPRelay{
		Addr:     app.cfg.SMTPD.RelayAddr,
		Hostname: options.Hostname,
		Timeout:  options.WriteTimeout,
	}
	backend, err := smtpd.New(ctx, app.db, deny, relay, options)
	if err != nil {
		return fmt.Errorf("failed to create SMTPD server: %w", err)
	}
	svc.closers = append(svc.closers, func() {
		if err := backend.Close(); err != nil {
			logger.Warn("SMTPD: error closing server", "error", err)
		}
	})
	svc.run(func() { backend.Start(svc.errChan) })
	return nil
}

func (app *application) startHTTPAPI(ctx context.Context, svc *services, deny *denylist.Manager, rec *reconciler.Reconciler, arch *archiver.Archiver) {
	cfg := app.cfg.HTTPAPI
	options := httpapi.ServerOptions{
		Addr:           cfg.Addr,
		APIKey:         cfg.APIKey,
		AllowedHosts:   cfg.AllowedHosts,
		TrustedProxies: cfg.TrustedProxies,
		TLS:            cfg.TLS,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		DenyList:       deny,
		Archiver:       arch,
		Reconciler:     rec,
		Emails:         app.db,
		Health:         app.db,
	}
	svc.run(func() { httpapi.Start(ctx, options, svc.errChan) })
}

func (app *application) startMetrics(ctx context.Context, svc *services) {
	cfg := app.cfg.Metrics
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	svc.run(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	})
	svc.run(func() {
		logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.errChan <- fmt.Errorf("metrics server failed: %w", err)
		}
	})
}
