package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/workfarm/internal/api"
	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/journal"
	"github.com/mattjoyce/workfarm/internal/lock"
	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/metrics"
	"github.com/mattjoyce/workfarm/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the farm and, if enabled, the control API and journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs until ctx is cancelled or a component fails, then kills every farm.
func serve(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("workfarm starting", "version", version, "service", cfg.Service.Name)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	col, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := events.NewHub(1024)
	farms := farm.NewRegistry(farm.WithHub(hub), farm.WithMetrics(col))

	// The journal outlives the farms so it records their final events.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	journalDone := make(chan struct{})
	close(journalDone)

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jl, err := lock.Acquire(lock.PathFor(cfg.Journal.Path))
		if err != nil {
			return fmt.Errorf("lock journal: %w", err)
		}
		defer jl.Release()

		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		logger.Info("journal opened", "path", cfg.Journal.Path)

		jnl = journal.New(db)
		done := make(chan struct{})
		journalDone = done
		go func() {
			defer close(done)
			_ = jnl.Run(journalCtx, hub)
		}()
	}

	f, err := farms.Create(cfg.Farm)
	if err != nil {
		return fmt.Errorf("create farm: %w", err)
	}
	logger.Info("farm started", "farm_id", f.ID(), "workers", cfg.Farm.NumberOfWorkers)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		opts := []api.Option{api.WithEvents(hub), api.WithGatherer(reg)}
		if jnl != nil {
			opts = append(opts, api.WithJournal(jnl))
		}
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, farms, log.WithComponent("api"), opts...)
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	case <-f.Done():
		logger.Info("farm killed through the API")
	}

	killCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Farm.KillTimeout+10*time.Second)
	defer cancel()
	if err := farms.KillAll(killCtx); err != nil {
		logger.Error("failed to kill farms", "error", err)
		runErr = errors.Join(runErr, err)
	}

	// Give the journal a moment to drain the farm.killed backlog.
	time.AfterFunc(500*time.Millisecond, stopJournal)
	<-journalDone

	logger.Info("workfarm stopped")
	return runErr
}
