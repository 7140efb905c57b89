package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ffgate/internal/api"
	"github.com/mattjoyce/ffgate/internal/config"
	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/events"
	"github.com/mattjoyce/ffgate/internal/jobs"
	"github.com/mattjoyce/ffgate/internal/lock"
	"github.com/mattjoyce/ffgate/internal/log"
	"github.com/mattjoyce/ffgate/internal/storage"
	"github.com/mattjoyce/ffgate/internal/sweep"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeper in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(runCtx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("ffgate starting",
		"version", version,
		"config", cfg.SourcePath,
		"fingerprint", cfg.Fingerprint())

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	for _, root := range storageRoots(cfg) {
		if err := storage.CheckLocalFilesystem(root.Dir); err != nil {
			logger.Warn("storage root may not be safe", "root", root.Name, "error", err)
		}
	}

	ws, err := workspace.NewFSManager(cfg.Storage.TempDir, log.Get())
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.Storage.TempDir, "error", err)
		return err
	}

	hub := events.NewHub(256)
	runner := encoder.NewExecRunner(cfg.Encoder.Binary, cfg.Encoder.StepTimeout, log.Get())
	executor := encoder.NewExecutor(runner, cfg.Encoder.MaxConcurrent, hub, log.Get())
	store := storage.NewStore(cfg.Storage.UploadsDir, cfg.API.PublicBase)
	svc := jobs.NewService(ws, executor, store, hub, cfg.API.MaxBatch, log.Get())

	var apiSweeper api.Sweeper
	if cfg.Sweep.Enabled {
		sw := sweep.New(sweepTargets(cfg), ws, hub, log.Get())
		if err := sw.Start(ctx, sweep.Schedule(cfg.Sweep.Schedule, cfg.Sweep.Every)); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			return err
		}
		defer sw.Stop()
		apiSweeper = sw
	} else {
		logger.Warn("sweeper disabled; orphaned workspaces will not be collected")
	}

	server := api.New(api.Config{
		Listen:         cfg.API.Listen,
		PublicBase:     cfg.API.PublicBase,
		UploadsDir:     cfg.Storage.UploadsDir,
		Roots:          storageRoots(cfg),
		MaxUploadBytes: cfg.API.MaxUploadMB << 20,
		CORSOrigins:    cfg.API.CORSOrigins,
		WriteTimeout:   writeTimeout(cfg),
	}, svc, ws, apiSweeper, hub, log.Get())

	logger.Info("ffgate ready",
		"listen", cfg.API.Listen,
		"encoder", cfg.Encoder.Binary,
		"max_concurrent", cfg.Encoder.MaxConcurrent)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return fmt.Errorf("api: %w", err)
	}

	logger.Info("ffgate stopped", "active_workspaces", ws.ActiveCount())
	return nil
}

// writeTimeout leaves room for a full batch of two-pass jobs.
func writeTimeout(cfg *config.Config) time.Duration {
	return time.Duration(2*cfg.API.MaxBatch)*cfg.Encoder.StepTimeout + time.Minute
}

func storageRoots(cfg *config.Config) []api.Root {
	return []api.Root{
		{Name: "temp", Dir: cfg.Storage.TempDir},
		{Name: "cache", Dir: cfg.Storage.CacheDir},
		{Name: "uploads", Dir: cfg.Storage.UploadsDir},
	}
}

func sweepTargets(cfg *config.Config) []sweep.Target {
	uploadsAge := cfg.Sweep.UploadsMaxAge
	if uploadsAge <= 0 {
		uploadsAge = 2 * cfg.Sweep.MaxAge
	}
	return []sweep.Target{
		{Name: "temp", Dir: cfg.Storage.TempDir, MaxAge: cfg.Sweep.MaxAge},
		{Name: "cache", Dir: cfg.Storage.CacheDir, MaxAge: cfg.Sweep.MaxAge},
		{Name: "uploads", Dir: cfg.Storage.UploadsDir, MaxAge: uploadsAge},
	}
}
