// Package main is the entrypoint for the robokit analysis API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robokit/robokit/internal/analysis"
	"github.com/robokit/robokit/internal/api"
	"github.com/robokit/robokit/internal/api/handler"
	mw "github.com/robokit/robokit/internal/api/middleware"
	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/internal/artifact"
	"github.com/robokit/robokit/internal/cache"
	"github.com/robokit/robokit/internal/config"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/metrics"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	statsInterval   = 15 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Jobs.Workers, "hub_local_only", cfg.Hub.LocalOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	metrics.MustRegister()

	// 5. Create store and job infrastructure
	pgStore := store.NewPostgresStore(pool)

	hubClient := hub.NewHTTPClient(hub.Options{
		Endpoint:  cfg.Hub.Endpoint,
		Token:     cfg.Hub.Token,
		CacheDir:  cfg.Hub.CacheDir,
		LocalOnly: cfg.Hub.LocalOnly,
		Timeout:   cfg.Hub.Timeout,
		Cache:     redisCache,
	})

	workerPool := worker.NewPool(cfg.Jobs.Workers, cfg.Jobs.QueueSize)
	// Jobs are not cancelled by the shutdown signal; Stop drains them instead.
	workerPool.Start(context.WithoutCancel(ctx))

	artifacts := artifact.New(cfg.Artifacts.Dir, cfg.Server.BaseURL)
	streams := analysis.NewStreamManager(cfg.Stream.Host, cfg.Stream.PortStart, cfg.Stream.PortEnd)

	registry := jobs.NewRegistry()
	analysis.Register(registry, analysis.Deps{
		Datasets:  pgStore,
		Hub:       hubClient,
		Offloader: worker.NewOffloader(cfg.Jobs.OffloadConcurrency),
		Artifacts: artifacts,
		Streams:   streams,
		Frames:    analysis.NewFFmpegOpener(cfg.Artifacts.FFmpegPath),
	})
	engine := jobs.NewEngine(pgStore, redisCache, registry, workerPool)
	slog.Info("job engine ready", "analysis_types", registry.Types())

	go sampleStats(ctx, pool, workerPool)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.SubmitRatePerMinute),

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: promhttp.Handler(),

		CreateDataset: handler.NewCreateDatasetHandler(pgStore),
		GetDataset:    handler.NewGetDatasetHandler(pgStore),

		SubmitJob:     handler.NewSubmitHandler(engine, registry),
		History:       handler.NewHistoryHandler(engine, pgStore),
		Latest:        handler.NewLatestHandler(engine),
		LatestPerType: handler.NewLatestPerTypeHandler(engine, pgStore),
		ListJobs:      handler.NewListJobsHandler(engine, pgStore),
		GetJob:        handler.NewGetJobHandler(engine),
		JobStatus:     handler.NewJobStatusHandler(engine),
		JobTypes:      handler.NewJobTypesHandler(registry),
		Artifact:      handler.NewArtifactHandler(engine, artifacts),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Artifact downloads can be large; bound them by idle time instead.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := workerPool.Stop(shutdownCtx); err != nil {
		slog.Warn("worker pool did not drain", "error", err)
	}
	if err := streams.Shutdown(shutdownCtx); err != nil {
		slog.Warn("stream shutdown", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// sampleStats publishes pool gauges until ctx is done.
func sampleStats(ctx context.Context, pool *pgxpool.Pool, workers *worker.Pool) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		st := pool.Stat()
		metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
		metrics.SetJobQueueDepth(workers.Pending())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
