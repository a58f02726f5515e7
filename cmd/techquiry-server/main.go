package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/techquiry/techquiry/internal/api"
	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/database"
	"github.com/techquiry/techquiry/internal/observability"
	"github.com/techquiry/techquiry/internal/schema"
	"github.com/techquiry/techquiry/internal/scripts"
	"github.com/techquiry/techquiry/internal/sqlrunner"
	"github.com/techquiry/techquiry/internal/storage"
	s3store "github.com/techquiry/techquiry/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("techquiry-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := database.Open(context.Background(), database.ConfigFrom(cfg.Database))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var objectStore storage.ObjectStore
	if cfg.Scripts.Source == config.ScriptsS3 {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}
	source, err := scripts.NewSource(cfg.Scripts, objectStore, logger)
	if err != nil {
		logger.Error("failed to initialize script source", slog.Any("error", err))
		os.Exit(1)
	}

	dialect, err := database.DialectFor(cfg.Database.Driver)
	if err != nil {
		logger.Error("failed to resolve dialect", slog.Any("error", err))
		os.Exit(1)
	}
	runner := sqlrunner.New(db, sqlrunner.Options{
		Dialect:        dialect,
		Scripts:        source,
		Logger:         logger,
		Observer:       metrics,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})

	if cfg.Database.Setup {
		setupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_, err := schema.NewInitializer(db, runner, source, scripts.Schema, logger).Apply(setupCtx)
		cancel()
		if err != nil {
			logger.Error("failed to apply schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
		Scripts:  source.List,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(db),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("driver", dialect.Name),
			slog.String("scripts", source.Kind),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
