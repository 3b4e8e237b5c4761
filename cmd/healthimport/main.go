// Package main provides the Apple Health import service.
//
// The service accepts import requests over HTTP and, when brokers are configured,
// from upload notifications on Kafka. Each request runs as a background job that
// parses the uploaded export, stores validated records, recomputes daily
// aggregates and writes an audit trail.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/pulseboard-io/healthimport/internal/api"
	"github.com/pulseboard-io/healthimport/internal/api/middleware"
	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/config"
	"github.com/pulseboard-io/healthimport/internal/importer"
	"github.com/pulseboard-io/healthimport/internal/notify"
	"github.com/pulseboard-io/healthimport/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "healthimport"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading configuration")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("HEALTHIMPORT_LOG_LEVEL", slog.LevelInfo),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Health import service stopped")
}

// loadEnvFile loads path into the environment. A missing file is not an error;
// variables already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	logger.Info("Starting health import service",
		slog.String("service", name),
		slog.String("version", version),
	)

	serverConfig := api.LoadServerConfig()
	serverConfig.Version = version

	pipelineConfig, err := importer.LoadPipelineConfig()
	if err != nil {
		return err
	}

	logger.Info("Loaded pipeline configuration",
		slog.Int("batch_size", pipelineConfig.BatchSize),
		slog.Int("buffer_ceiling", pipelineConfig.BufferCeiling),
		slog.Int64("large_file_threshold", pipelineConfig.LargeFileThreshold),
		slog.Int("aggregation_days", pipelineConfig.AggregationDays),
		slog.Int("max_concurrent_jobs", pipelineConfig.MaxConcurrentJobs),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	store, err := storage.NewHealthStore(dbConn)
	if err != nil {
		return err
	}

	logger.Info("Health store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	backendConfig := archive.LoadBackendConfig()

	blobs, err := archive.Open(ctx, backendConfig)
	if err != nil {
		return fmt.Errorf("failed to open archive store: %w", err)
	}

	logger.Info("Archive store initialized",
		slog.String("backend", backendConfig.Backend),
		slog.String("location", backendConfig.Describe()),
	)

	executor := importer.NewExecutor(pipelineConfig.MaxConcurrentJobs, logger)
	orchestrator := importer.NewOrchestrator(importer.Dependencies{
		Blobs:      blobs,
		Records:    store,
		Aggregates: store,
		Metrics:    store,
		Events:     store,
		Executor:   executor,
		Logger:     logger,
	}, pipelineConfig)

	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("max_clients", middlewareConfig.MaxClients),
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Importer:    orchestrator,
		Health:      store,
		RateLimiter: rateLimiter,
		Logger:      logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Run(groupCtx)
	})

	notifyConfig := notify.LoadConfig()
	if notifyConfig.Enabled() {
		consumer, err := notify.NewConsumer(notifyConfig, orchestrator, logger)
		if err != nil {
			return err
		}

		defer func() {
			_ = consumer.Close()
		}()

		logger.Info("Upload notification consumer enabled",
			slog.Any("brokers", notifyConfig.Brokers),
			slog.String("topic", notifyConfig.Topic),
			slog.String("group_id", notifyConfig.GroupID),
		)

		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	} else {
		logger.Info("Upload notification consumer disabled; set HEALTHIMPORT_KAFKA_BROKERS to enable")
	}

	runErr := group.Wait()

	// In-flight imports get the shutdown timeout to finish before the store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	logger.Info("Draining in-flight imports", slog.Int64("in_flight", executor.InFlight()))

	if err := executor.Shutdown(drainCtx); err != nil {
		logger.Warn("Imports still running at shutdown", slog.String("error", err.Error()))
	}

	return runErr
}
