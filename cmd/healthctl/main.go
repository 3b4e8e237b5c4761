// Package main provides healthctl, the operator CLI for Apple Health imports.
//
// healthctl runs the import pipeline synchronously against the configured
// database and archive store, which is how stuck or failed imports are replayed
// by hand. It reads the same HEALTHIMPORT_* environment as the service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/config"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
	"github.com/pulseboard-io/healthimport/internal/storage"
)

const version = "1.0.0-dev"

type (
	// ctlStore is the persistence surface the commands need.
	ctlStore interface {
		ingestion.HealthStore
		ListEvents(ctx context.Context, userID string, limit int) ([]ingestion.Event, error)
		DailyAggregates(ctx context.Context, userID string, day time.Time) ([]ingestion.DailyAggregate, error)
	}

	// environment opens the collaborators of a command. Tests swap it for in-memory fakes.
	environment struct {
		openStore func(ctx context.Context) (ctlStore, error)
		openBlobs func(ctx context.Context, localDir string) (archive.BlobStore, error)
		logger    *slog.Logger
	}

	// postgresStore owns the connection behind a HealthStore.
	postgresStore struct {
		*storage.HealthStore

		conn *storage.Connection
	}
)

func (s *postgresStore) Close() error {
	return s.conn.Close()
}

func defaultEnvironment() *environment {
	return &environment{
		openStore: func(ctx context.Context) (ctlStore, error) {
			conn, err := storage.NewConnection(ctx, storage.LoadConfig())
			if err != nil {
				return nil, err
			}

			store, err := storage.NewHealthStore(conn)
			if err != nil {
				_ = conn.Close()

				return nil, err
			}

			return &postgresStore{HealthStore: store, conn: conn}, nil
		},
		openBlobs: func(ctx context.Context, localDir string) (archive.BlobStore, error) {
			cfg := archive.LoadBackendConfig()
			if localDir != "" {
				cfg.Backend = archive.BackendLocal
				cfg.LocalDir = localDir
			}

			return archive.Open(ctx, cfg)
		},
	}
}

func newRootCmd(env *environment) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "healthctl",
		Short:         "Operate Apple Health imports",
		Long:          "healthctl replays imports, recomputes daily aggregates and inspects the import audit log.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}

			env.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level",
		config.GetEnvStr("HEALTHIMPORT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(
		newImportCmd(env),
		newAggregateCmd(env),
		newEventsCmd(env),
	)

	return root
}

func main() {
	// .env is optional; the real environment wins.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultEnvironment()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
