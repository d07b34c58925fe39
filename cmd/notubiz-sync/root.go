// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The notubiz-sync command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/woo-gateway/notubiz-sync-helper/internal/app"
	"github.com/woo-gateway/notubiz-sync-helper/internal/config"
	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
)

// syncer is the part of *app.App the commands use.
type syncer interface {
	Sync(ctx context.Context) (*pipeline.Report, error)
	Notify(ctx context.Context, n pipeline.Notification) pipeline.Outcome
}

var (
	dryRun         bool
	debug          bool
	organisationID string
	gremiaIDs      []string

	// newSyncer builds the syncer for a command; replaced in tests.
	newSyncer = buildSyncer
)

var rootCmd = &cobra.Command{
	Use:   "notubiz-sync",
	Short: "Synchronize NotuBiz meeting events to publication objects",
	Long: `notubiz-sync runs one-off synchronizations of NotuBiz meeting events
into publication objects, using the same configuration environment as the
notubiz-sync-helper service.

With --dry-run, objects are kept in memory and published events are only
logged, so a run can be inspected without touching the shared store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "use an in-memory store and log events instead of publishing them")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&organisationID, "organisation", "", "NotuBiz organisation id (overrides NOTUBIZ_ORGANISATION_ID)")
	rootCmd.PersistentFlags().StringSliceVar(&gremiaIDs, "gremia", nil, "gremium ids to restrict to (overrides NOTUBIZ_GREMIA_IDS)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.FromEnv()
	if organisationID != "" {
		cfg.OrganisationID = organisationID
	}
	if len(gremiaIDs) > 0 {
		cfg.GremiaIDs = gremiaIDs
	}
	if dryRun {
		cfg.StoreBackend = config.BackendMemory
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSyncer wires an App. Outside dry runs it connects to NATS for the
// store, the run lock and event publishing; the returned func closes the
// connection.
func buildSyncer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncer, func(), error) {
	if dryRun {
		backend, err := app.NewBackend(ctx, cfg, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		a, err := app.New(ctx, cfg, app.Options{Backend: backend, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	}

	natsConn, err := nats.Connect(cfg.NATSURL, nats.Timeout(10*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	closeConn := func() {
		if err := natsConn.Drain(); err != nil {
			logger.With(logging.ErrKey, err).Error("error draining NATS connection")
		}
	}

	js, err := jetstream.New(natsConn)
	if err != nil {
		closeConn()
		return nil, nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	backend, err := app.NewBackend(ctx, cfg, js, natsConn)
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	locks, err := app.OpenBucket(ctx, js, cfg.LocksBucket)
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, app.Options{
		Backend:   backend,
		Publisher: natsConn,
		Locks:     locks,
		Logger:    logger,
	})
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	return a, closeConn, nil
}

// setup loads configuration and builds the syncer for a command.
func setup(cmd *cobra.Command) (syncer, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Debug)
	return newSyncer(cmd.Context(), cfg, logger)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
