// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package app wires configuration into a ready-to-run synchronization
// service. It is shared by the long-running helper and the one-shot CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/woo-gateway/notubiz-sync-helper/internal/config"
	"github.com/woo-gateway/notubiz-sync-helper/internal/dispatch"
	"github.com/woo-gateway/notubiz-sync-helper/internal/kv"
	"github.com/woo-gateway/notubiz-sync-helper/internal/lock"
	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/mapping"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
	"github.com/woo-gateway/notubiz-sync-helper/internal/validation"
)

// ErrSyncInProgress is returned when another replica holds the run lock.
var ErrSyncInProgress = errors.New("a synchronization for this organisation is already running")

// Scope builds the synchronization scope from configuration.
func Scope(cfg *config.Config) pipeline.Scope {
	return pipeline.Scope{
		Source:  cfg.SourceRef,
		Schema:  cfg.SchemaRef,
		Mapping: cfg.MappingRef,
		Filter: notubiz.Filter{
			Endpoint:       cfg.SourceEndpoint,
			OrganisationID: cfg.OrganisationID,
			GremiaIDs:      cfg.GremiaIDs,
			Version:        cfg.NotubizVersion,
			MaxPages:       cfg.MaxPages,
		},
		OIN:          cfg.OIN,
		Organisation: cfg.Organisation,
		AutoPublish:  cfg.AutoPublish,
		Category:     cfg.Category,
	}
}

// NewFetcher creates a NotuBiz fetcher for the configured API.
func NewFetcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*notubiz.Fetcher, error) {
	opts := []notubiz.TransportOption{
		notubiz.WithRateLimit(rate.Limit(cfg.RateLimit), 1),
	}
	if cfg.ClientID != "" {
		opts = append(opts, notubiz.WithClientCredentials(ctx, clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}, cfg.RequestTimeout))
	} else {
		opts = append(opts, notubiz.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}
	transport, err := notubiz.NewHTTPTransport(cfg.NotubizAPIURL, opts...)
	if err != nil {
		return nil, err
	}
	return notubiz.NewFetcher(transport, logger), nil
}

// OpenBucket returns the named JetStream KV bucket, creating it when it does
// not exist yet.
func OpenBucket(ctx context.Context, js jetstream.JetStream, name string) (kv.Bucket, error) {
	bucket, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: name})
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s KV bucket: %w", name, err)
	}
	return kv.NewJetStreamBucket(bucket), nil
}

// NewBackend opens the configured store backend. js and flusher are only
// used by the NATS backend.
func NewBackend(ctx context.Context, cfg *config.Config, js jetstream.JetStream, flusher store.Flusher) (store.Backend, error) {
	codec := store.CodecJSON
	if cfg.UseMsgpack {
		codec = store.CodecMsgpack
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryBackend(), nil
	case config.BackendDynamoDB:
		client, err := store.NewDynamoDBClient(ctx, cfg.AWSRegion, cfg.AssumeRoleARN)
		if err != nil {
			return nil, err
		}
		return store.NewDynamoDBBackend(client, cfg.DynamoDBTable, codec), nil
	case config.BackendNATS:
		if js == nil {
			return nil, errors.New("the nats store backend needs a JetStream connection")
		}
		links, err := OpenBucket(ctx, js, cfg.LinksBucket)
		if err != nil {
			return nil, err
		}
		objects, err := OpenBucket(ctx, js, cfg.ObjectsBucket)
		if err != nil {
			return nil, err
		}
		return store.NewKVBackend(links, objects, codec, flusher), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Options are the runtime dependencies of an App.
type Options struct {
	// Fetcher defaults to the live NotuBiz API.
	Fetcher pipeline.Fetcher
	Backend store.Backend
	// Publisher receives domain events and index updates. When nil, events
	// are only logged and nothing is indexed.
	Publisher dispatch.Publisher
	// Locks holds the run lock. When nil, bulk runs are not serialized.
	Locks  kv.Bucket
	Logger *slog.Logger
}

// App is a configured synchronization service.
type App struct {
	Service *pipeline.Service
	Scope   pipeline.Scope
	Store   *store.Store

	locker lock.Locker
	logger *slog.Logger
}

// New builds an App from configuration and runtime dependencies.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Backend == nil {
		return nil, errors.New("store backend is required")
	}

	scope := Scope(cfg)
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	mapper, err := mapping.LoadDir(cfg.MappingDir)
	if err != nil {
		return nil, err
	}
	validator, err := validation.LoadDir(cfg.SchemaDir)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher, err = NewFetcher(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	objects := store.New(opts.Backend, store.WithCacheTTL(cfg.CacheTTL), store.WithLogger(logger))

	var dispatcher pipeline.Dispatcher = dispatch.NewLogDispatcher(logger)
	serviceOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithWorkers(cfg.SyncWorkers),
	}
	if opts.Publisher != nil {
		dispatcher = dispatch.NewNATSDispatcher(opts.Publisher, cfg.EventsSubjectPrefix, logger)
		if cfg.IndexSubject != "" {
			serviceOpts = append(serviceOpts, pipeline.WithIndexer(
				dispatch.NewIndexer(opts.Publisher, cfg.IndexSubject, nil, logger)))
		}
	}

	a := &App{
		Service: pipeline.NewService(fetcher, mapper, validator, objects, dispatcher, serviceOpts...),
		Scope:   scope,
		Store:   objects,
		logger:  logger,
	}
	if opts.Locks != nil {
		a.locker = lock.NewKVLocker(opts.Locks, lock.WithTimeout(cfg.LockTimeout))
	}
	return a, nil
}

// Sync runs one bulk synchronization. When a run lock is configured and held
// elsewhere, it returns ErrSyncInProgress without doing anything.
func (a *App) Sync(ctx context.Context) (*pipeline.Report, error) {
	if a.locker == nil {
		return a.Service.SyncBatch(ctx, a.Scope)
	}

	key := lock.KeyPrefix + a.Scope.Filter.OrganisationID
	acquired, _ := a.locker.Acquire(ctx, key)
	if !acquired {
		return nil, ErrSyncInProgress
	}
	defer func() {
		// The run context may be done by now; the lock must still go.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.locker.Release(releaseCtx, key); err != nil {
			a.logger.With(logging.ErrKey, err, "key", key).WarnContext(ctx, "failed to release run lock")
		}
	}()
	return a.Service.SyncBatch(ctx, a.Scope)
}

// Notify handles one change notification.
func (a *App) Notify(ctx context.Context, n pipeline.Notification) pipeline.Outcome {
	return a.Service.HandleNotification(ctx, a.Scope, n)
}

// Schedule runs Sync every interval until ctx is done. A run skipped because
// another replica holds the lock is logged at debug level.
func (a *App) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.Sync(ctx)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				a.logger.DebugContext(ctx, "scheduled synchronization skipped, lock held elsewhere")
			case err != nil:
				a.logger.With(logging.ErrKey, err).ErrorContext(ctx, "scheduled synchronization failed")
			}
		}
	}
}
