// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The notubiz-sync-helper service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/woo-gateway/notubiz-sync-helper/internal/app"
	"github.com/woo-gateway/notubiz-sync-helper/internal/config"
	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
)

const (
	errKey = logging.ErrKey
	// gracefulShutdownSeconds should be higher than NATS client
	// request timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25
)

// main parses optional flags and starts the notification consumer, the HTTP
// API and the scheduled bulk runs.
func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logger := logging.New(os.Stdout, cfg.Debug || *debug)

	// Create a wait group which is used to wait while draining (gracefully
	// closing) a connection.
	gracefulCloseWG := sync.WaitGroup{}

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Create NATS connection.
	gracefulCloseWG.Add(1)
	natsConn, err := nats.Connect(
		cfg.NATSURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
			} else {
				logger.With(errKey, err).Error("async NATS error outside subscription")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ctx.Err() != nil {
				// If our parent background context has already been canceled, this is
				// a graceful shutdown. Decrement the wait group but do not exit, to
				// allow other graceful shutdown steps to complete.
				gracefulCloseWG.Done()
				return
			}
			// Otherwise, this handler means that max reconnect attempts have been
			// exhausted.
			logger.Error("NATS max-reconnects exhausted; connection closed")
			// Send a synthetic interrupt and give any graceful-shutdown tasks 5
			// seconds to clean up.
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			// Exit with an error instead of decrementing the wait group.
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	// Create JetStream context
	jsContext, err := jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	backend, err := app.NewBackend(ctx, cfg, jsContext, natsConn)
	if err != nil {
		logger.With(errKey, err, "backend", cfg.StoreBackend).Error("error opening object store")
		os.Exit(1)
	}

	// Bulk runs are serialized across replicas through this bucket.
	locks, err := app.OpenBucket(ctx, jsContext, cfg.LocksBucket)
	if err != nil {
		logger.With(errKey, err).Error("error accessing locks KV bucket")
		os.Exit(1)
	}

	syncApp, err := app.New(ctx, cfg, app.Options{
		Backend:   backend,
		Publisher: natsConn,
		Locks:     locks,
		Logger:    logger,
	})
	if err != nil {
		logger.With(errKey, err).Error("error initializing synchronization")
		os.Exit(1)
	}

	// Add an http listener for health checks and the API. This server does NOT
	// participate in the graceful shutdown process; we want it to stay up until
	// the process is killed, to avoid liveness checks failing during the
	// graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	ready := func() error {
		if !natsConn.IsConnected() || natsConn.IsDraining() {
			return errors.New("NATS connection not ready")
		}
		return nil
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newRouter(syncApp, ready, logger),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// Notifications arrive on a JetStream stream so they survive restarts and
	// are shared between replicas.
	_, err = jsContext.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.NotificationsStream,
		Subjects:    []string{cfg.NotificationsSubject},
		Description: "NotuBiz change notifications",
	})
	if err != nil {
		logger.With(errKey, err, "stream", cfg.NotificationsStream).Error("error creating notifications stream")
		os.Exit(1)
	}

	consumer, err := jsContext.CreateOrUpdateConsumer(ctx, cfg.NotificationsStream, jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: cfg.NotificationsSubject,
		MaxDeliver:    3,
		AckWait:       60 * time.Second,
		MaxAckPending: 100,
		Description:   "durable/shared notification consumer for notubiz-sync-helper pods",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", cfg.ConsumerName, "stream", cfg.NotificationsStream).Error("error creating JetStream pull consumer")
		os.Exit(1)
	}

	consumerCtx, err := consumer.Consume(notificationMessageHandler(ctx, syncApp, logger), jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("notification consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", cfg.ConsumerName).Error("error starting notification consumer")
		os.Exit(1)
	}
	defer consumerCtx.Stop()

	if cfg.SyncInterval > 0 {
		logger.Info("scheduling bulk synchronization", "interval", cfg.SyncInterval.String(),
			"organisation_id", cfg.OrganisationID, "gremia_ids", strings.Join(cfg.GremiaIDs, ","))
		go syncApp.Schedule(ctx, cfg.SyncInterval)
	}

	// This next line blocks until SIGINT or SIGTERM is received, or NATS disconnects.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")

	// Drain the consumer first (non-blocking) to mitigate "nats: connection
	// closed" errors in the ConsumeErrHandler.
	consumerCtx.Drain()

	// Cancel the background context; this also stops the scheduler.
	cancel()

	// Drain the connection, which will drain all remaining subscriptions, then
	// close the connection when complete (including the consumer draining).
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	// Wait for the graceful shutdown steps to complete.
	logger.Debug("waiting for graceful shutdown steps to complete")
	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown steps completed")

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}
