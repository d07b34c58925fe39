// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The notubiz-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woo-gateway/notubiz-sync-helper/internal/app"
	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/pipeline"
)

// syncer is the part of *app.App the HTTP and NATS handlers use.
type syncer interface {
	Sync(ctx context.Context) (*pipeline.Report, error)
	Notify(ctx context.Context, n pipeline.Notification) pipeline.Outcome
}

type handlers struct {
	app    syncer
	ready  func() error
	logger *slog.Logger
}

// newRouter builds the HTTP API: health checks, metrics, notification
// ingress and on-demand bulk runs.
func newRouter(a syncer, ready func() error, logger *slog.Logger) http.Handler {
	h := &handlers{app: a, ready: ready, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// This always returns as long as the service is still running. As this
	// endpoint is expected to be used as a Kubernetes liveness check, this
	// service must likewise self-detect non-recoverable errors and
	// self-terminate.
	r.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "OK\n")
	})
	r.HandleFunc("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/notifications", h.postNotification)
	r.Post("/sync", h.postSync)
	return r
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprintf(w, "OK\n")
}

func (h *handlers) postNotification(w http.ResponseWriter, r *http.Request) {
	var n pipeline.Notification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid notification body"})
		return
	}

	out := h.app.Notify(r.Context(), n)
	status := http.StatusOK
	switch {
	case out.Status == pipeline.StatusDone:
	case out.Retryable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

func (h *handlers) postSync(w http.ResponseWriter, r *http.Request) {
	// A bulk run must not stop halfway because the caller went away.
	ctx := context.WithoutCancel(r.Context())

	report, err := h.app.Sync(ctx)
	switch {
	case errors.Is(err, app.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"message": err.Error()})
		return
	case err != nil:
		h.logger.With(logging.ErrKey, err).ErrorContext(ctx, "on-demand synchronization failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
