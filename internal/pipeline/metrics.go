// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notubiz_sync_records_total",
		Help: "Records processed by bulk and single synchronization, by result.",
	}, []string{"result"})

	skipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notubiz_sync_records_skipped_total",
		Help: "Records skipped during synchronization, by reason.",
	}, []string{"reason"})

	objectsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notubiz_sync_objects_deleted_total",
		Help: "Objects deleted, by trigger.",
	}, []string{"trigger"})

	fetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notubiz_sync_fetch_failures_total",
		Help: "Failed NotuBiz fetches, by kind.",
	}, []string{"kind"})

	staleDeleteSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notubiz_sync_stale_delete_skipped_total",
		Help: "Bulk runs that skipped stale-object deletion.",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notubiz_sync_batch_duration_seconds",
		Help:    "Duration of bulk synchronization runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notubiz_sync_notifications_total",
		Help: "Handled change notifications, by route and status.",
	}, []string{"route", "status"})
)

const (
	skipValidation = "validation"
	skipGremium    = "gremium"
	skipMissingID  = "missing_id"
)
