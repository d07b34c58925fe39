// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/woo-gateway/notubiz-sync-helper/internal/concurrent"
	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// batch collects per-record results of a bulk run.
type batch struct {
	mu     sync.Mutex
	report *Report
	// seen holds the source ids protected from stale deletion: records
	// stored in this run, and records that failed for reasons other than
	// their content.
	seen map[string]struct{}
	docs []any
}

func (b *batch) synced(id string, obj *store.Object, status store.UpsertStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[id] = struct{}{}
	b.report.Synced++
	switch status {
	case store.UpsertCreated:
		b.report.Created++
	case store.UpsertUpdated:
		b.report.Updated++
	case store.UpsertUnchanged:
		b.report.Unchanged++
	}
	b.report.Objects = append(b.report.Objects, obj)
	b.docs = append(b.docs, DocumentsOf(obj)...)
}

func (b *batch) skipped(id, label, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Skipped++
	if id != "" {
		b.report.SkipReasons[id] = reason
	}
	skipsTotal.WithLabelValues(label).Inc()
}

func (b *batch) failed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[id] = struct{}{}
	b.report.Failed++
}

// SyncBatch mirrors every event of the scope into the store and then deletes
// the objects of the scope's category whose event was not seen. Stale
// deletion is skipped when the fetch was partial, returned nothing, or when
// no record could be stored. Objects synchronized by notifications while the
// run was in progress are never stale. Record-level problems never abort the run;
// the returned error is only set for an invalid scope.
func (s *Service) SyncBatch(ctx context.Context, scope Scope) (*Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()
	ctx = logging.AppendCtx(ctx, slog.String("organisation_id", scope.Filter.OrganisationID))

	report := &Report{SkipReasons: map[string]string{}}
	b := &batch{report: report, seen: map[string]struct{}{}}

	events, fetchErr := s.fetcher.FetchBatch(ctx, scope.Filter)
	report.Fetched = len(events)
	if fetchErr != nil {
		report.Partial = true
		report.FetchError = fetchErr.Error()
		fetchFailuresTotal.WithLabelValues("batch").Inc()
		s.logger.With(logging.ErrKey, fetchErr, "fetched", len(events)).
			WarnContext(ctx, "fetching events stopped early, continuing with the events fetched so far")
	}

	if len(events) == 0 {
		s.logger.InfoContext(ctx, "no events found", "source", scope.Source)
		s.skipStaleDelete(ctx, report, "no events fetched")
		report.Duration = time.Since(start)
		return report, nil
	}

	tasks := make([]func() error, 0, len(events))
	for _, event := range events {
		tasks = append(tasks, func() error {
			s.processEvent(ctx, scope, event, b)
			return nil
		})
	}
	if err := concurrent.NewWorkerPool(s.workers).Run(ctx, tasks...); err != nil {
		s.logger.With(logging.ErrKey, err).WarnContext(ctx, "bulk synchronization interrupted")
	}

	if err := s.store.Flush(ctx); err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to flush store")
	}
	s.dispatchDocuments(ctx, scope, b.docs)

	switch {
	case report.Partial:
		s.skipStaleDelete(ctx, report, "pagination aborted, skipping stale-delete to avoid false deletions")
	case ctx.Err() != nil:
		s.skipStaleDelete(ctx, report, "run cancelled before all events were processed")
	case report.Synced == 0:
		s.skipStaleDelete(ctx, report, "no event could be synchronized")
	default:
		deleted, err := s.ReconcileStale(ctx, scope, b.seen, scope.Category, start)
		report.Deleted = deleted
		if err != nil {
			s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to delete some stale objects")
		}
	}

	recordsTotal.WithLabelValues("synced").Add(float64(report.Synced))
	recordsTotal.WithLabelValues("skipped").Add(float64(report.Skipped))
	recordsTotal.WithLabelValues("failed").Add(float64(report.Failed))

	report.Duration = time.Since(start)
	s.logger.InfoContext(ctx, "synchronized events to woo objects",
		"source", scope.Source,
		"synced", report.Synced,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"deleted", report.Deleted,
		"partial", report.Partial,
		"duration", report.Duration.String(),
	)
	return report, nil
}

func (s *Service) skipStaleDelete(ctx context.Context, report *Report, reason string) {
	report.StaleDeleteSkipped = true
	report.StaleDeleteReason = reason
	staleDeleteSkippedTotal.Inc()
	s.logger.WarnContext(ctx, "stale-delete skipped", "reason", reason)
}

func (s *Service) processEvent(ctx context.Context, scope Scope, event notubiz.Event, b *batch) {
	id := event.ID()
	if id == "" {
		s.logger.WarnContext(ctx, "event without id skipped")
		b.skipped("", skipMissingID, "event has no id")
		return
	}
	ctx = logging.AppendCtx(ctx, slog.String("source_id", id))

	meeting, err := s.fetcher.FetchMeeting(ctx, id)
	if err != nil {
		fetchFailuresTotal.WithLabelValues("meeting").Inc()
		s.logger.With(logging.ErrKey, err).WarnContext(ctx, "failed fetching meeting context, continuing without attachments")
		meeting = nil
	}
	if !scope.allowsMeeting(meeting) {
		s.logger.DebugContext(ctx, "event outside configured gremia skipped", "gremium_id", meeting.GremiumID())
		b.skipped(id, skipGremium, "meeting belongs to gremium "+meeting.GremiumID())
		return
	}

	result, err := s.prepare(ctx, scope, enrich(event, scope, meeting))
	if err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to prepare event")
		b.failed(id)
		return
	}
	if result.Skipped() {
		b.skipped(id, skipValidation, result.Reason())
		return
	}

	obj, status, err := s.Upsert(ctx, scope, id, result.Record())
	if err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to store event")
		b.failed(id)
		return
	}
	b.synced(id, obj, status)
}
