// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

// Messages returned in notification outcomes.
const (
	MsgDeleted          = "object deleted successfully"
	MsgNothingToDelete  = "no synchronized object found for this event, nothing to delete"
	MsgStillExists      = "object still exists upstream, not deleted locally"
	MsgCategoryMismatch = "object does not match the category of this synchronization, not deleted"
	MsgVerifyFailed     = "failed verifying that the event is gone upstream, not deleted"
	MsgStoreFailed      = "failed updating the object store, check error logs for more info"
)

// Upsert stores a mapped record under the sync link of sourceID.
func (s *Service) Upsert(ctx context.Context, scope Scope, sourceID string, mapped map[string]any) (*store.Object, store.UpsertStatus, error) {
	obj, status, err := s.store.UpsertBySourceLink(ctx, scope.linkKey(sourceID), mapped)
	if err != nil {
		return nil, "", err
	}
	s.store.Cache(obj)

	if s.indexer != nil && status != store.UpsertUnchanged {
		if err := s.indexer.IndexUpsert(ctx, obj, status == store.UpsertCreated); err != nil {
			s.logger.With(logging.ErrKey, err, "object_id", obj.ID).WarnContext(ctx, "failed to index object")
		}
	}
	return obj, status, nil
}

// ReconcileStale deletes every object of the scope in category whose source
// id is not in synced, together with its link. It must only run after every
// upsert of the batch completed. Links synchronized at or after since, by a
// notification handled while the batch ran, are kept. It returns the number
// of objects deleted.
func (s *Service) ReconcileStale(ctx context.Context, scope Scope, synced map[string]struct{}, category string, since time.Time) (int, error) {
	links, err := s.store.ListLinks(ctx, scope.Source, scope.Schema)
	if err != nil {
		return 0, fmt.Errorf("listing sync links: %w", err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, ok := synced[link.SourceID]; ok {
			continue
		}
		if syncedSince(link, since) {
			continue
		}

		obj, err := s.store.GetObject(ctx, link.ObjectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// A link without object; drop it so it does not linger.
			if err := s.store.Delete(ctx, link); err != nil {
				errs = append(errs, err)
			}
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("reading object %s: %w", link.ObjectID, err))
			continue
		}
		if obj.Category() != category {
			continue
		}

		// Re-read the link: a notification may have synchronized the event
		// after the listing.
		current, err := s.store.FindLinkBySource(ctx, link.Key())
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("reading sync link %s: %w", link.SourceID, err))
			continue
		case syncedSince(current, since):
			s.logger.DebugContext(ctx, "stale candidate synchronized during the run, kept", "source_id", link.SourceID)
			continue
		}

		if err := s.store.Delete(ctx, current); err != nil {
			s.logger.With(logging.ErrKey, err, "source_id", link.SourceID, "object_id", link.ObjectID).
				ErrorContext(ctx, "failed to delete stale object")
			errs = append(errs, err)
			continue
		}
		s.indexDelete(ctx, current.ObjectID)
		deleted++
		objectsDeletedTotal.WithLabelValues("stale").Inc()
		s.logger.DebugContext(ctx, "deleted stale object", "source_id", link.SourceID, "object_id", link.ObjectID)
	}

	if deleted > 0 {
		if err := s.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing store: %w", err))
		}
	}
	return deleted, errors.Join(errs...)
}

// DeleteOne deletes the object synchronized from event id after confirming
// the event is gone upstream. Category, when set, must match the object's.
func (s *Service) DeleteOne(ctx context.Context, scope Scope, id, category string) Outcome {
	ctx = logging.AppendCtx(ctx, slog.String("source_id", id))

	_, err := s.fetcher.FetchOne(ctx, scope.Filter, id)
	switch {
	case err == nil:
		s.logger.WarnContext(ctx, "delete refused, event still exists upstream")
		return rejected(MsgStillExists, ErrStillExists)
	case errors.Is(err, notubiz.ErrNotFound), errors.Is(err, notubiz.ErrScopeMismatch):
		// Gone from this scope.
	default:
		fetchFailuresTotal.WithLabelValues("verify").Inc()
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to verify event absence")
		out := rejected(MsgVerifyFailed, err)
		out.Retryable = true
		return out
	}

	link, err := s.store.FindLinkBySource(ctx, scope.linkKey(id))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return done(MsgNothingToDelete, nil)
	case err != nil:
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to read sync link")
		out := rejected(MsgStoreFailed, err)
		out.Retryable = true
		return out
	}

	obj, err := s.store.GetObject(ctx, link.ObjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		obj = nil
	case err != nil:
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to read object")
		out := rejected(MsgStoreFailed, err)
		out.Retryable = true
		return out
	case category != "" && obj.Category() != category:
		s.logger.WarnContext(ctx, "delete refused, category mismatch", "category", obj.Category())
		return rejected(MsgCategoryMismatch, ErrCategoryMismatch)
	}

	if err := s.store.Delete(ctx, link); err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to delete object")
		out := rejected(MsgStoreFailed, err)
		out.Retryable = true
		return out
	}
	if err := s.store.Flush(ctx); err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to flush store")
		out := rejected(MsgStoreFailed, err)
		out.Retryable = true
		return out
	}
	s.indexDelete(ctx, link.ObjectID)
	objectsDeletedTotal.WithLabelValues("notification").Inc()
	s.logger.InfoContext(ctx, "deleted object", "object_id", link.ObjectID)
	return done(MsgDeleted, obj)
}

func syncedSince(link *store.SyncLink, since time.Time) bool {
	return !since.IsZero() && !link.LastSynced.Before(since)
}

func (s *Service) indexDelete(ctx context.Context, objectID string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexDelete(ctx, objectID); err != nil {
		s.logger.With(logging.ErrKey, err, "object_id", objectID).WarnContext(ctx, "failed to remove object from index")
	}
}
