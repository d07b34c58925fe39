// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
)

// Messages returned in notification outcomes.
const (
	MsgSynced           = "object synchronized successfully"
	MsgMissingResource  = "notification has no resource id"
	MsgNotFound         = "event not found upstream"
	MsgScopeMismatch    = "event does not belong to the organisation of this synchronization"
	MsgFetchFailed      = "failed fetching event, check error logs for more info"
	MsgMeetingFailed    = "failed fetching meeting context for this event, check error logs for more info"
	MsgGremiumMismatch  = "meeting does not belong to one of the configured gremia"
	MsgValidationFailed = "validation errors, check warning logs for more info"
	MsgMappingFailed    = "failed mapping event, check error logs for more info"
)

// Notification is an external signal that one event changed.
type Notification struct {
	Actie        string `json:"actie"`
	ResourceID   string `json:"resourceId"`
	ResourceURL  string `json:"resourceUrl"`
	Kanaal       string `json:"kanaal,omitempty"`
	HoofdObject  string `json:"hoofdObject,omitempty"`
	Resource     string `json:"resource,omitempty"`
	Aanmaakdatum string `json:"aanmaakdatum,omitempty"`
}

// IsDelete reports whether the notification asks for a delete.
func (n Notification) IsDelete() bool {
	return strings.EqualFold(strings.TrimSpace(n.Actie), "delete")
}

// SourceID returns the id of the changed event. When resourceId is absent
// the last path segment of resourceUrl is used.
func (n Notification) SourceID() string {
	if id := strings.TrimSpace(n.ResourceID); id != "" {
		return id
	}
	u, err := url.Parse(strings.TrimSpace(n.ResourceURL))
	if err != nil || u.Path == "" {
		return ""
	}
	last := path.Base(strings.TrimRight(u.Path, "/"))
	if last == "." || last == "/" {
		return ""
	}
	return last
}

// HandleNotification routes a notification to a delete or a single-event
// sync.
func (s *Service) HandleNotification(ctx context.Context, scope Scope, n Notification) Outcome {
	route := "sync"
	if n.IsDelete() {
		route = "delete"
	}

	var out Outcome
	id := n.SourceID()
	switch {
	case id == "":
		out = rejected(MsgMissingResource, errors.New("missing resource id"))
	case route == "delete":
		out = s.DeleteOne(ctx, scope, id, scope.Category)
	default:
		out = s.SyncOne(ctx, scope, id)
	}

	notificationsTotal.WithLabelValues(route, string(out.Status)).Inc()
	return out
}

// SyncOne fetches one event with its meeting, stores it and dispatches its
// documents. Stale objects are not reconciled.
func (s *Service) SyncOne(ctx context.Context, scope Scope, id string) Outcome {
	ctx = logging.AppendCtx(ctx, slog.String("source_id", id))

	event, err := s.fetcher.FetchOne(ctx, scope.Filter, id)
	switch {
	case errors.Is(err, notubiz.ErrNotFound):
		s.logger.WarnContext(ctx, "event not found upstream")
		return rejected(MsgNotFound, err)
	case errors.Is(err, notubiz.ErrScopeMismatch):
		s.logger.With(logging.ErrKey, err).WarnContext(ctx, "event outside organisation")
		return rejected(MsgScopeMismatch, err)
	case err != nil:
		fetchFailuresTotal.WithLabelValues("event").Inc()
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed fetching event")
		out := rejected(MsgFetchFailed, err)
		out.Retryable = true
		return out
	}

	meeting, err := s.fetcher.FetchMeeting(ctx, id)
	if err != nil {
		fetchFailuresTotal.WithLabelValues("meeting").Inc()
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed fetching meeting context")
		out := rejected(MsgMeetingFailed, err)
		out.Retryable = !errors.Is(err, notubiz.ErrNotFound)
		return out
	}
	if !scope.allowsMeeting(meeting) {
		s.logger.InfoContext(ctx, "event outside configured gremia", "gremium_id", meeting.GremiumID())
		return rejected(MsgGremiumMismatch, fmt.Errorf("gremium %s: %w", meeting.GremiumID(), notubiz.ErrScopeMismatch))
	}

	raw := enrich(event, scope, meeting)
	raw["id"] = id
	raw["creation_date"] = meeting.CreationDate

	result, err := s.prepare(ctx, scope, raw)
	if err != nil {
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to map event")
		return rejected(MsgMappingFailed, err)
	}
	if result.Skipped() {
		recordsTotal.WithLabelValues("skipped").Inc()
		skipsTotal.WithLabelValues(skipValidation).Inc()
		return rejected(MsgValidationFailed, fmt.Errorf("%w: %s", ErrValidation, result.Reason()))
	}

	obj, _, err := s.Upsert(ctx, scope, id, result.Record())
	if err != nil {
		recordsTotal.WithLabelValues("failed").Inc()
		s.logger.With(logging.ErrKey, err).ErrorContext(ctx, "failed to store event")
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
	recordsTotal.WithLabelValues("synced").Inc()

	s.dispatchDocuments(ctx, scope, DocumentsOf(obj))
	s.logger.InfoContext(ctx, "synchronized event", "object_id", obj.ID)
	return done(MsgSynced, obj)
}
