// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package pipeline synchronizes NotuBiz meeting events into publication
// objects. A bulk run mirrors the whole scope and removes objects whose
// event disappeared upstream; a notification updates or deletes one object.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
	"github.com/woo-gateway/notubiz-sync-helper/internal/notubiz"
	"github.com/woo-gateway/notubiz-sync-helper/internal/store"
)

var (
	// ErrValidation marks a record rejected by schema validation.
	ErrValidation = errors.New("validation failed")
	// ErrStillExists marks a delete refused because the record is still
	// present upstream.
	ErrStillExists = errors.New("record still exists upstream")
	// ErrCategoryMismatch marks a delete refused because the object belongs
	// to another category.
	ErrCategoryMismatch = errors.New("object category mismatch")
)

// Fetcher reads records from NotuBiz.
type Fetcher interface {
	FetchBatch(ctx context.Context, filter notubiz.Filter) ([]notubiz.Event, error)
	FetchOne(ctx context.Context, filter notubiz.Filter, id string) (notubiz.Event, error)
	FetchMeeting(ctx context.Context, eventID string) (*notubiz.Meeting, error)
}

// Mapper turns a source record into a target record.
type Mapper interface {
	Map(ref string, input map[string]any) (map[string]any, error)
}

// Validator checks a target record; it returns nil when the record is
// valid.
type Validator interface {
	Validate(data map[string]any, schemaRef, operation string) []string
}

// ObjectStore persists objects keyed by their sync link.
type ObjectStore interface {
	UpsertBySourceLink(ctx context.Context, key store.LinkKey, data map[string]any) (*store.Object, store.UpsertStatus, error)
	FindLinkBySource(ctx context.Context, key store.LinkKey) (*store.SyncLink, error)
	ListLinks(ctx context.Context, source, schema string) ([]*store.SyncLink, error)
	GetObject(ctx context.Context, id string) (*store.Object, error)
	Delete(ctx context.Context, link *store.SyncLink) error
	Cache(obj *store.Object)
	Flush(ctx context.Context) error
}

// Dispatcher publishes domain events. It never fails the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, event string, payload any)
}

// Indexer keeps a search index in step with the store.
type Indexer interface {
	IndexUpsert(ctx context.Context, obj *store.Object, created bool) error
	IndexDelete(ctx context.Context, objectID string) error
}

// Service runs synchronizations. It holds no per-call state and is safe for
// concurrent use.
type Service struct {
	fetcher    Fetcher
	mapper     Mapper
	validator  Validator
	store      ObjectStore
	dispatcher Dispatcher
	indexer    Indexer
	logger     *slog.Logger
	workers    int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithWorkers sets how many records of a bulk run are processed at once.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithIndexer sends every store change to a search index.
func WithIndexer(indexer Indexer) Option {
	return func(s *Service) {
		s.indexer = indexer
	}
}

// NewService creates a Service.
func NewService(fetcher Fetcher, mapper Mapper, validator Validator, objects ObjectStore, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		fetcher:    fetcher,
		mapper:     mapper,
		validator:  validator,
		store:      objects,
		dispatcher: dispatcher,
		logger:     logging.Discard(),
		workers:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
