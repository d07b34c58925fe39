// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package store persists synchronized objects together with the sync links
// that tie each object to the source record it was built from.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/woo-gateway/notubiz-sync-helper/internal/logging"
)

var (
	// ErrNotFound is returned when a link or object does not exist.
	ErrNotFound = errors.New("not found in store")
	// ErrExists is returned by Backend.CreateLink when the link is already
	// present.
	ErrExists = errors.New("already exists in store")
)

// LinkKey identifies a sync link.
type LinkKey struct {
	Source   string
	Schema   string
	SourceID string
}

// SyncLink ties a source record to the object built from it. There is at
// most one link per (source, schema, source id).
type SyncLink struct {
	Source     string    `json:"source" msgpack:"source"`
	Schema     string    `json:"schema" msgpack:"schema"`
	SourceID   string    `json:"source_id" msgpack:"source_id"`
	ObjectID   string    `json:"object_id" msgpack:"object_id"`
	Hash       string    `json:"hash,omitempty" msgpack:"hash,omitempty"`
	LastSynced time.Time `json:"last_synced" msgpack:"last_synced"`
}

// Key returns the link's key.
func (l *SyncLink) Key() LinkKey {
	return LinkKey{Source: l.Source, Schema: l.Schema, SourceID: l.SourceID}
}

// Object is a persisted target record.
type Object struct {
	ID        string         `json:"id" msgpack:"id"`
	Schema    string         `json:"schema" msgpack:"schema"`
	Data      map[string]any `json:"data" msgpack:"data"`
	CreatedAt time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// Category returns the object's "categorie" field.
func (o *Object) Category() string {
	if o == nil {
		return ""
	}
	s, _ := o.Data["categorie"].(string)
	return s
}

// UpsertStatus tells what an upsert did.
type UpsertStatus string

const (
	UpsertCreated   UpsertStatus = "created"
	UpsertUpdated   UpsertStatus = "updated"
	UpsertUnchanged UpsertStatus = "unchanged"
)

// Backend is the persistence layer behind a Store.
type Backend interface {
	GetLink(ctx context.Context, key LinkKey) (*SyncLink, error)
	// CreateLink stores link only if no link exists for its key and returns
	// ErrExists otherwise.
	CreateLink(ctx context.Context, link *SyncLink) error
	PutLink(ctx context.Context, link *SyncLink) error
	DeleteLink(ctx context.Context, key LinkKey) error
	ListLinks(ctx context.Context, source, schema string) ([]*SyncLink, error)
	GetObject(ctx context.Context, id string) (*Object, error)
	PutObject(ctx context.Context, obj *Object) error
	DeleteObject(ctx context.Context, id string) error
	// Flush makes all previous writes durable.
	Flush(ctx context.Context) error
}

// Store keys objects by their source link and keeps recently used objects
// in a side cache.
type Store struct {
	backend Backend
	cache   *gocache.Cache
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL sets the side cache expiry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = gocache.New(ttl, 2*ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		cache:   gocache.New(10*time.Minute, 20*time.Minute),
		logger:  logging.Discard(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindLinkBySource returns the link for key, or ErrNotFound.
func (s *Store) FindLinkBySource(ctx context.Context, key LinkKey) (*SyncLink, error) {
	return s.backend.GetLink(ctx, key)
}

// ListLinks returns every link of a source and schema.
func (s *Store) ListLinks(ctx context.Context, source, schema string) ([]*SyncLink, error) {
	return s.backend.ListLinks(ctx, source, schema)
}

// GetObject returns an object, from the side cache when present. Cached
// copies may lag writes made through other Stores over the same backend.
func (s *Store) GetObject(ctx context.Context, id string) (*Object, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*Object), nil
	}
	obj, err := s.backend.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Cache(obj)
	return obj, nil
}

// Cache puts obj in the side cache.
func (s *Store) Cache(obj *Object) {
	if obj == nil {
		return
	}
	s.cache.SetDefault(obj.ID, obj)
}

// UpsertBySourceLink creates or updates the object linked to key with data.
// An object whose content is unchanged since the last sync is not
// rewritten.
func (s *Store) UpsertBySourceLink(ctx context.Context, key LinkKey, data map[string]any) (*Object, UpsertStatus, error) {
	hash, err := contentHash(data)
	if err != nil {
		return nil, "", fmt.Errorf("hashing object content: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		link, err := s.backend.GetLink(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			obj, err := s.create(ctx, key, data, hash)
			if errors.Is(err, ErrExists) {
				// Another writer linked this source id first; update theirs.
				continue
			}
			if err != nil {
				return nil, "", err
			}
			return obj, UpsertCreated, nil
		case err != nil:
			return nil, "", fmt.Errorf("reading sync link: %w", err)
		}
		return s.update(ctx, link, data, hash)
	}
	return nil, "", fmt.Errorf("sync link for %s kept changing: %w", key.SourceID, ErrExists)
}

func (s *Store) create(ctx context.Context, key LinkKey, data map[string]any, hash string) (*Object, error) {
	now := s.now()
	obj := &Object{
		ID:        s.newID(),
		Schema:    key.Schema,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.PutObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("storing object: %w", err)
	}

	link := &SyncLink{
		Source:     key.Source,
		Schema:     key.Schema,
		SourceID:   key.SourceID,
		ObjectID:   obj.ID,
		Hash:       hash,
		LastSynced: now,
	}
	if err := s.backend.CreateLink(ctx, link); err != nil {
		if delErr := s.backend.DeleteObject(ctx, obj.ID); delErr != nil {
			s.logger.With(logging.ErrKey, delErr, "object_id", obj.ID).
				WarnContext(ctx, "failed to remove object of lost link race")
		}
		if errors.Is(err, ErrExists) {
			return nil, err
		}
		return nil, fmt.Errorf("storing sync link: %w", err)
	}

	s.Cache(obj)
	return obj, nil
}

func (s *Store) update(ctx context.Context, link *SyncLink, data map[string]any, hash string) (*Object, UpsertStatus, error) {
	now := s.now()
	obj, err := s.GetObject(ctx, link.ObjectID)
	if err == nil && !obj.UpdatedAt.Equal(link.LastSynced) {
		// The cached copy predates the link's last write, possibly made by
		// another replica.
		s.cache.Delete(link.ObjectID)
		obj, err = s.GetObject(ctx, link.ObjectID)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		// The link outlived its object; recreate it under the same id.
		s.logger.WarnContext(ctx, "sync link points to a missing object, recreating",
			"object_id", link.ObjectID, "source_id", link.SourceID)
		obj = &Object{ID: link.ObjectID, Schema: link.Schema, CreatedAt: now}
	case err != nil:
		return nil, "", fmt.Errorf("reading object: %w", err)
	case link.Hash == hash:
		return obj, UpsertUnchanged, nil
	}

	updated := *obj
	updated.Data = data
	updated.UpdatedAt = now
	if err := s.backend.PutObject(ctx, &updated); err != nil {
		return nil, "", fmt.Errorf("storing object: %w", err)
	}

	next := *link
	next.Hash = hash
	next.LastSynced = now
	if err := s.backend.PutLink(ctx, &next); err != nil {
		return nil, "", fmt.Errorf("storing sync link: %w", err)
	}

	s.Cache(&updated)
	return &updated, UpsertUpdated, nil
}

// Delete removes a link and its object and evicts the object from the side
// cache. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, link *SyncLink) error {
	if err := s.backend.DeleteObject(ctx, link.ObjectID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting object %s: %w", link.ObjectID, err)
	}
	s.cache.Delete(link.ObjectID)
	if err := s.backend.DeleteLink(ctx, link.Key()); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting sync link %s: %w", link.SourceID, err)
	}
	return nil
}

// Flush makes all previous writes durable.
func (s *Store) Flush(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

// contentHash hashes data in a key-order independent way.
func contentHash(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
