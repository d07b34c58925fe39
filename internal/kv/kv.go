// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package kv provides the small key-value surface used by the link store and
// the run lock, backed by a NATS JetStream KV bucket or an in-memory map.
package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrKeyNotFound is returned when a key has no value (or was deleted).
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned by Create when the key already holds a value.
	ErrKeyExists = errors.New("key already exists")
)

// Bucket is a key-value bucket.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Create stores value only if key is absent, returning ErrKeyExists
	// otherwise.
	Create(ctx context.Context, key string, value []byte) error
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists all live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type jetStreamBucket struct {
	kv jetstream.KeyValue
}

// NewJetStreamBucket adapts a JetStream KV bucket.
func NewJetStreamBucket(kv jetstream.KeyValue) Bucket {
	return &jetStreamBucket{kv: kv}
}

func (b *jetStreamBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (b *jetStreamBucket) Create(ctx context.Context, key string, value []byte) error {
	if _, err := b.kv.Create(ctx, key, value); err != nil {
		if isKeyExistsError(err) {
			return ErrKeyExists
		}
		return err
	}
	return nil
}

func (b *jetStreamBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b *jetStreamBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (b *jetStreamBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		_ = lister.Stop()
	}()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// isKeyExistsError reports whether a Create failed because the key is
// already present. Older servers report this as a last-sequence mismatch.
func isKeyExistsError(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) {
		if apiErr := jsErr.APIError(); apiErr != nil {
			return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
		}
	}
	errStr := err.Error()
	return strings.Contains(errStr, "err_code=10071") ||
		strings.Contains(errStr, "wrong last sequence") ||
		strings.Contains(errStr, "key exists")
}

// MemoryBucket is an in-process Bucket, used for dry runs and tests.
type MemoryBucket struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBucket creates an empty MemoryBucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{data: make(map[string][]byte)}
}

func (b *MemoryBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return ErrKeyExists
	}
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBucket) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *MemoryBucket) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (b *MemoryBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
