// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/woo-gateway/notubiz-sync-helper/internal/kv"
)

// Flusher flushes buffered writes to the server, e.g. *nats.Conn.
type Flusher interface {
	FlushWithContext(ctx context.Context) error
}

// KVBackend stores links and objects in two key-value buckets.
type KVBackend struct {
	links   kv.Bucket
	objects kv.Bucket
	codec   Codec
	flusher Flusher
}

// NewKVBackend creates a backend over the given buckets. flusher may be nil.
func NewKVBackend(links, objects kv.Bucket, codec Codec, flusher Flusher) *KVBackend {
	return &KVBackend{links: links, objects: objects, codec: codec, flusher: flusher}
}

// NewMemoryBackend creates a KVBackend over in-memory buckets.
func NewMemoryBackend() *KVBackend {
	return NewKVBackend(kv.NewMemoryBucket(), kv.NewMemoryBucket(), CodecJSON, nil)
}

func (b *KVBackend) GetLink(ctx context.Context, key LinkKey) (*SyncLink, error) {
	var link SyncLink
	if err := b.get(ctx, b.links, linkKey(key), &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (b *KVBackend) CreateLink(ctx context.Context, link *SyncLink) error {
	data, err := b.codec.Marshal(link)
	if err != nil {
		return err
	}
	if err := b.links.Create(ctx, linkKey(link.Key()), data); err != nil {
		if errors.Is(err, kv.ErrKeyExists) {
			return ErrExists
		}
		return err
	}
	return nil
}

func (b *KVBackend) PutLink(ctx context.Context, link *SyncLink) error {
	return b.put(ctx, b.links, linkKey(link.Key()), link)
}

func (b *KVBackend) DeleteLink(ctx context.Context, key LinkKey) error {
	return b.links.Delete(ctx, linkKey(key))
}

func (b *KVBackend) ListLinks(ctx context.Context, source, schema string) ([]*SyncLink, error) {
	keys, err := b.links.Keys(ctx, linkPrefix(source, schema))
	if err != nil {
		return nil, fmt.Errorf("listing sync links: %w", err)
	}
	links := make([]*SyncLink, 0, len(keys))
	for _, key := range keys {
		var link SyncLink
		if err := b.get(ctx, b.links, key, &link); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Deleted between listing and reading.
				continue
			}
			return nil, err
		}
		links = append(links, &link)
	}
	return links, nil
}

func (b *KVBackend) GetObject(ctx context.Context, id string) (*Object, error) {
	var obj Object
	if err := b.get(ctx, b.objects, objectKey(id), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (b *KVBackend) PutObject(ctx context.Context, obj *Object) error {
	return b.put(ctx, b.objects, objectKey(obj.ID), obj)
}

func (b *KVBackend) DeleteObject(ctx context.Context, id string) error {
	return b.objects.Delete(ctx, objectKey(id))
}

func (b *KVBackend) Flush(ctx context.Context) error {
	if b.flusher == nil {
		return nil
	}
	return b.flusher.FlushWithContext(ctx)
}

func (b *KVBackend) get(ctx context.Context, bucket kv.Bucket, key string, v any) error {
	data, err := bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (b *KVBackend) put(ctx context.Context, bucket kv.Bucket, key string, v any) error {
	data, err := b.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := bucket.Put(ctx, key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
