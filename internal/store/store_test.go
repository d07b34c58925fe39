// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woo-gateway/notubiz-sync-helper/internal/kv"
)

const (
	testSource = "https://commongateway.nl/source/notubiz.source.json"
	testSchema = "https://commongateway.nl/woo.publicatie.schema.json"
)

func key(id string) LinkKey {
	return LinkKey{Source: testSource, Schema: testSchema, SourceID: id}
}

func TestUpsertCreatesObjectAndLink(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	obj, status, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, status)
	assert.NotEmpty(t, obj.ID)
	assert.Equal(t, testSchema, obj.Schema)

	link, err := s.FindLinkBySource(ctx, key("42"))
	require.NoError(t, err)
	assert.Equal(t, obj.ID, link.ObjectID)
	assert.Equal(t, "42", link.SourceID)
	assert.NotEmpty(t, link.Hash)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	data := map[string]any{"titel": "a", "categorie": "c"}

	first, _, err := s.UpsertBySourceLink(ctx, key("42"), data)
	require.NoError(t, err)
	second, status, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"categorie": "c", "titel": "a"})
	require.NoError(t, err)

	assert.Equal(t, UpsertUnchanged, status)
	assert.Equal(t, first.ID, second.ID)

	links, err := s.ListLinks(ctx, testSource, testSchema)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	first, _, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	second, status, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "b"})
	require.NoError(t, err)

	assert.Equal(t, UpsertUpdated, status)
	assert.Equal(t, first.ID, second.ID)

	stored, err := s.backend.GetObject(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", stored.Data["titel"])
	assert.True(t, first.CreatedAt.Equal(stored.CreatedAt))
}

func TestUpsertUnchangedRereadsObjectWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	replicaA := New(backend)
	replicaA.now = func() time.Time { return t0 }
	replicaB := New(backend)
	replicaB.now = func() time.Time { return t0.Add(time.Minute) }

	v1 := map[string]any{"titel": "v1", "bijlagen": []any{"old.pdf"}}
	v2 := map[string]any{"titel": "v2", "bijlagen": []any{"new.pdf"}}

	_, _, err := replicaA.UpsertBySourceLink(ctx, key("42"), v1)
	require.NoError(t, err)
	_, status, err := replicaB.UpsertBySourceLink(ctx, key("42"), v2)
	require.NoError(t, err)
	require.Equal(t, UpsertUpdated, status)

	obj, status, err := replicaA.UpsertBySourceLink(ctx, key("42"), v2)
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, status)
	assert.Equal(t, "v2", obj.Data["titel"])
	assert.Equal(t, []any{"new.pdf"}, obj.Data["bijlagen"])

	cached, err := replicaA.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", cached.Data["titel"])
}

func TestUpsertRecreatesMissingObject(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend)

	obj, _, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	require.NoError(t, backend.DeleteObject(ctx, obj.ID))
	s.cache.Flush()

	again, status, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, status)
	assert.Equal(t, obj.ID, again.ID)
}

// racingBackend makes the first CreateLink lose against a concurrent writer.
type racingBackend struct {
	*KVBackend
	once sync.Once
}

func (b *racingBackend) CreateLink(ctx context.Context, link *SyncLink) error {
	raced := false
	b.once.Do(func() {
		raced = true
		winner := *link
		winner.ObjectID = "winner"
		winner.Hash = ""
		_ = b.KVBackend.PutObject(ctx, &Object{ID: "winner", Schema: link.Schema, Data: map[string]any{}})
		_ = b.KVBackend.CreateLink(ctx, &winner)
	})
	if raced {
		return ErrExists
	}
	return b.KVBackend.CreateLink(ctx, link)
}

func TestUpsertLostCreateRaceUpdatesWinner(t *testing.T) {
	ctx := context.Background()
	backend := &racingBackend{KVBackend: NewMemoryBackend()}
	s := New(backend)

	obj, status, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, status)
	assert.Equal(t, "winner", obj.ID)

	// The loser's object was cleaned up.
	assert.Equal(t, 1, backend.objects.(*kv.MemoryBucket).Len())
}

func TestDeleteRemovesObjectAndLink(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	obj, _, err := s.UpsertBySourceLink(ctx, key("42"), map[string]any{"titel": "a"})
	require.NoError(t, err)
	link, err := s.FindLinkBySource(ctx, key("42"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, link))

	_, err = s.GetObject(ctx, obj.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindLinkBySource(ctx, key("42"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is harmless.
	require.NoError(t, s.Delete(ctx, link))
}

func TestListLinksIsScoped(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	for _, id := range []string{"1", "2", "3"} {
		_, _, err := s.UpsertBySourceLink(ctx, key(id), map[string]any{"id": id})
		require.NoError(t, err)
	}
	other := LinkKey{Source: testSource, Schema: "other-schema", SourceID: "1"}
	_, _, err := s.UpsertBySourceLink(ctx, other, map[string]any{"id": "1"})
	require.NoError(t, err)

	links, err := s.ListLinks(ctx, testSource, testSchema)
	require.NoError(t, err)
	require.Len(t, links, 3)
	for _, link := range links {
		assert.Equal(t, testSchema, link.Schema)
	}
}

type flushCounter struct {
	calls int
	err   error
}

func (f *flushCounter) FlushWithContext(context.Context) error {
	f.calls++
	return f.err
}

func TestFlushUsesFlusher(t *testing.T) {
	flusher := &flushCounter{}
	s := New(NewKVBackend(kv.NewMemoryBucket(), kv.NewMemoryBucket(), CodecMsgpack, flusher))

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, flusher.calls)

	flusher.err = errors.New("connection closed")
	assert.Error(t, s.Flush(context.Background()))
}

func TestMsgpackBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(NewKVBackend(kv.NewMemoryBucket(), kv.NewMemoryBucket(), CodecMsgpack, nil))

	obj, _, err := s.UpsertBySourceLink(ctx, key("7"), map[string]any{"titel": "msgpack"})
	require.NoError(t, err)
	s.cache.Flush()

	stored, err := s.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", stored.Data["titel"])
}

func TestKeyToken(t *testing.T) {
	assert.Equal(t, "42", keyToken("42"))
	assert.Equal(t, "abc-DEF_1", keyToken("abc-DEF_1"))

	hashed := keyToken(testSource)
	assert.NotContains(t, hashed, ".")
	assert.NotContains(t, hashed, "/")
	assert.Greater(t, len(hashed), 60)
	assert.Equal(t, hashed, keyToken(testSource))

	assert.NotEqual(t, keyToken("a.b"), keyToken("a_b"))
	assert.Greater(t, len(keyToken(strings.Repeat("a", 61))), 61)
}

func TestLinkKeysShareScopePrefix(t *testing.T) {
	k := linkKey(key("42"))
	assert.True(t, strings.HasPrefix(k, linkPrefix(testSource, testSchema)))
	assert.False(t, strings.HasPrefix(objectKey("x"), linkKeyPrefix))
}
