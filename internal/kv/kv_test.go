// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBucketCreate(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBucket()

	require.NoError(t, b.Create(ctx, "a", []byte("1")))
	assert.ErrorIs(t, b.Create(ctx, "a", []byte("2")), ErrKeyExists)

	value, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
}

func TestMemoryBucketGetMissing(t *testing.T) {
	_, err := NewMemoryBucket().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryBucketKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBucket()
	for _, key := range []string{"link.a.2", "link.a.1", "link.b.1", "object.x"} {
		require.NoError(t, b.Put(ctx, key, []byte("v")))
	}

	keys, err := b.Keys(ctx, "link.a.")
	require.NoError(t, err)
	assert.Equal(t, []string{"link.a.1", "link.a.2"}, keys)

	require.NoError(t, b.Delete(ctx, "link.a.1"))
	require.NoError(t, b.Delete(ctx, "never-existed"))
	keys, err = b.Keys(ctx, "link.")
	require.NoError(t, err)
	assert.Equal(t, []string{"link.a.2", "link.b.1"}, keys)
	assert.Equal(t, 3, b.Len())
}

func TestMemoryBucketCopiesValues(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBucket()
	value := []byte("abc")
	require.NoError(t, b.Put(ctx, "k", value))
	value[0] = 'z'

	stored, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(stored))
}
