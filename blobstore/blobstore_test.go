package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcf-project/jcf/cachelru"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage/memfs"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutAddressesByContentHash(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	ctx := context.Background()

	data := []byte("hello world")
	hash, err := st.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hashOf(data), hash)
}

func TestPutIsIdempotentOnDuplicateContent(t *testing.T) {
	s := memfs.New()
	st := New(s, nil, 0)
	ctx := context.Background()
	data := []byte("same content")

	h1, err := st.Put(ctx, data)
	require.NoError(t, err)
	h2, err := st.Put(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	names, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestGetRoundTrip(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	ctx := context.Background()
	data := []byte("round trip me")

	hash, err := st.Put(ctx, data)
	require.NoError(t, err)

	got, err := st.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetRejectsMalformedHash(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	_, err := st.Get(context.Background(), "not-a-hash")
	assert.True(t, errs.KindIs(err, errs.InvalidHash))
}

func TestGetMissingReturnsMissingBlob(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	_, err := st.Get(context.Background(), hashOf([]byte("never stored")))
	assert.True(t, errs.KindIs(err, errs.MissingBlob))
}

func TestGetDetectsCorruption(t *testing.T) {
	s := memfs.New()
	st := New(s, nil, 0)
	ctx := context.Background()
	data := []byte("original")

	hash, err := st.Put(ctx, data)
	require.NoError(t, err)

	// Tamper with the stored bytes directly, bypassing the Store's API.
	require.NoError(t, s.Write(ctx, blobPrefix+hash, []byte("tampered")))

	_, err = st.Get(ctx, hash)
	assert.True(t, errs.KindIs(err, errs.BlobCorruption))
}

func TestGetUsesCacheWhenPresent(t *testing.T) {
	s := memfs.New()
	cache := cachelru.New(1<<20, 8)
	st := New(s, cache, 0)
	ctx := context.Background()
	data := []byte("cached content")

	hash, err := st.Put(ctx, data)
	require.NoError(t, err)

	_, err = st.Get(ctx, hash)
	require.NoError(t, err)

	// Removing the backing entry must not affect a cached read.
	require.NoError(t, s.Delete(ctx, blobPrefix+hash))
	got, err := st.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutStreamRejectsOversizedBySizeHint(t *testing.T) {
	st := New(memfs.New(), nil, 10)
	_, err := st.PutStream(context.Background(), bytes.NewReader(make([]byte, 100)), 100)
	assert.True(t, errs.KindIs(err, errs.BlobTooLarge))
}

func TestPutStreamRejectsOversizedWithUnknownSizeHint(t *testing.T) {
	st := New(memfs.New(), nil, 10)
	_, err := st.PutStream(context.Background(), bytes.NewReader(make([]byte, 100)), -1)
	assert.True(t, errs.KindIs(err, errs.BlobTooLarge))
}

func TestHasAndDeleteAndSize(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	ctx := context.Background()
	data := []byte("sized content")

	hash, err := st.Put(ctx, data)
	require.NoError(t, err)

	ok, err := st.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	sz, err := st.Size(ctx, hash)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), sz)

	require.NoError(t, st.Delete(ctx, hash))

	ok, err = st.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListReturnsBareHashes(t *testing.T) {
	st := New(memfs.New(), nil, 0)
	ctx := context.Background()
	h1, err := st.Put(ctx, []byte("a"))
	require.NoError(t, err)
	h2, err := st.Put(ctx, []byte("b"))
	require.NoError(t, err)

	names, err := st.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h1, h2}, names)
}
