package memfs

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcf-project/jcf/errs"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "a.txt", []byte("hello")))

	got, err := s.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Read(context.Background(), "missing")
	assert.True(t, errs.KindIs(err, errs.NotFound))
}

func TestReadReturnsIndependentCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a.txt", []byte("hello")))

	got, err := s.Read(ctx, "a.txt")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), again)
}

func TestExistsAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a.txt", []byte("x")))

	ok, err := s.Exists(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a.txt"))

	ok, err = s.Exists(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteOfMissingIsNoop(t *testing.T) {
	s := New()
	assert.NoError(t, s.Delete(context.Background(), "nope"))
}

func TestListFiltersByPrefixAndSorts(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, name := range []string{"content/b.txt", "content/a.txt", "manifest.json"} {
		require.NoError(t, s.Write(ctx, name, []byte("x")))
	}

	names, err := s.List(ctx, "content/")
	require.NoError(t, err)
	assert.Equal(t, []string{"content/a.txt", "content/b.txt"}, names)
}

func TestSize(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a.txt", []byte("hello")))

	sz, err := s.Size(ctx, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, sz)

	_, err = s.Size(ctx, "missing")
	assert.True(t, errs.KindIs(err, errs.NotFound))
}

func TestRenameMovesEntry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "from.txt", []byte("x")))

	require.NoError(t, s.Rename(ctx, "from.txt", "to.txt"))

	ok, _ := s.Exists(ctx, "from.txt")
	assert.False(t, ok)
	got, err := s.Read(ctx, "to.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestRenameRejectsMissingSource(t *testing.T) {
	s := New()
	err := s.Rename(context.Background(), "nope.txt", "to.txt")
	assert.True(t, errs.KindIs(err, errs.NotFound))
}

func TestRenameRejectsExistingDestination(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "from.txt", []byte("x")))
	require.NoError(t, s.Write(ctx, "to.txt", []byte("y")))

	err := s.Rename(ctx, "from.txt", "to.txt")
	assert.True(t, errs.KindIs(err, errs.AlreadyExists))

	// The source must remain untouched after a rejected rename.
	got, rerr := s.Read(ctx, "from.txt")
	require.NoError(t, rerr)
	assert.Equal(t, []byte("x"), got)
}

func TestOpenReadStreamsCurrentContent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a.txt", []byte("streamed")))

	rc, err := s.OpenRead(ctx, "a.txt")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("streamed"), data)
}

func TestOpenWriteCommitsOnClose(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.OpenWrite(ctx, "a.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("part1"))
	require.NoError(t, err)
	_, err = w.Write([]byte("part2"))
	require.NoError(t, err)

	// Not visible until Close commits the buffered write.
	ok, _ := s.Exists(ctx, "a.txt")
	assert.False(t, ok)

	require.NoError(t, w.Close())

	got, err := s.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("part1part2"), got)
}

func TestConcurrentWritesAreSafe(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 50

	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_ = s.Write(ctx, "shared", []byte{byte(i)})
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	_, err := s.Read(ctx, "shared")
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	s := New()
	assert.NoError(t, s.Close())
}
