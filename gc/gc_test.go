package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/storage"
	"github.com/jcf-project/jcf/storage/memfs"
)

func newTestDeps(t *testing.T, grace time.Duration) (Deps, storage.Port) {
	t.Helper()
	s := memfs.New()
	marks, err := kvindex.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = marks.Close() })
	return Deps{
		Storage: s,
		Blobs:   blobstore.New(s, nil, 0),
		Deltas:  deltastore.New(s, nil),
		Marks:   marks,
		Grace:   grace,
	}, s
}

func TestMarkMarksReachableBlobsAndDeltas(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()

	hash, err := d.Blobs.Put(ctx, []byte("live"))
	require.NoError(t, err)
	deltaKey, err := d.Deltas.PutDelta(ctx, "v2", "content/a.txt", []byte("patch"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	m.VersionHistory = []model.Version{{
		ID: "v2",
		FileStates: map[string]model.FileState{
			"content/a.txt": {Hash: hash, ContentRef: deltaKey},
		},
	}}

	marked, err := Mark(ctx, d, m)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	ok, err := d.Marks.IsMarked(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Marks.IsMarked(ctx, deltaKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkMarksBasesUnconditionally(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()
	require.NoError(t, d.Deltas.PutBasis(ctx, "content/a.txt", []byte("current")))

	m := model.New("alice", "app", time.Now())
	_, err := Mark(ctx, d, m)
	require.NoError(t, err)

	bases, err := d.Deltas.ListBasis(ctx)
	require.NoError(t, err)
	require.Len(t, bases, 1)

	ok, err := d.Marks.IsMarked(ctx, bases[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFindUnreachableReturnsUnmarkedBlobs(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()
	live, err := d.Blobs.Put(ctx, []byte("live"))
	require.NoError(t, err)
	orphan, err := d.Blobs.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	require.NoError(t, d.Marks.MarkUsed(ctx, live))

	unreachable, err := FindUnreachable(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, unreachable)
}

func TestSweepDeletesByKeyKind(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()
	blobHash, err := d.Blobs.Put(ctx, []byte("x"))
	require.NoError(t, err)
	deltaKey, err := d.Deltas.PutDelta(ctx, "v2", "content/a.txt", []byte("patch"))
	require.NoError(t, err)
	snapKey, err := d.Deltas.PutSnapshot(ctx, "v1", "content/b.txt", []byte("text"))
	require.NoError(t, err)

	deleted, freed, err := Sweep(ctx, d, []string{blobHash, deltaKey, snapKey})
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.ElementsMatch(t, []string{blobHash, deltaKey, snapKey}, deleted)

	ok, _ := d.Blobs.Has(ctx, blobHash)
	assert.False(t, ok)
	ok, _ = d.Deltas.HasDelta(ctx, deltaKey)
	assert.False(t, ok)
}

func TestRunDoesNotDeleteWithinGraceWindow(t *testing.T) {
	d, _ := newTestDeps(t, time.Hour)
	ctx := context.Background()
	orphan, err := d.Blobs.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	report, err := Run(ctx, d, m, time.Now())
	require.NoError(t, err)

	assert.Contains(t, report.Unreachable, orphan)
	assert.Empty(t, report.Deleted)

	ok, err := d.Blobs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, ok, "blob must survive within the grace window")
}

func TestRunDeletesAfterGraceElapsesAcrossTwoPasses(t *testing.T) {
	d, _ := newTestDeps(t, time.Hour)
	ctx := context.Background()
	orphan, err := d.Blobs.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	t0 := time.Now()

	_, err = Run(ctx, d, m, t0)
	require.NoError(t, err)

	report, err := Run(ctx, d, m, t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Contains(t, report.Deleted, orphan)
	ok, err := d.Blobs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunReclaimsFinallyDeletedInode(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()
	hash, err := d.Blobs.Put(ctx, []byte("deleted binary content"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	m.VersionHistory = []model.Version{
		{ID: "v1", FileStates: map[string]model.FileState{
			"tmp.bin": {InodeID: "i1", Hash: hash},
		}},
		{ID: "v2", ParentID: "v1", FileStates: map[string]model.FileState{
			"tmp.bin": {InodeID: "i1", Deleted: true},
		}},
	}
	m.Refs[model.HeadRef] = "v2"

	report, err := Run(ctx, d, m, time.Now())
	require.NoError(t, err)
	assert.Contains(t, report.Deleted, hash, "a finally-deleted inode's blob is collectible")

	ok, err := d.Blobs.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	d.DryRun = true
	ctx := context.Background()
	orphan, err := d.Blobs.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	report, err := Run(ctx, d, m, time.Now())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Contains(t, report.Deleted, orphan, "dry run reports what it would delete")
	ok, err := d.Blobs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, ok, "dry run must not delete")
}

func TestRunNeverDeletesReachableBlob(t *testing.T) {
	d, _ := newTestDeps(t, 0)
	ctx := context.Background()
	hash, err := d.Blobs.Put(ctx, []byte("live"))
	require.NoError(t, err)

	m := model.New("alice", "app", time.Now())
	m.FileMap["a.txt"] = model.FileEntry{InodeID: "i1", CurrentHash: hash}

	report, err := Run(ctx, d, m, time.Now().Add(48*time.Hour))
	require.NoError(t, err)

	assert.NotContains(t, report.Unreachable, hash)
	ok, err := d.Blobs.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}
