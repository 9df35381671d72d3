package checkpoint

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/diffengine/gitdiff"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/storage"
	"github.com/jcf-project/jcf/storage/memfs"
)

func newTestDeps(t *testing.T) (Deps, storage.Port) {
	t.Helper()
	s := memfs.New()
	return Deps{
		Storage: s,
		Blobs:   blobstore.New(s, nil, 0),
		Deltas:  deltastore.New(s, nil),
		Diff:    gitdiff.New(),
	}, s
}

func commit(t *testing.T, d Deps, m *model.Manifest, message string) (*model.Manifest, Result) {
	t.Helper()
	out, result, err := Run(context.Background(), d, m, "alice", message, time.Now().UTC())
	require.NoError(t, err)
	return out, result
}

func TestRunInitialTextAddStoresSnapshot(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("hello\n")))

	m := model.New("alice", "app", time.Now())
	out, result := commit(t, d, m, "v1")

	assert.Equal(t, []string{"a.txt"}, result.Changed)
	assert.Equal(t, result.Version.ID, out.Head())
	require.Contains(t, out.FileMap, "a.txt")
	assert.Equal(t, model.FileTypeText, out.FileMap["a.txt"].Type)

	state := result.Version.FileStates["a.txt"]
	assert.Equal(t, model.ChangeAdded, state.ChangeType)
	assert.True(t, deltastore.IsSnapshotRef(state.ContentRef), "first appearance is stored as its own snapshot")
	assert.Equal(t, result.Version.ID, deltastore.RefVersion(state.ContentRef))

	basis, hadBasis, err := d.Deltas.GetBasis(ctx, "a.txt")
	require.NoError(t, err)
	require.True(t, hadBasis)
	assert.Equal(t, []byte("hello\n"), basis)
}

func TestRunModifiedTextStoresReverseDelta(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	oldText := strings.Repeat("a fairly long line of prose to keep the patch small in proportion\n", 30)
	newText := oldText + "appended final line\n"
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte(oldText)))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	require.NoError(t, s.Write(ctx, "content/a.txt", []byte(newText)))
	m2, result := commit(t, d, m1, "v2")

	state := m2.VersionHistory[1].FileStates["a.txt"]
	assert.Equal(t, model.ChangeModified, state.ChangeType)
	assert.False(t, deltastore.IsSnapshotRef(state.ContentRef))
	assert.Equal(t, result.Version.ID, deltastore.RefVersion(state.ContentRef))

	// The stored patch must transform the new text back into the old.
	patch, err := d.Deltas.GetDelta(ctx, state.ContentRef)
	require.NoError(t, err)
	_, isFull := deltastore.DecodeFullText(patch)
	require.False(t, isFull, "a small edit to a large file stays a patch")
	old, err := d.Diff.Apply(newText, patch)
	require.NoError(t, err)
	assert.Equal(t, oldText, old)
}

func TestRunUnchangedWorkingCopyIsNoChanges(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("hello\n")))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	_, _, err := Run(ctx, d, m1, "alice", "noop", time.Now().UTC())
	assert.True(t, errs.KindIs(err, errs.NoChanges))
}

func TestRunUnchangedTextCarriesParentContentRef(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("stable\n")))
	require.NoError(t, s.Write(ctx, "content/b.txt", []byte("one\n")))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	require.NoError(t, s.Write(ctx, "content/b.txt", []byte("two\n")))
	m2, _ := commit(t, d, m1, "v2")

	v1State := m2.VersionHistory[0].FileStates["a.txt"]
	v2State := m2.VersionHistory[1].FileStates["a.txt"]
	assert.Equal(t, v1State.ContentRef, v2State.ContentRef, "unchanged file keeps its parent's ref")
	assert.Empty(t, v2State.ChangeType)
}

func TestRunBinaryAddStoresBlob(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	payload := append([]byte{0x89, 'P', 'N', 'G', 0}, []byte("binarybody")...)
	require.NoError(t, s.Write(ctx, "content/img/a.png", payload))

	m := model.New("alice", "app", time.Now())
	out, result := commit(t, d, m, "v1")

	state := result.Version.FileStates["img/a.png"]
	require.NotEmpty(t, state.Hash)
	assert.Equal(t, state.Hash, out.FileMap["img/a.png"].CurrentHash)
	assert.Equal(t, model.FileTypeBinary, out.FileMap["img/a.png"].Type)

	got, err := d.Blobs.Get(ctx, state.Hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRunDeleteWritesTombstoneAndDropsBasis(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("keep me\n")))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	require.NoError(t, s.Delete(ctx, "content/a.txt"))
	m2, result := commit(t, d, m1, "v2")

	state := result.Version.FileStates["a.txt"]
	assert.True(t, state.Deleted)
	assert.Equal(t, model.ChangeDeleted, state.ChangeType)
	require.NotEmpty(t, state.ContentRef)

	data, err := d.Deltas.GetDelta(ctx, state.ContentRef)
	require.NoError(t, err)
	full, isFull := deltastore.DecodeFullText(data)
	require.True(t, isFull, "deletion stores the last text as a full-text tombstone")
	assert.Equal(t, []byte("keep me\n"), full)

	_, hadBasis, err := d.Deltas.GetBasis(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, hadBasis)
	assert.NotContains(t, m2.FileMap, "a.txt")
}

func TestRunOversizedPatchStoresFullText(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	oldText := strings.Repeat("completely different original line\n", 40)
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte(oldText)))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("tiny\n")))
	_, result := commit(t, d, m1, "v2")

	state := result.Version.FileStates["a.txt"]
	data, err := d.Deltas.GetDelta(ctx, state.ContentRef)
	require.NoError(t, err)
	full, isFull := deltastore.DecodeFullText(data)
	require.True(t, isFull, "a patch larger than half the new size is replaced by the old full text")
	assert.Equal(t, []byte(oldText), full)
}

func TestRunSnapshotCadenceAddsSnapshotAlongsideDelta(t *testing.T) {
	d, s := newTestDeps(t)
	d.SnapshotInterval = 2
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("one\n")))
	m := model.New("alice", "app", time.Now())
	m1, _ := commit(t, d, m, "v1")

	require.NoError(t, s.Write(ctx, "content/a.txt", []byte("one\ntwo\n")))
	_, result := commit(t, d, m1, "v2")

	state := result.Version.FileStates["a.txt"]
	assert.False(t, deltastore.IsSnapshotRef(state.ContentRef), "cadence keeps the delta as the contentRef")

	has, err := d.Deltas.HasSnapshot(ctx, result.Version.ID, "a.txt")
	require.NoError(t, err)
	assert.True(t, has, "every k-th version additionally snapshots touched text files")
	snap, err := d.Deltas.GetSnapshot(ctx, deltastore.SnapshotKey(result.Version.ID, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one\ntwo\n"), snap)
}

func TestRunStampsPendingRenames(t *testing.T) {
	d, s := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "content/new.txt", []byte("data\n")))

	m := model.New("alice", "app", time.Now())
	m.FileMap["new.txt"] = model.FileEntry{InodeID: "inode-1", Type: model.FileTypeText}
	m.RenameLog = []model.RenameEntry{{InodeID: "inode-1", FromPath: "old.txt", ToPath: "new.txt", Timestamp: time.Now()}}
	require.NoError(t, d.Deltas.PutBasis(ctx, "new.txt", []byte("data\n")))

	out, result := commit(t, d, m, "rename")

	state := result.Version.FileStates["new.txt"]
	assert.Equal(t, model.ChangeRenamed, state.ChangeType)
	assert.Equal(t, "inode-1", state.InodeID)
	require.Len(t, out.RenameLog, 1)
	assert.Equal(t, result.Version.ID, out.RenameLog[0].VersionID)
}

func TestRunCancelledContext(t *testing.T) {
	d, s := newTestDeps(t)
	require.NoError(t, s.Write(context.Background(), "content/a.txt", []byte("x\n")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := model.New("alice", "app", time.Now())
	_, _, err := Run(ctx, d, m, "alice", "v1", time.Now().UTC())
	assert.True(t, errs.KindIs(err, errs.Cancelled))
}
