// Package deltastore stores reverse text patches keyed by
// <childVersionId>_<pathKey>.patch, plus optional full-text snapshots
// and the per-path diff-basis cache.
package deltastore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/jcf-project/jcf/cachelru"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage"
)

const (
	deltaPrefix    = ".store/deltas/"
	snapshotPrefix = ".store/snapshots/"
	basisPrefix    = ".store/basis/"
	pathKeyLen     = 16 // hex chars, i.e. 8 bytes of sha256(path)
)

// Store manages reverse-patch and snapshot entries.
type Store struct {
	s     storage.Port
	cache *cachelru.ByteBounded
}

// New creates a Store. cache may be nil to disable the hot-delta LRU.
func New(s storage.Port, cache *cachelru.ByteBounded) *Store {
	return &Store{s: s, cache: cache}
}

// PathKey derives the stable, path-shaped-character-free key used in
// delta/snapshot entry names.
func PathKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:pathKeyLen]
}

func deltaName(childVersionID, pathKey string) string {
	return deltaPrefix + childVersionID + "_" + pathKey + ".patch"
}

func snapshotName(versionID, pathKey string) string {
	return snapshotPrefix + versionID + "/" + pathKey
}

// RefVersion extracts the versionId a contentRef key belongs to, for both
// delta and snapshot refs. Restore uses this to tell a ref created by a
// version's own checkpoint apart from one carried forward unchanged from
// an older version — only the former moves text across that version's
// edge of the chain.
func RefVersion(ref string) string {
	switch {
	case strings.HasPrefix(ref, deltaPrefix):
		rest := ref[len(deltaPrefix):]
		if i := strings.IndexByte(rest, '_'); i > 0 {
			return rest[:i]
		}
	case strings.HasPrefix(ref, snapshotPrefix):
		rest := ref[len(snapshotPrefix):]
		if i := strings.IndexByte(rest, '/'); i > 0 {
			return rest[:i]
		}
	}
	return ""
}

// IsSnapshotRef reports whether ref names a full-text snapshot entry
// rather than a patch.
func IsSnapshotRef(ref string) bool {
	return strings.HasPrefix(ref, snapshotPrefix)
}

// fullTextHeader marks a delta-slot entry that holds a full text instead
// of a patch: the previous version's complete content, written when a
// patch would have exceeded half the new file's size, or as a tombstone
// preserving a deleted file's last text. Patches are JSON objects, so the
// header can never collide with one.
const fullTextHeader = "fulltext\n"

// EncodeFullText wraps text so it can live in a delta slot.
func EncodeFullText(text []byte) []byte {
	out := make([]byte, 0, len(fullTextHeader)+len(text))
	out = append(out, fullTextHeader...)
	return append(out, text...)
}

// DecodeFullText unwraps a full-text delta entry, reporting false when
// the bytes are an ordinary patch.
func DecodeFullText(data []byte) ([]byte, bool) {
	if !bytes.HasPrefix(data, []byte(fullTextHeader)) {
		return nil, false
	}
	return data[len(fullTextHeader):], true
}

// PutDelta stores a reverse patch for path, keyed by the version whose
// FileState.contentRef names it — the version doing the checkpoint,
// since its patch moves toward the parent.
func (d *Store) PutDelta(ctx context.Context, childVersionID, path string, patch []byte) (string, error) {
	key := deltaName(childVersionID, PathKey(path))
	if err := d.s.Write(ctx, key, patch); err != nil {
		return "", errs.Wrap(errs.IO, err, "write delta")
	}
	if d.cache != nil {
		d.cache.Put(key, patch)
	}
	return key, nil
}

// GetDelta reads a delta by its full contentRef key (as stored in
// FileState.ContentRef).
func (d *Store) GetDelta(ctx context.Context, key string) ([]byte, error) {
	if d.cache != nil {
		if v, ok := d.cache.Get(key); ok {
			return v, nil
		}
	}
	data, err := d.s.Read(ctx, key)
	if err != nil {
		if errs.KindIs(err, errs.NotFound) {
			return nil, errs.New(errs.MissingDelta).WithPath(key)
		}
		return nil, errs.Wrap(errs.IO, err, "read delta")
	}
	if d.cache != nil {
		d.cache.Put(key, data)
	}
	return data, nil
}

// HasDelta reports whether a delta key exists.
func (d *Store) HasDelta(ctx context.Context, key string) (bool, error) {
	ok, err := d.s.Exists(ctx, key)
	if err != nil {
		return false, errs.Wrap(errs.IO, err, "check delta existence")
	}
	return ok, nil
}

// DeleteDelta removes a delta entry (GC sweep only).
func (d *Store) DeleteDelta(ctx context.Context, key string) error {
	if d.cache != nil {
		d.cache.Remove(key)
	}
	return d.s.Delete(ctx, key)
}

// ListDeltas returns every delta entry name currently stored.
func (d *Store) ListDeltas(ctx context.Context) ([]string, error) {
	names, err := d.s.List(ctx, deltaPrefix)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "list deltas")
	}
	return names, nil
}

// PutSnapshot stores a full text snapshot for (versionID, path).
func (d *Store) PutSnapshot(ctx context.Context, versionID, path string, text []byte) (string, error) {
	key := snapshotName(versionID, PathKey(path))
	if err := d.s.Write(ctx, key, text); err != nil {
		return "", errs.Wrap(errs.IO, err, "write snapshot")
	}
	return key, nil
}

// GetSnapshot reads a full text snapshot by its key.
func (d *Store) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	data, err := d.s.Read(ctx, key)
	if err != nil {
		if errs.KindIs(err, errs.NotFound) {
			return nil, errs.New(errs.NotFound).WithPath(key)
		}
		return nil, errs.Wrap(errs.IO, err, "read snapshot")
	}
	return data, nil
}

// HasSnapshot reports whether a snapshot exists for (versionID, path).
func (d *Store) HasSnapshot(ctx context.Context, versionID, path string) (bool, error) {
	return d.s.Exists(ctx, snapshotName(versionID, PathKey(path)))
}

// SnapshotKey returns the entry name a snapshot for (versionID, path)
// would use, without requiring it to exist.
func SnapshotKey(versionID, path string) string {
	return snapshotName(versionID, PathKey(path))
}

// basisName is a per-path cache of the most recently committed full text,
// used only as the diff basis for the *next* checkpoint — checkpoint
// needs the pre-edit text to compute a reverse patch against, but the
// content/ working copy is mutated in place as soon as an edit lands, so
// there is nowhere else left to read it from once the edit has happened.
// It carries no version identity of its own; runGC's mark phase always
// marks it live for every currently-tracked text path.
func basisName(pathKey string) string {
	return basisPrefix + pathKey
}

// BasisKey returns the entry name path's diff basis lives under, for
// callers (the checkpoint journal) that snapshot it before overwriting.
func BasisKey(path string) string {
	return basisName(PathKey(path))
}

// PutBasis records path's current full text as the next checkpoint's diff
// basis.
func (d *Store) PutBasis(ctx context.Context, path string, text []byte) error {
	if err := d.s.Write(ctx, basisName(PathKey(path)), text); err != nil {
		return errs.Wrap(errs.IO, err, "write delta basis")
	}
	return nil
}

// GetBasis reads path's diff basis, or (nil, false, nil) if none is
// recorded yet (the file's first checkpoint).
func (d *Store) GetBasis(ctx context.Context, path string) ([]byte, bool, error) {
	key := basisName(PathKey(path))
	exists, err := d.s.Exists(ctx, key)
	if err != nil {
		return nil, false, errs.Wrap(errs.IO, err, "check delta basis existence")
	}
	if !exists {
		return nil, false, nil
	}
	data, err := d.s.Read(ctx, key)
	if err != nil {
		return nil, false, errs.Wrap(errs.IO, err, "read delta basis")
	}
	return data, true, nil
}

// DeleteBasis removes path's diff basis (called when a checkpoint records
// the path as deleted, and by restore for paths absent at the target;
// renames relocate the basis with MoveBasis instead).
func (d *Store) DeleteBasis(ctx context.Context, path string) error {
	return d.s.Delete(ctx, basisName(PathKey(path)))
}

// MoveBasis relocates a basis entry when its path is renamed, so the next
// checkpoint still finds the pre-edit text under the new path's key. A
// missing source basis (file never checkpointed) is not an error.
func (d *Store) MoveBasis(ctx context.Context, fromPath, toPath string) error {
	from := basisName(PathKey(fromPath))
	exists, err := d.s.Exists(ctx, from)
	if err != nil {
		return errs.Wrap(errs.IO, err, "check basis existence")
	}
	if !exists {
		return nil
	}
	to := basisName(PathKey(toPath))
	if err := d.s.Delete(ctx, to); err != nil {
		return errs.Wrap(errs.IO, err, "clear destination basis")
	}
	if err := d.s.Rename(ctx, from, to); err != nil {
		return errs.Wrap(errs.IO, err, "move basis")
	}
	return nil
}

// ListBasis returns every diff-basis entry name currently stored, used by
// runGC to keep them all marked live regardless of history reachability.
func (d *Store) ListBasis(ctx context.Context) ([]string, error) {
	names, err := d.s.List(ctx, basisPrefix)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "list delta bases")
	}
	return names, nil
}

// ListSnapshots returns every snapshot entry name currently stored.
func (d *Store) ListSnapshots(ctx context.Context) ([]string, error) {
	names, err := d.s.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "list snapshots")
	}
	return names, nil
}

// DeleteSnapshot removes a snapshot entry (GC sweep only).
func (d *Store) DeleteSnapshot(ctx context.Context, key string) error {
	return d.s.Delete(ctx, key)
}
