// Package checkpoint implements the checkpoint pipeline: scan the
// content tree, detect renames, synthesize reverse text deltas and
// content-addressed binary blobs, and commit a new immutable Version.
package checkpoint

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/diffengine"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/normalize"
	"github.com/jcf-project/jcf/storage"
)

const contentPrefix = "content/"

// DefaultSnapshotInterval is the snapshot cadence: every k-th version
// additionally gets full-text snapshots of its touched text files,
// bounding worst-case restore replay depth.
const DefaultSnapshotInterval = 50

// Deps bundles the collaborators a checkpoint needs. Diff is the only one
// with a swappable implementation; the rest are concrete stores bound to
// the same storage port.
type Deps struct {
	Storage          storage.Port
	Blobs            *blobstore.Store
	Deltas           *deltastore.Store
	Diff             diffengine.Engine
	Inodes           *kvindex.Index
	SnapshotInterval int
}

// Journal records the side writes one checkpoint made before its manifest
// swap, so a failure at any later point can put the container back
// byte-identical to its pre-operation state. Created entries are deleted;
// replaced entries (diff bases) get their previous bytes written back.
type Journal struct {
	storage  storage.Port
	created  []string
	replaced map[string][]byte // previous bytes; nil value means "did not exist"
}

func newJournal(s storage.Port) *Journal {
	return &Journal{storage: s, replaced: map[string][]byte{}}
}

func (j *Journal) recordCreate(name string) {
	j.created = append(j.created, name)
}

// recordReplace captures name's current bytes once, before the first
// overwrite this checkpoint performs on it.
func (j *Journal) recordReplace(ctx context.Context, name string) error {
	if _, seen := j.replaced[name]; seen {
		return nil
	}
	exists, err := j.storage.Exists(ctx, name)
	if err != nil {
		return errs.Wrap(errs.IO, err, "journal existence check for %s", name)
	}
	if !exists {
		j.replaced[name] = nil
		return nil
	}
	data, err := j.storage.Read(ctx, name)
	if err != nil {
		return errs.Wrap(errs.IO, err, "journal snapshot of %s", name)
	}
	j.replaced[name] = data
	return nil
}

// Rollback undoes every side write, best-effort: rollback runs on a path
// that is already failing, so it reports the first error but attempts
// every entry regardless.
func (j *Journal) Rollback(ctx context.Context) error {
	var firstErr error
	for _, name := range j.created {
		if err := j.storage.Delete(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for name, prev := range j.replaced {
		var err error
		if prev == nil {
			err = j.storage.Delete(ctx, name)
		} else {
			err = j.storage.Write(ctx, name, prev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Result is what a successful checkpoint produces.
type Result struct {
	Version model.Version
	Changed []string // paths touched by this checkpoint, for caller logging
	Journal *Journal // side-write journal; callers roll it back if the manifest swap fails
}

// Run scans content/**, diffs it against m's current fileMap, and returns
// the new Version plus the updated Manifest. m is not mutated; the caller
// commits the returned manifest via manifeststore.Save, rolling back
// Result.Journal if that commit fails. On an internal error Run has
// already rolled its own side writes back. ctx cancellation is honored
// between per-file steps.
func Run(ctx context.Context, d Deps, m *model.Manifest, author, message string, now time.Time) (*model.Manifest, Result, error) {
	journal := newJournal(d.Storage)
	out, result, err := run(ctx, d, m, author, message, now, journal)
	if err != nil {
		_ = journal.Rollback(ctx)
		return nil, Result{}, err
	}
	result.Journal = journal
	return out, result, nil
}

func run(ctx context.Context, d Deps, m *model.Manifest, author, message string, now time.Time, journal *Journal) (*model.Manifest, Result, error) {
	names, err := d.Storage.List(ctx, contentPrefix)
	if err != nil {
		return nil, Result{}, errs.Wrap(errs.IO, err, "list content tree")
	}
	sort.Strings(names)

	liveContent := make(map[string][]byte, len(names))
	livePaths := make([]string, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, Result{}, errs.Wrap(errs.Cancelled, err, "checkpoint scan")
		}
		data, err := d.Storage.Read(ctx, name)
		if err != nil {
			return nil, Result{}, errs.Wrap(errs.IO, err, "read content entry %s", name)
		}
		path := name[len(contentPrefix):]
		liveContent[path] = data
		livePaths = append(livePaths, path)
	}

	renames := pendingRenames(m.RenameLog)
	headStates := map[string]model.FileState{}
	if head, ok := m.VersionByID(m.Head()); ok {
		headStates = head.FileStates
	}

	newFileMap := make(map[string]model.FileEntry, len(liveContent))
	states := make(map[string]model.FileState, len(liveContent)+len(m.FileMap))
	var changed []string

	versionID := uuid.NewString()
	snapshotInterval := d.SnapshotInterval
	if snapshotInterval <= 0 {
		snapshotInterval = DefaultSnapshotInterval
	}
	takeSnapshot := (len(m.VersionHistory)+1)%snapshotInterval == 0

	for _, path := range livePaths {
		if err := ctx.Err(); err != nil {
			return nil, Result{}, errs.Wrap(errs.Cancelled, err, "checkpoint")
		}
		data := liveContent[path]

		// rename.MoveFile already relocated fileMap's entry for a renamed
		// path before this checkpoint ever ran, preserving its inodeId, so
		// m.FileMap[path] is the post-rename truth, never the pre-rename
		// path. The only thing this scan still needs from "renames" is
		// whether to stamp changeType: renamed even when the content
		// itself is byte-identical.
		prevEntry, existed := m.FileMap[path]
		inodeID := prevEntry.InodeID
		_, isRename := renames[path]
		if inodeID == "" {
			inodeID = uuid.NewString()
		}

		fileType := classify(data)
		if existed && prevEntry.Type != "" {
			// Classification is sticky: a path's type never flips on its
			// own, only via an explicit delete+add.
			fileType = prevEntry.Type
		}
		entry := model.FileEntry{
			InodeID:  inodeID,
			Type:     fileType,
			Size:     int64(len(data)),
			Created:  prevEntry.Created,
			Modified: now,
		}
		if entry.Created.IsZero() {
			entry.Created = now
		}

		state := model.FileState{InodeID: inodeID, Size: int64(len(data))}

		switch fileType {
		case model.FileTypeBinary:
			hash, err := putBlobJournaled(ctx, d, journal, data)
			if err != nil {
				return nil, Result{}, errs.Wrap(errs.Of(err), err, "store blob for %s", path).WithPath(path)
			}
			entry.CurrentHash = hash
			state.Hash = hash
			if !existed || prevEntry.CurrentHash != hash {
				state.ChangeType = changeKind(existed, isRename)
				changed = append(changed, path)
			}
		case model.FileTypeText:
			normalized := normalize.Bytes(data)
			entry.Encoding = "utf-8"
			// An unchanged file keeps its parent's contentRef; for a path
			// renamed since the last checkpoint that ref lives under the
			// old path in HEAD's states.
			headPath := path
			if from, renamed := renames[path]; renamed {
				headPath = from
			}
			prevRef := headStates[headPath].ContentRef
			ref, dirty, err := d.storeTextState(ctx, journal, versionID, path, normalized, prevRef, existed, takeSnapshot)
			if err != nil {
				return nil, Result{}, err
			}
			state.ContentRef = ref
			if dirty {
				state.ChangeType = changeKind(existed, isRename)
				changed = append(changed, path)
			}
		}

		// A pure rename (no content change) still needs changeType:
		// renamed recorded on this version's FileState.
		if isRename && state.ChangeType == "" {
			state.ChangeType = model.ChangeRenamed
			changed = append(changed, path)
		}

		states[path] = state
		newFileMap[path] = entry
	}

	for path, prevEntry := range m.FileMap {
		if _, stillLive := liveContent[path]; stillLive {
			continue
		}
		state := model.FileState{
			InodeID:    prevEntry.InodeID,
			Deleted:    true,
			ChangeType: model.ChangeDeleted,
		}
		if prevEntry.Type == model.FileTypeText {
			// Deleting a text file ends its reverse-delta chain, so the
			// last committed text is preserved as a full-text tombstone in
			// the delta slot — restore decodes it when walking past the
			// deletion toward a version where the file was still alive.
			lastText, hadBasis, err := d.Deltas.GetBasis(ctx, path)
			if err != nil {
				return nil, Result{}, err
			}
			if hadBasis {
				ref, err := d.Deltas.PutDelta(ctx, versionID, path, deltastore.EncodeFullText(lastText))
				if err != nil {
					return nil, Result{}, errs.Wrap(errs.IO, err, "store deletion tombstone for %s", path).WithPath(path)
				}
				journal.recordCreate(ref)
				state.ContentRef = ref
			}
			if err := journal.recordReplace(ctx, deltastore.BasisKey(path)); err != nil {
				return nil, Result{}, err
			}
			if err := d.Deltas.DeleteBasis(ctx, path); err != nil {
				return nil, Result{}, err
			}
		}
		states[path] = state
		changed = append(changed, path)
	}

	if len(changed) == 0 {
		return nil, Result{}, errs.New(errs.NoChanges)
	}

	version := model.Version{
		ID:         versionID,
		ParentID:   m.Head(),
		Timestamp:  now,
		Message:    message,
		Author:     author,
		FileStates: states,
	}

	out := *m
	out.FileMap = newFileMap
	out.VersionHistory = append(append([]model.Version(nil), m.VersionHistory...), version)
	out.Refs = cloneRefs(m.Refs)
	out.Refs[model.HeadRef] = versionID
	out.RenameLog = stampPendingRenames(m.RenameLog, versionID)
	out.Metadata.LastModified = now

	if d.Inodes != nil {
		inodeByPath := make(map[string]string, len(newFileMap))
		for path, fe := range newFileMap {
			inodeByPath[path] = fe.InodeID
		}
		if err := d.Inodes.Rebuild(ctx, inodeByPath); err != nil {
			return nil, Result{}, err
		}
	}

	sort.Strings(changed)
	return &out, Result{Version: version, Changed: changed}, nil
}

// putBlobJournaled stores data in the CAS, recording the blob in the
// journal only when this call actually created it — a dedup hit must
// never be rolled back, since a pre-existing version references it.
func putBlobJournaled(ctx context.Context, d Deps, journal *Journal, data []byte) (string, error) {
	hash := blobstore.HashHex(data)
	existed, err := d.Blobs.Has(ctx, hash)
	if err != nil {
		return "", err
	}
	if _, err := d.Blobs.Put(ctx, data); err != nil {
		return "", err
	}
	if !existed {
		journal.recordCreate(blobstore.EntryName(hash))
	}
	return hash, nil
}

// storeTextState computes and stores the reverse delta (and, on a
// snapshot-cadence version, an additional full-text snapshot) for one
// text file, returning the contentRef to record in FileState and whether
// the file's content actually changed.
func (d Deps) storeTextState(ctx context.Context, journal *Journal, versionID, path string, normalized []byte, prevRef string, existed, takeSnapshot bool) (string, bool, error) {
	oldText, hadBasis, err := d.Deltas.GetBasis(ctx, path)
	if err != nil {
		return "", false, err
	}
	if existed && hadBasis && normalize.Equal(oldText, normalized) {
		// Unchanged: keep pointing at whatever contentRef already
		// represents this text (callers diff by hash/ref equality).
		return prevRef, false, nil
	}

	var ref string
	if !existed || !hadBasis {
		// First appearance (or a basis lost to an out-of-band edit):
		// there is no parent text to reverse-patch against, so the new
		// content is stored as its own snapshot.
		ref, err = d.Deltas.PutSnapshot(ctx, versionID, path, normalized)
		if err != nil {
			return "", false, errs.Wrap(errs.IO, err, "store initial snapshot for %s", path).WithPath(path)
		}
		journal.recordCreate(ref)
	} else {
		patch, err := d.Diff.Compute(string(normalized), string(oldText))
		if err != nil {
			return "", false, errs.Wrap(errs.PatchSynthesisFailed, err, "compute reverse patch for %s", path).WithPath(path)
		}
		if roundTrip, err := d.Diff.Apply(string(normalized), patch); err != nil || !normalize.Equal([]byte(roundTrip), oldText) {
			return "", false, errs.Wrap(errs.PatchSynthesisFailed, err, "reverse patch round-trip mismatch for %s", path).WithPath(path)
		}
		if len(patch)*2 > len(normalized) && len(normalized) > 0 {
			// The patch would exceed half the new file's size; the
			// previous full text in the delta slot is cheaper and replays
			// in one step.
			patch = deltastore.EncodeFullText(oldText)
		}
		ref, err = d.Deltas.PutDelta(ctx, versionID, path, patch)
		if err != nil {
			return "", false, errs.Wrap(errs.IO, err, "store delta for %s", path).WithPath(path)
		}
		journal.recordCreate(ref)
		if takeSnapshot {
			snapRef, err := d.Deltas.PutSnapshot(ctx, versionID, path, normalized)
			if err != nil {
				return "", false, errs.Wrap(errs.IO, err, "store cadence snapshot for %s", path).WithPath(path)
			}
			journal.recordCreate(snapRef)
		}
	}

	if err := journal.recordReplace(ctx, deltastore.BasisKey(path)); err != nil {
		return "", false, err
	}
	if err := d.Deltas.PutBasis(ctx, path, normalized); err != nil {
		return "", false, err
	}
	return ref, true, nil
}

func cloneRefs(refs map[string]string) map[string]string {
	out := make(map[string]string, len(refs))
	for k, v := range refs {
		out[k] = v
	}
	return out
}

func changeKind(existed, isRename bool) string {
	switch {
	case isRename:
		return model.ChangeRenamed
	case !existed:
		return model.ChangeAdded
	default:
		return model.ChangeModified
	}
}

// classify is a deterministic, content-sniffing binary/text split: a NUL
// byte in the first 8 KiB marks binary, the same heuristic git and
// file(1) use. The result is sticky once a path is tracked; a type change
// requires an explicit delete+add.
func classify(data []byte) model.FileType {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return model.FileTypeBinary
	}
	return model.FileTypeText
}

// pendingRenames returns the toPath -> fromPath map of moveFile calls made
// since the last checkpoint (RenameLog entries not yet stamped with a
// version). This, not content-hash matching, is the sole source of rename
// information a checkpoint acts on: renames are declared by the caller
// through moveFile, never inferred heuristically from content.
func pendingRenames(renameLog []model.RenameEntry) map[string]string {
	renames := map[string]string{}
	for _, r := range renameLog {
		if r.VersionID == "" {
			renames[r.ToPath] = r.FromPath
		}
	}
	return renames
}

// stampPendingRenames fills in VersionID on every pending RenameEntry with
// versionID, leaving already-committed entries untouched.
func stampPendingRenames(renameLog []model.RenameEntry, versionID string) []model.RenameEntry {
	out := make([]model.RenameEntry, len(renameLog))
	for i, r := range renameLog {
		if r.VersionID == "" {
			r.VersionID = versionID
		}
		out[i] = r
	}
	return out
}
