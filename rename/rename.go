// Package rename implements the rename-tracking surface: MoveFile's
// manifest-level bookkeeping and the history queries that let a caller
// follow a file across every path it has ever lived at.
package rename

import (
	"context"
	"sort"
	"time"

	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/sqlindex"
	"github.com/jcf-project/jcf/storage"
)

const contentPrefix = "content/"

// Deps bundles the collaborators moveFile/historyByInode need.
type Deps struct {
	Storage storage.Port
	Deltas  *deltastore.Store // optional; nil skips diff-basis relocation
	Inodes  *kvindex.Index
	SQL     *sqlindex.Index // optional; not read by MoveFile or HistoryByInode, which scans m.RenameLog
}

// MoveFile relocates fromPath to toPath inside content/, updates fileMap
// and the inode index, and appends a RenameEntry — independent of whether
// a checkpoint has run since. It does not itself create a Version; the
// rename is folded into the next checkpoint's FileStates the same way any
// other pending edit is.
func MoveFile(ctx context.Context, d Deps, m *model.Manifest, fromPath, toPath string, now time.Time) (*model.Manifest, error) {
	entry, ok := m.FileMap[fromPath]
	if !ok {
		return nil, errs.New(errs.NotFound).WithPath(fromPath)
	}
	if _, exists := m.FileMap[toPath]; exists {
		return nil, errs.New(errs.AlreadyExists).WithPath(toPath)
	}

	fromName := contentPrefix + fromPath
	toName := contentPrefix + toPath
	if err := d.Storage.Rename(ctx, fromName, toName); err != nil {
		return nil, errs.Wrap(errs.IO, err, "rename content entry %s -> %s", fromPath, toPath)
	}
	if d.Deltas != nil && entry.Type == model.FileTypeText {
		// The diff basis is keyed by path; moving it keeps the next
		// checkpoint's change scan seeing an unchanged file instead of a
		// fresh one.
		if err := d.Deltas.MoveBasis(ctx, fromPath, toPath); err != nil {
			return nil, err
		}
	}

	out := *m
	out.FileMap = cloneFileMap(m.FileMap)
	delete(out.FileMap, fromPath)
	entry.Modified = now
	out.FileMap[toPath] = entry
	// VersionID is left blank here — checkpoint.Run stamps it with the new
	// version's id once committed, since no version exists yet for this
	// rename to belong to. Until then the entry is "pending" and is
	// checkpoint.Run's sole source of truth for which paths moved this
	// cycle; renames are never inferred from content.
	out.RenameLog = append(append([]model.RenameEntry(nil), m.RenameLog...), model.RenameEntry{
		InodeID:   entry.InodeID,
		FromPath:  fromPath,
		ToPath:    toPath,
		VersionID: "",
		Timestamp: now,
	})
	out.Metadata.LastModified = now

	if d.Inodes != nil {
		if err := d.Inodes.DeleteInodePath(ctx, entry.InodeID); err != nil {
			return nil, err
		}
		if err := d.Inodes.PutInodePath(ctx, entry.InodeID, toPath); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// HistoryEntry describes one renameLog step for an inode, in chronological
// order.
type HistoryEntry struct {
	FromPath  string
	ToPath    string
	VersionID string
	Timestamp time.Time
}

// HistoryByInode returns every renameLog entry for inodeID, oldest first,
// tracing a file's path across every move it has ever undergone.
func HistoryByInode(ctx context.Context, m *model.Manifest, inodeID string) []HistoryEntry {
	var out []HistoryEntry
	for _, r := range m.RenameLog {
		if r.InodeID != inodeID {
			continue
		}
		out = append(out, HistoryEntry{
			FromPath: r.FromPath, ToPath: r.ToPath,
			VersionID: r.VersionID, Timestamp: r.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// CurrentPath resolves an inode's live path via the kvindex fast path,
// falling back to a fileMap scan when no index is wired.
func CurrentPath(ctx context.Context, d Deps, m *model.Manifest, inodeID string) (string, bool, error) {
	if d.Inodes != nil {
		if path, ok, err := d.Inodes.GetInodePath(ctx, inodeID); err != nil {
			return "", false, err
		} else if ok {
			return path, true, nil
		}
	}
	for path, entry := range m.FileMap {
		if entry.InodeID == inodeID {
			return path, true, nil
		}
	}
	return "", false, nil
}

func cloneFileMap(m map[string]model.FileEntry) map[string]model.FileEntry {
	out := make(map[string]model.FileEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
