// Package restore reconstructs a historical version's content/** tree by
// replaying reverse patches backward from the full text nearest the target
// (a snapshot on the path, or HEAD's diff basis), with escalating fallback strategies (exact apply, fuzzy
// apply, full-text snapshot) when a patch no longer applies cleanly.
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/diffengine"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/normalize"
	"github.com/jcf-project/jcf/storage"
	"github.com/jcf-project/jcf/versiongraph"
)

const contentPrefix = "content/"

// Deps bundles the collaborators a restore needs — the same stores a
// checkpoint uses, since restoring is a checkpoint's reconstruction half.
type Deps struct {
	Storage storage.Port
	Blobs   *blobstore.Store
	Deltas  *deltastore.Store
	Diff    diffengine.Engine
	Inodes  *kvindex.Index
}

// Warning describes a non-fatal degradation encountered while restoring
// one path, surfaced to the caller for logging — a fuzzy apply or a
// snapshot fallback is not a failure, but is worth telling someone about.
type Warning struct {
	Path   string
	Detail string
}

// Result is what a successful restore produces.
type Result struct {
	VersionID string
	Touched   []string // paths written or removed in content/
	Warnings  []Warning
}

// Run reconstructs targetVersionID's tree and writes it into content/,
// returning the manifest with refs["head"] advanced. m is not mutated; the
// caller persists the returned manifest via manifeststore.Save.
// Reconstruction happens entirely in memory first; if writing the result
// out fails partway, the pre-restore content captured during the clean
// check is written back, so a failed restore leaves the working copy as
// it found it.
func Run(ctx context.Context, d Deps, m *model.Manifest, targetVersionID string) (*model.Manifest, Result, error) {
	if m.Head() == "" {
		return nil, Result{}, errs.New(errs.NotFound).WithVersion(targetVersionID)
	}
	prevContent, prevBases, err := checkClean(ctx, d, m)
	if err != nil {
		return nil, Result{}, err
	}

	graph, err := versiongraph.Build(m.VersionHistory)
	if err != nil {
		return nil, Result{}, err
	}
	target, ok := graph.Get(targetVersionID)
	if !ok {
		return nil, Result{}, errs.New(errs.NotFound).WithVersion(targetVersionID)
	}
	path, err := walkPath(graph, m, targetVersionID)
	if err != nil {
		return nil, Result{}, err
	}

	// Anchor the current HEAD's text in snapshots before moving off it,
	// so a later restore *forward* to (or past) this version still has a
	// full text to replay from — reverse deltas alone only walk toward
	// older versions.
	if err := preserveHeadTexts(ctx, d, m); err != nil {
		return nil, Result{}, err
	}

	newFiles := make(map[string][]byte, len(target.FileStates))
	var warnings []Warning

	for filePath, state := range target.FileStates {
		if err := ctx.Err(); err != nil {
			return nil, Result{}, errs.Wrap(errs.Cancelled, err, "restore")
		}
		if state.Deleted {
			continue
		}
		if state.Hash != "" {
			data, err := d.Blobs.Get(ctx, state.Hash)
			if err != nil {
				return nil, Result{}, errs.Wrap(errs.Of(err), err, "reconstruct binary %s", filePath).WithPath(filePath)
			}
			newFiles[filePath] = data
			continue
		}
		data, warn, err := reconstructText(ctx, d, graph, m, path, filePath)
		if err != nil {
			return nil, Result{}, err
		}
		if warn != "" {
			warnings = append(warnings, Warning{Path: filePath, Detail: warn})
		}
		newFiles[filePath] = data
	}

	touched, err := swapWorkingCopy(ctx, d, prevContent, newFiles)
	if err != nil {
		return nil, Result{}, err
	}

	newFileMap := make(map[string]model.FileEntry, len(target.FileStates))
	for filePath, state := range target.FileStates {
		if state.Deleted {
			continue
		}
		prevEntry := m.FileMap[filePath]
		fileType := model.FileTypeText
		if state.Hash != "" {
			fileType = model.FileTypeBinary
		}
		newFileMap[filePath] = model.FileEntry{
			InodeID:     state.InodeID,
			Type:        fileType,
			Encoding:    encodingFor(fileType),
			CurrentHash: state.Hash,
			Size:        int64(len(newFiles[filePath])),
			Created:     prevEntry.Created,
			Modified:    target.Timestamp,
		}
		if fileType == model.FileTypeText {
			if err := d.Deltas.PutBasis(ctx, filePath, newFiles[filePath]); err != nil {
				rollbackWorkingCopy(ctx, d, prevContent, prevBases, newFiles)
				return nil, Result{}, err
			}
		}
	}
	// Bases for paths tracked at HEAD but not at the target would
	// otherwise go stale and shadow the next checkpoint's change scan.
	for filePath := range prevBases {
		if _, keep := newFiles[filePath]; keep {
			continue
		}
		if err := d.Deltas.DeleteBasis(ctx, filePath); err != nil {
			rollbackWorkingCopy(ctx, d, prevContent, prevBases, newFiles)
			return nil, Result{}, err
		}
	}

	out := *m
	out.FileMap = newFileMap
	out.Refs = cloneRefs(m.Refs)
	out.Refs[model.HeadRef] = targetVersionID

	if d.Inodes != nil {
		inodeByPath := make(map[string]string, len(newFileMap))
		for filePath, fe := range newFileMap {
			inodeByPath[filePath] = fe.InodeID
		}
		if err := d.Inodes.Rebuild(ctx, inodeByPath); err != nil {
			rollbackWorkingCopy(ctx, d, prevContent, prevBases, newFiles)
			return nil, Result{}, err
		}
	}

	sort.Strings(touched)
	return &out, Result{VersionID: targetVersionID, Touched: touched, Warnings: warnings}, nil
}

// walkPath resolves the reconstruction path for target: the chain from
// the history tip down to target. Using the tip rather than HEAD lets a
// restore move in either direction along the line — a target newer than
// HEAD is still an ancestor of the tip. A target off the line fails with
// UnreachableVersion.
func walkPath(graph *versiongraph.Graph, m *model.Manifest, targetVersionID string) ([]string, error) {
	tip := m.VersionHistory[len(m.VersionHistory)-1].ID
	return graph.Path(tip, targetVersionID)
}

// preserveHeadTexts writes a full-text snapshot of every live text file
// under the current HEAD's version id, if one is not already present.
func preserveHeadTexts(ctx context.Context, d Deps, m *model.Manifest) error {
	headID := m.Head()
	for filePath, entry := range m.FileMap {
		if entry.Type != model.FileTypeText {
			continue
		}
		has, err := d.Deltas.HasSnapshot(ctx, headID, filePath)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		text, hadBasis, err := d.Deltas.GetBasis(ctx, filePath)
		if err != nil {
			return err
		}
		if !hadBasis {
			continue
		}
		if _, err := d.Deltas.PutSnapshot(ctx, headID, filePath, text); err != nil {
			return errs.Wrap(errs.IO, err, "preserve head text for %s", filePath).WithPath(filePath)
		}
	}
	return nil
}

// swapWorkingCopy writes the reconstructed tree into content/ and removes
// paths absent from it, restoring the previous tree if any step fails.
func swapWorkingCopy(ctx context.Context, d Deps, prevContent, newFiles map[string][]byte) ([]string, error) {
	var touched []string
	for filePath, data := range newFiles {
		if err := d.Storage.Write(ctx, contentPrefix+filePath, data); err != nil {
			rollbackWorkingCopy(ctx, d, prevContent, nil, newFiles)
			return nil, errs.Wrap(errs.IO, err, "write restored content %s", filePath).WithPath(filePath)
		}
		touched = append(touched, filePath)
	}
	for filePath := range prevContent {
		if _, keep := newFiles[filePath]; keep {
			continue
		}
		if err := d.Storage.Delete(ctx, contentPrefix+filePath); err != nil {
			rollbackWorkingCopy(ctx, d, prevContent, nil, newFiles)
			return nil, errs.Wrap(errs.IO, err, "remove stale content %s", filePath).WithPath(filePath)
		}
		touched = append(touched, filePath)
	}
	return touched, nil
}

// rollbackWorkingCopy best-effort restores the pre-restore content tree
// (and, when provided, diff bases) captured before any write happened.
func rollbackWorkingCopy(ctx context.Context, d Deps, prevContent, prevBases, newFiles map[string][]byte) {
	for filePath, data := range prevContent {
		_ = d.Storage.Write(ctx, contentPrefix+filePath, data)
	}
	for filePath := range newFiles {
		if _, existed := prevContent[filePath]; !existed {
			_ = d.Storage.Delete(ctx, contentPrefix+filePath)
		}
	}
	for filePath, text := range prevBases {
		_ = d.Deltas.PutBasis(ctx, filePath, text)
	}
}

// ReconstructFile recovers filePath's content as of targetVersionID without
// touching content/ — the historical-read half of GetFile. It walks the
// same escalation Run uses for a full-tree restore, scoped to one path.
func ReconstructFile(ctx context.Context, d Deps, m *model.Manifest, targetVersionID, filePath string) ([]byte, error) {
	graph, err := versiongraph.Build(m.VersionHistory)
	if err != nil {
		return nil, err
	}
	target, ok := graph.Get(targetVersionID)
	if !ok {
		return nil, errs.New(errs.NotFound).WithVersion(targetVersionID)
	}
	state, tracked := target.FileStates[filePath]
	if !tracked || state.Deleted {
		return nil, errs.New(errs.NotFound).WithPath(filePath).WithVersion(targetVersionID)
	}
	if state.Hash != "" {
		return d.Blobs.Get(ctx, state.Hash)
	}
	versionPath, err := walkPath(graph, m, targetVersionID)
	if err != nil {
		return nil, err
	}
	data, _, err := reconstructText(ctx, d, graph, m, versionPath, filePath)
	return data, err
}

// reconstructText recovers filePath's text at the last element of
// versionPath (the target). versionPath runs tip-to-target, newest first;
// the delta stored by each version's checkpoint transforms that version's
// text into its parent's, so walking the path applies each version's own
// delta in turn. The walk anchors at the full text nearest the target — a
// snapshot on the path, or HEAD's diff basis — and escalates exact apply
// -> fuzzy apply -> snapshot fallback.
func reconstructText(ctx context.Context, d Deps, graph *versiongraph.Graph, m *model.Manifest, versionPath []string, filePath string) ([]byte, string, error) {
	headIdx := -1
	for i, id := range versionPath {
		if id == m.Head() {
			headIdx = i
			break
		}
	}

	var text []byte
	known := false
	warn := ""
	start := 0

	for j := len(versionPath) - 1; j >= 0; j-- {
		has, err := d.Deltas.HasSnapshot(ctx, versionPath[j], filePath)
		if err != nil {
			return nil, "", err
		}
		if has {
			snap, err := d.Deltas.GetSnapshot(ctx, deltastore.SnapshotKey(versionPath[j], filePath))
			if err != nil {
				return nil, "", err
			}
			text, known, start = snap, true, j
			break
		}
		if j == headIdx {
			basis, hadBasis, err := d.Deltas.GetBasis(ctx, filePath)
			if err != nil {
				return nil, "", err
			}
			if hadBasis {
				text, known, start = basis, true, j
				break
			}
		}
	}

	for i := start; i < len(versionPath)-1; i++ {
		if err := ctx.Err(); err != nil {
			return nil, "", errs.Wrap(errs.Cancelled, err, "text reconstruction")
		}
		childID := versionPath[i]
		child, ok := graph.Get(childID)
		if !ok {
			return nil, "", errs.New(errs.NotFound).WithVersion(childID)
		}
		state, tracked := child.FileStates[filePath]

		switch {
		case !tracked || state.Hash != "":
			// The path held no text at this version (absent, or binary via
			// delete+add); whatever text we carried does not describe the
			// parent either.
			known = false
			continue
		case state.Deleted:
			if state.ContentRef != "" && deltastore.RefVersion(state.ContentRef) == childID {
				// Deletion tombstone: the delta slot holds the file's last
				// committed text, i.e. the parent version's content.
				data, err := d.Deltas.GetDelta(ctx, state.ContentRef)
				if err == nil {
					if full, isFull := deltastore.DecodeFullText(data); isFull {
						text, known = full, true
						continue
					}
				}
			}
			known = false
			continue
		case state.ContentRef == "" || deltastore.RefVersion(state.ContentRef) != childID:
			// Carried forward unchanged from an older version: the text is
			// identical across this edge, nothing to apply.
			continue
		case deltastore.IsSnapshotRef(state.ContentRef):
			// The file first appeared at this version (its own snapshot is
			// its contentRef); it has no parent text for this edge.
			known = false
			continue
		}

		patch, err := d.Deltas.GetDelta(ctx, state.ContentRef)
		if err != nil {
			if errs.KindIs(err, errs.NotFound) || errs.KindIs(err, errs.MissingDelta) {
				next, snap, jumpErr := jumpSnapshot(ctx, d, versionPath, filePath, i)
				if jumpErr != nil {
					return nil, "", err
				}
				text, known, i = snap, true, next-1
				warn = "used full-text snapshot fallback for " + filePath
				continue
			}
			return nil, "", err
		}
		if full, isFull := deltastore.DecodeFullText(patch); isFull {
			// Oversized-patch slot: the parent's complete text stored in
			// place of a patch.
			text, known = full, true
			continue
		}
		if !known {
			next, snap, jumpErr := jumpSnapshot(ctx, d, versionPath, filePath, i)
			if jumpErr != nil {
				return nil, "", errs.New(errs.MissingDelta).WithPath(filePath).WithVersion(childID)
			}
			text, known, i = snap, true, next-1
			warn = "used full-text snapshot fallback for " + filePath
			continue
		}

		result, applyErr := d.Diff.Apply(string(text), patch)
		if applyErr == nil {
			text = normalize.Bytes([]byte(result))
			continue
		}
		fuzzyResult, fuzzy, fuzzyErr := d.Diff.ApplyFuzzy(string(text), patch)
		if fuzzyErr == nil {
			text = normalize.Bytes([]byte(fuzzyResult))
			if fuzzy {
				warn = "patch for " + filePath + " applied with fuzzy matching"
			}
			continue
		}
		next, snap, jumpErr := jumpSnapshot(ctx, d, versionPath, filePath, i)
		if jumpErr != nil {
			return nil, "", errs.Wrap(errs.PatchApplicationFailed, applyErr, "patch replay for %s", filePath).
				WithPath(filePath).WithVersion(childID)
		}
		text, known, i = snap, true, next-1
		warn = "used full-text snapshot fallback for " + filePath
	}

	if !known {
		return nil, "", errs.New(errs.MissingDelta).WithPath(filePath)
	}
	return text, warn, nil
}

// jumpSnapshot finds the snapshot nearest the target strictly past
// position after, returning its index and text. The walk resumes from
// there, discarding whatever partial reconstruction preceded the jump —
// the final escalation tier.
func jumpSnapshot(ctx context.Context, d Deps, versionPath []string, filePath string, after int) (int, []byte, error) {
	for k := len(versionPath) - 1; k > after; k-- {
		has, err := d.Deltas.HasSnapshot(ctx, versionPath[k], filePath)
		if err != nil {
			return 0, nil, err
		}
		if !has {
			continue
		}
		snap, err := d.Deltas.GetSnapshot(ctx, deltastore.SnapshotKey(versionPath[k], filePath))
		if err != nil {
			return 0, nil, err
		}
		return k, snap, nil
	}
	return 0, nil, errs.New(errs.MissingDelta).WithPath(filePath)
}

// checkClean rejects restoring over a dirty working copy: every live text
// file's content must still match its recorded diff basis, every live
// binary file's content must still hash to its FileEntry.CurrentHash, and
// no untracked entries may exist under content/. On success it returns
// the captured content and basis bytes, which double as the rollback
// image for a failed restore.
func checkClean(ctx context.Context, d Deps, m *model.Manifest) (map[string][]byte, map[string][]byte, error) {
	names, err := d.Storage.List(ctx, contentPrefix)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "list content tree")
	}
	for _, name := range names {
		filePath := name[len(contentPrefix):]
		if _, tracked := m.FileMap[filePath]; !tracked {
			return nil, nil, errs.New(errs.DirtyWorkingCopy).WithPath(filePath)
		}
	}

	prevContent := make(map[string][]byte, len(m.FileMap))
	prevBases := map[string][]byte{}
	for filePath, entry := range m.FileMap {
		data, err := d.Storage.Read(ctx, contentPrefix+filePath)
		if err != nil {
			if errs.KindIs(err, errs.NotFound) {
				return nil, nil, errs.New(errs.DirtyWorkingCopy).WithPath(filePath)
			}
			return nil, nil, errs.Wrap(errs.IO, err, "read content for clean check %s", filePath).WithPath(filePath)
		}
		prevContent[filePath] = data
		switch entry.Type {
		case model.FileTypeBinary:
			if hashHex(data) != entry.CurrentHash {
				return nil, nil, errs.New(errs.DirtyWorkingCopy).WithPath(filePath)
			}
		case model.FileTypeText:
			basis, hadBasis, err := d.Deltas.GetBasis(ctx, filePath)
			if err != nil {
				return nil, nil, err
			}
			if hadBasis {
				if !normalize.Equal(basis, data) {
					return nil, nil, errs.New(errs.DirtyWorkingCopy).WithPath(filePath)
				}
				prevBases[filePath] = basis
			}
		}
	}
	return prevContent, prevBases, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodingFor(t model.FileType) string {
	if t == model.FileTypeText {
		return "utf-8"
	}
	return ""
}

func cloneRefs(refs map[string]string) map[string]string {
	out := make(map[string]string, len(refs))
	for k, v := range refs {
		out[k] = v
	}
	return out
}
