// Package verify is a battery of structural and content checks a caller
// can run against an open container without mutating it, returning hard
// failures separately from soft warnings.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/jcf-project/jcf/archivecodec"
	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/storage"
	"github.com/jcf-project/jcf/versiongraph"
)

const contentPrefix = "content/"

// Deps bundles the collaborators verification reads from.
type Deps struct {
	Storage storage.Port
	Blobs   *blobstore.Store
	Deltas  *deltastore.Store
}

// Warning is a soft finding: the container is usable but something looks
// off (e.g. an entry present in content/ but absent from fileMap).
type Warning struct {
	Check  string
	Detail string
}

// Report is the result of a full Verify pass. Errs is non-empty exactly
// when the container fails at least one hard check.
type Report struct {
	Warnings []Warning
	Errs     []error
}

// OK reports whether every hard check passed.
func (r Report) OK() bool { return len(r.Errs) == 0 }

// Run executes every check in a fixed order, collecting failures
// rather than stopping at the first one so a single pass gives a full
// picture of what is wrong.
func Run(ctx context.Context, d Deps, m *model.Manifest) Report {
	var r Report

	if err := archivecodec.CheckMimetype(ctx, d.Storage); err != nil {
		r.Errs = append(r.Errs, err)
	}

	graph, err := versiongraph.Build(m.VersionHistory)
	if err != nil {
		r.Errs = append(r.Errs, err)
		graph = nil
	}

	if m.Refs[model.HeadRef] == "" && len(m.VersionHistory) > 0 {
		r.Errs = append(r.Errs, errs.Newf(errs.ManifestCorruption, "refs[%q] is unset despite non-empty history", model.HeadRef))
	}
	if graph != nil && m.Refs[model.HeadRef] != "" {
		if _, ok := graph.Get(m.Refs[model.HeadRef]); !ok {
			r.Errs = append(r.Errs, errs.New(errs.BrokenChain).WithVersion(m.Refs[model.HeadRef]))
		}
	}

	checkBlobs(ctx, d, m, &r)
	checkDeltaReferences(ctx, d, m, &r)
	checkFileMapConsistency(ctx, d, m, &r)
	checkInodeUniqueness(m, &r)
	warnOrphansAndDepth(ctx, d, m, &r)

	return r
}

// warnOrphansAndDepth surfaces the soft findings: stored
// blobs/deltas no version references (GC candidates, not corruption) and
// an unusually deep history.
func warnOrphansAndDepth(ctx context.Context, d Deps, m *model.Manifest, r *Report) {
	referenced := map[string]bool{}
	for _, entry := range m.FileMap {
		referenced[entry.CurrentHash] = true
	}
	for _, v := range m.VersionHistory {
		for _, state := range v.FileStates {
			referenced[state.Hash] = true
			referenced[state.ContentRef] = true
		}
	}

	if blobs, err := d.Blobs.List(ctx); err == nil {
		for _, hash := range blobs {
			if !referenced[hash] {
				r.Warnings = append(r.Warnings, Warning{Check: "orphans", Detail: "blob " + hash + " is unreferenced"})
			}
		}
	}
	if deltas, err := d.Deltas.ListDeltas(ctx); err == nil {
		for _, key := range deltas {
			if !referenced[key] {
				r.Warnings = append(r.Warnings, Warning{Check: "orphans", Detail: "delta " + key + " is unreferenced"})
			}
		}
	}

	const sizeWarnThreshold = 100 * 1024 * 1024
	for path, entry := range m.FileMap {
		if entry.Size > sizeWarnThreshold {
			r.Warnings = append(r.Warnings, Warning{Check: "fileSize", Detail: path + " exceeds the large-file threshold"})
		}
	}

	const depthWarnThreshold = 10000
	if len(m.VersionHistory) > depthWarnThreshold {
		r.Warnings = append(r.Warnings, Warning{Check: "historyDepth", Detail: "version history is unusually deep"})
	}
}

// checkBlobs verifies every blob referenced from fileMap or history
// actually exists and hash-verifies. History references of a
// finally-deleted inode are exempt — GC is allowed to reclaim them
// (model.FinalDeletedInodes), so their absence is not corruption.
func checkBlobs(ctx context.Context, d Deps, m *model.Manifest, r *Report) {
	finalDeleted := model.FinalDeletedInodes(m.VersionHistory)
	seen := map[string]bool{}
	check := func(hash string) {
		if hash == "" || seen[hash] {
			return
		}
		seen[hash] = true
		if _, err := d.Blobs.Get(ctx, hash); err != nil {
			r.Errs = append(r.Errs, err)
		}
	}
	for _, entry := range m.FileMap {
		check(entry.CurrentHash)
	}
	for _, v := range m.VersionHistory {
		for _, state := range v.FileStates {
			if finalDeleted[state.InodeID] {
				continue
			}
			check(state.Hash)
		}
	}
}

// checkDeltaReferences verifies every text FileState's contentRef resolves
// to a readable delta or snapshot entry, with the same finally-deleted
// exemption checkBlobs applies.
func checkDeltaReferences(ctx context.Context, d Deps, m *model.Manifest, r *Report) {
	finalDeleted := model.FinalDeletedInodes(m.VersionHistory)
	for _, v := range m.VersionHistory {
		for path, state := range v.FileStates {
			if state.Deleted || state.ContentRef == "" || finalDeleted[state.InodeID] {
				continue
			}
			exists, err := d.Storage.Exists(ctx, state.ContentRef)
			if err != nil {
				r.Errs = append(r.Errs, errs.Wrap(errs.IO, err, "check contentRef %s", state.ContentRef).WithPath(path))
				continue
			}
			if !exists {
				r.Errs = append(r.Errs, errs.New(errs.MissingDelta).WithPath(path).WithVersion(v.ID))
			}
		}
	}
}

// checkFileMapConsistency warns when content/** and fileMap disagree about
// which paths exist, and hash-checks every live binary entry against its
// FileEntry.CurrentHash.
func checkFileMapConsistency(ctx context.Context, d Deps, m *model.Manifest, r *Report) {
	names, err := d.Storage.List(ctx, contentPrefix)
	if err != nil {
		r.Errs = append(r.Errs, errs.Wrap(errs.IO, err, "list content tree"))
		return
	}
	live := make(map[string]bool, len(names))
	for _, name := range names {
		live[name[len(contentPrefix):]] = true
	}

	for path := range m.FileMap {
		if !live[path] {
			r.Warnings = append(r.Warnings, Warning{Check: "fileMapConsistency", Detail: "fileMap entry " + path + " has no content/ counterpart"})
		}
	}
	for path := range live {
		if _, tracked := m.FileMap[path]; !tracked {
			r.Warnings = append(r.Warnings, Warning{Check: "fileMapConsistency", Detail: "content/" + path + " is untracked in fileMap"})
		}
	}

	for path, entry := range m.FileMap {
		if entry.Type != model.FileTypeBinary || !live[path] {
			continue
		}
		data, err := d.Storage.Read(ctx, contentPrefix+path)
		if err != nil {
			r.Errs = append(r.Errs, errs.Wrap(errs.IO, err, "read %s for hash check", path).WithPath(path))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.CurrentHash {
			r.Errs = append(r.Errs, errs.New(errs.BlobCorruption).WithPath(path).WithHash(entry.CurrentHash))
		}
	}
}

// checkInodeUniqueness warns if two live fileMap entries somehow share an
// inodeId, which would corrupt historyByInode and moveFile's bookkeeping.
func checkInodeUniqueness(m *model.Manifest, r *Report) {
	seen := map[string]string{}
	for path, entry := range m.FileMap {
		if prior, dup := seen[entry.InodeID]; dup {
			r.Warnings = append(r.Warnings, Warning{Check: "inodeUniqueness", Detail: "inodeId " + entry.InodeID + " shared by " + prior + " and " + path})
			continue
		}
		seen[entry.InodeID] = path
	}
}
