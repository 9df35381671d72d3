// Package gc is the mark-and-sweep collector over blobs, deltas, and
// snapshots, reclaiming entries no longer reachable from any version in
// history once they have sat unreferenced past a grace window.
package gc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/storage"
)

// stateEntryName names the on-disk gc state file, which holds the first-observed time for
// each currently-unreachable key, so repeated runGC calls know how long an
// entry has been waiting out its grace window.
const stateEntryName = ".store/gc/state.json"

// DefaultGrace is the default grace window: an unreferenced entry
// survives at least this long before a sweep may delete it, giving an
// in-flight reader time to finish.
const DefaultGrace = 7 * 24 * time.Hour

// Deps bundles the stores a collection pass sweeps. Grace is applied
// as-is — zero means orphans are eligible immediately; callers wanting
// the usual window pass DefaultGrace explicitly.
type Deps struct {
	Storage storage.Port
	Blobs   *blobstore.Store
	Deltas  *deltastore.Store
	Marks   *kvindex.Index
	Grace   time.Duration
	DryRun  bool
}

// Report summarizes one runGC pass.
type Report struct {
	MarkedLive  int
	Unreachable []string // blob hashes and delta/snapshot keys, unmarked this pass
	Deleted     []string // the subset of Unreachable whose grace window had elapsed
	FreedBytes  int64
	DryRun      bool
}

// Run performs a full mark/sweep pass: clear and rebuild the mark-set
// from m's history, find every unmarked blob/delta/snapshot,
// and delete only those that have been continuously unreachable for at
// least Grace — tracked across calls in a small on-disk state file, since
// the Storage Port exposes no per-entry mtime to check this against
// directly. With DryRun set, the pass reports what it would delete
// without touching anything.
func Run(ctx context.Context, d Deps, m *model.Manifest, now time.Time) (Report, error) {
	marked, err := Mark(ctx, d, m)
	if err != nil {
		return Report{}, err
	}
	unreachable, err := FindUnreachable(ctx, d)
	if err != nil {
		return Report{}, err
	}

	seenSince, err := loadState(ctx, d.Storage)
	if err != nil {
		return Report{}, err
	}
	stillUnreachable := make(map[string]time.Time, len(unreachable))
	var eligible []string
	for _, key := range unreachable {
		since, tracked := seenSince[key]
		if !tracked {
			since = now
		}
		stillUnreachable[key] = since
		if now.Sub(since) >= d.Grace {
			eligible = append(eligible, key)
		}
	}

	if d.DryRun {
		if err := saveState(ctx, d.Storage, stillUnreachable); err != nil {
			return Report{}, err
		}
		return Report{MarkedLive: marked, Unreachable: unreachable, Deleted: eligible, DryRun: true}, nil
	}

	deleted, freed, err := Sweep(ctx, d, eligible)
	if err != nil {
		return Report{}, err
	}
	for _, key := range deleted {
		delete(stillUnreachable, key)
	}
	if err := saveState(ctx, d.Storage, stillUnreachable); err != nil {
		return Report{}, err
	}

	return Report{MarkedLive: marked, Unreachable: unreachable, Deleted: deleted, FreedBytes: freed}, nil
}

func loadState(ctx context.Context, s storage.Port) (map[string]time.Time, error) {
	exists, err := s.Exists(ctx, stateEntryName)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "check gc state existence")
	}
	if !exists {
		return map[string]time.Time{}, nil
	}
	data, err := s.Read(ctx, stateEntryName)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "read gc state")
	}
	var raw map[string]time.Time
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.IO, err, "parse gc state")
	}
	return raw, nil
}

func saveState(ctx context.Context, s storage.Port, seenSince map[string]time.Time) error {
	data, err := json.Marshal(seenSince)
	if err != nil {
		return errs.Wrap(errs.IO, err, "encode gc state")
	}
	if err := s.Write(ctx, stateEntryName, data); err != nil {
		return errs.Wrap(errs.IO, err, "write gc state")
	}
	return nil
}

// Mark walks every reachable reference in m's history and records it in
// the GC mark-set, clearing any marks left over from a previous pass
// first. Snapshots are first-class references:
// each (version, path) pair that has one gets it marked alongside the
// state's own contentRef. References belonging to an inode whose final
// state is a deletion are NOT marked — the deletion supersedes them
// (model.FinalDeletedInodes), which is what lets a deleted file's blob be
// reclaimed at all. Diff bases are always live working-copy state and are
// marked unconditionally.
func Mark(ctx context.Context, d Deps, m *model.Manifest) (int, error) {
	if err := d.Marks.ClearMarks(ctx); err != nil {
		return 0, err
	}
	marked := 0
	mark := func(key string) error {
		if key == "" {
			return nil
		}
		if err := d.Marks.MarkUsed(ctx, key); err != nil {
			return err
		}
		marked++
		return nil
	}

	for _, entry := range m.FileMap {
		if err := mark(entry.CurrentHash); err != nil {
			return marked, err
		}
	}
	finalDeleted := model.FinalDeletedInodes(m.VersionHistory)
	for _, v := range m.VersionHistory {
		for path, state := range v.FileStates {
			if finalDeleted[state.InodeID] {
				continue
			}
			if err := mark(state.Hash); err != nil {
				return marked, err
			}
			if err := mark(state.ContentRef); err != nil {
				return marked, err
			}
			if state.Deleted || state.ContentRef == "" {
				continue
			}
			has, err := d.Deltas.HasSnapshot(ctx, v.ID, path)
			if err != nil {
				return marked, err
			}
			if has {
				if err := mark(deltastore.SnapshotKey(v.ID, path)); err != nil {
					return marked, err
				}
			}
		}
	}
	bases, err := d.Deltas.ListBasis(ctx)
	if err != nil {
		return marked, err
	}
	for _, key := range bases {
		if err := mark(key); err != nil {
			return marked, err
		}
	}
	return marked, nil
}

// FindUnreachable sweeps blobs/deltas/snapshots and returns every entry
// whose key is not in the current mark-set. Call Mark first in the same
// pass.
func FindUnreachable(ctx context.Context, d Deps) ([]string, error) {
	var unreachable []string

	blobs, err := d.Blobs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, hash := range blobs {
		marked, err := d.Marks.IsMarked(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !marked {
			unreachable = append(unreachable, hash)
		}
	}

	deltaKeys, err := d.Deltas.ListDeltas(ctx)
	if err != nil {
		return nil, err
	}
	snapKeys, err := d.Deltas.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range append(deltaKeys, snapKeys...) {
		marked, err := d.Marks.IsMarked(ctx, key)
		if err != nil {
			return nil, err
		}
		if !marked {
			unreachable = append(unreachable, key)
		}
	}
	return unreachable, nil
}

// Sweep deletes every entry named in unreachable from whichever store owns
// it (only after the caller's grace-window check has passed), returning
// what was deleted and the bytes freed. It is safe to call with a stale
// unreachable list: an entry that has since become reachable again was,
// by construction, re-marked on the next Mark pass before this Sweep
// could run, since the engine lock serializes checkpoint/restore against
// GC.
func Sweep(ctx context.Context, d Deps, unreachable []string) ([]string, int64, error) {
	var deleted []string
	var freed int64
	for _, key := range unreachable {
		size := entrySize(ctx, d, key)
		switch {
		case isBlobHash(key):
			if err := d.Blobs.Delete(ctx, key); err != nil {
				return deleted, freed, err
			}
		case isDeltaKey(key):
			if err := d.Deltas.DeleteDelta(ctx, key); err != nil {
				return deleted, freed, err
			}
		default:
			if err := d.Deltas.DeleteSnapshot(ctx, key); err != nil {
				return deleted, freed, err
			}
		}
		deleted = append(deleted, key)
		freed += size
	}
	return deleted, freed, nil
}

func entrySize(ctx context.Context, d Deps, key string) int64 {
	name := key
	if isBlobHash(key) {
		name = blobstore.EntryName(key)
	}
	size, err := d.Storage.Size(ctx, name)
	if err != nil {
		return 0
	}
	return size
}

func isBlobHash(key string) bool {
	return len(key) == 64 && !containsSlash(key)
}

func isDeltaKey(key string) bool {
	return len(key) > 7 && key[len(key)-6:] == ".patch"
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}
