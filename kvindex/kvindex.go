// Package kvindex is a rebuildable secondary index over a manifest,
// backed by BadgerDB through github.com/ipfs/go-datastore and
// github.com/ipfs/go-ds-badger4, holding two concrete indexes:
// inode→current-path (for moveFile/historyByInode) and the GC mark-set
// scratch space (for runGC's mark phase). Neither index is
// authoritative; both can always be rebuilt by replaying the manifest,
// so losing this store is never data loss.
package kvindex

import (
	"context"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"

	"github.com/jcf-project/jcf/errs"
)

const (
	inodePrefix = "/inode/"
	markPrefix  = "/gcmark/"
)

// Index wraps a BadgerDB-backed datastore.Datastore.
type Index struct {
	ds *badger4.Datastore
}

// Open opens (creating if absent) a Badger-backed index rooted at dir.
func Open(dir string) (*Index, error) {
	d, err := badger4.NewDatastore(dir, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open kvindex")
	}
	return &Index{ds: d}, nil
}

// OpenInMemory opens an ephemeral index, used for tests and for
// short-lived containers that never touch disk outside the archive
// itself.
func OpenInMemory() (*Index, error) {
	opts := badger4.DefaultOptions
	opts.InMemory = true
	d, err := badger4.NewDatastore("", &opts)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open in-memory kvindex")
	}
	return &Index{ds: d}, nil
}

// Close releases the underlying Badger handles.
func (idx *Index) Close() error {
	if err := idx.ds.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "close kvindex")
	}
	return nil
}

// PutInodePath records the current path for inodeID.
func (idx *Index) PutInodePath(ctx context.Context, inodeID, path string) error {
	return idx.ds.Put(ctx, ds.NewKey(inodePrefix+inodeID), []byte(path))
}

// GetInodePath resolves an inode's current path, if tracked.
func (idx *Index) GetInodePath(ctx context.Context, inodeID string) (string, bool, error) {
	v, err := idx.ds.Get(ctx, ds.NewKey(inodePrefix+inodeID))
	if err != nil {
		if err == ds.ErrNotFound {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.IO, err, "get inode path")
	}
	return string(v), true, nil
}

// DeleteInodePath forgets an inode's path mapping (on delete).
func (idx *Index) DeleteInodePath(ctx context.Context, inodeID string) error {
	return idx.ds.Delete(ctx, ds.NewKey(inodePrefix+inodeID))
}

// Rebuild repopulates the inode→path map from a fileMap snapshot,
// discarding any stale entries first — used on container Open since this
// index is never itself the source of truth.
func (idx *Index) Rebuild(ctx context.Context, fileMapInodeByPath map[string]string) error {
	if err := idx.clearPrefix(ctx, inodePrefix); err != nil {
		return err
	}
	for path, inodeID := range fileMapInodeByPath {
		if err := idx.PutInodePath(ctx, inodeID, path); err != nil {
			return err
		}
	}
	return nil
}

// MarkUsed records that key (a blob hash or delta/snapshot entry name) is
// reachable from history, for runGC's mark phase.
func (idx *Index) MarkUsed(ctx context.Context, key string) error {
	return idx.ds.Put(ctx, ds.NewKey(markPrefix+key), []byte{1})
}

// IsMarked reports whether key was marked in the current GC pass.
func (idx *Index) IsMarked(ctx context.Context, key string) (bool, error) {
	ok, err := idx.ds.Has(ctx, ds.NewKey(markPrefix+key))
	if err != nil {
		return false, errs.Wrap(errs.IO, err, "check gc mark")
	}
	return ok, nil
}

// ClearMarks discards the GC mark set, called at the start of every
// runGC pass so stale marks from an earlier run never leak in.
func (idx *Index) ClearMarks(ctx context.Context) error {
	return idx.clearPrefix(ctx, markPrefix)
}

func (idx *Index) clearPrefix(ctx context.Context, prefix string) error {
	q := query.Query{Prefix: prefix, KeysOnly: true}
	results, err := idx.ds.Query(ctx, q)
	if err != nil {
		return errs.Wrap(errs.IO, err, "query kvindex prefix %s", prefix)
	}
	defer results.Close()

	batch, err := idx.ds.Batch(ctx)
	if err != nil {
		return errs.Wrap(errs.IO, err, "start kvindex batch")
	}
	for entry := range results.Next() {
		if entry.Error != nil {
			return errs.Wrap(errs.IO, entry.Error, "iterate kvindex prefix %s", prefix)
		}
		if !strings.HasPrefix(entry.Key, prefix) {
			continue
		}
		if err := batch.Delete(ctx, ds.NewKey(entry.Key)); err != nil {
			return errs.Wrap(errs.IO, err, "delete kvindex entry %s", entry.Key)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return errs.Wrap(errs.IO, err, "commit kvindex batch")
	}
	return nil
}
