// Package engine is the façade over one open container: the single entry
// point that wires the storage port, archive codec, blob store, delta
// store, manifest, version graph, checkpoint/restore pipelines, rename
// tracking, GC, and verification behind the operations an embedder
// actually calls. One struct holds every collaborator, a process-wide
// lock serializes mutations, and the public methods are thin
// orchestration over the lower packages.
package engine

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/jcf-project/jcf/archivecodec"
	"github.com/jcf-project/jcf/blobstore"
	"github.com/jcf-project/jcf/cachelru"
	"github.com/jcf-project/jcf/deltastore"
	"github.com/jcf-project/jcf/diffengine"
	"github.com/jcf-project/jcf/diffengine/gitdiff"
	"github.com/jcf-project/jcf/enginelog"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/kvindex"
	"github.com/jcf-project/jcf/manifeststore"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/sqlindex"
	"github.com/jcf-project/jcf/storage"
	"github.com/jcf-project/jcf/storage/zipfs"
)

// Options configures an Engine. Every field has a documented fallback.
type Options struct {
	// Debug enables human-readable logging at debug level instead of the
	// default warn-level JSON output (enginelog.New).
	Debug bool
	// MaxBlobSize overrides blobstore.DefaultMaxBlobSize.
	MaxBlobSize int64
	// CacheBytes bounds the shared blob/delta LRU (cachelru.ByteBounded).
	// Zero disables caching.
	CacheBytes int64
	// SnapshotInterval overrides checkpoint.DefaultSnapshotInterval.
	SnapshotInterval int
	// GCGrace overrides gc.DefaultGrace. A negative value disables the
	// grace window entirely (orphans are eligible on the first pass).
	GCGrace time.Duration
	// Workers bounds the worker pool used for batched file ingestion
	// (AddFiles) and import. Zero defaults to runtime.NumCPU().
	Workers int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	return o
}

// Engine is the façade over one open JCF container. All mutating
// operations take the write half of mu; read-only queries take the read
// half — single writer, many readers within one process. Cross-process
// exclusion is handled separately by the advisory lock file acquired in
// Open/Create for disk-backed containers.
type Engine struct {
	mu sync.RWMutex

	path     string
	lockFile *os.File

	storage  storage.Port
	manifest *model.Manifest

	blobs  *blobstore.Store
	deltas *deltastore.Store
	diff   diffengine.Engine
	inodes *kvindex.Index
	sql    *sqlindex.Index
	cache  *cachelru.ByteBounded
	pool   *pond.WorkerPool

	log  *logrus.Entry
	opts Options
}

// Open loads an existing container from a file on disk. It acquires an
// advisory cross-process lock at path+".lock" for the lifetime of the
// Engine, released by Close.
func Open(ctx context.Context, path string, opts Options) (*Engine, error) {
	lockFile, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	port, err := zipfs.Open(path, archivecodec.Policy())
	if err != nil {
		releaseLock(lockFile, path)
		return nil, err
	}
	e, err := openPort(ctx, port, opts)
	if err != nil {
		releaseLock(lockFile, path)
		return nil, err
	}
	e.path = path
	e.lockFile = lockFile
	return e, nil
}

// Create makes a new, empty container on disk at path: writes the
// mimetype marker first, then an empty Manifest.
func Create(ctx context.Context, path, author, application string, opts Options) (*Engine, error) {
	lockFile, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	port, err := zipfs.Create(path, archivecodec.Policy())
	if err != nil {
		releaseLock(lockFile, path)
		return nil, err
	}
	e, err := createPort(ctx, port, author, application, opts)
	if err != nil {
		releaseLock(lockFile, path)
		return nil, err
	}
	e.path = path
	e.lockFile = lockFile
	return e, nil
}

// OpenMemory and CreateMemory build an ephemeral, never-persisted Engine
// over storage/memfs, used by tests and by short-lived in-process
// containers that never need export until explicitly asked.
func OpenMemory(ctx context.Context, port storage.Port, opts Options) (*Engine, error) {
	return openPort(ctx, port, opts)
}

func CreateMemory(ctx context.Context, port storage.Port, author, application string, opts Options) (*Engine, error) {
	return createPort(ctx, port, author, application, opts)
}

func openPort(ctx context.Context, port storage.Port, opts Options) (*Engine, error) {
	if err := archivecodec.CheckMimetype(ctx, port); err != nil {
		return nil, err
	}
	m, err := manifeststore.Load(ctx, port)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, port, m, opts)
}

func createPort(ctx context.Context, port storage.Port, author, application string, opts Options) (*Engine, error) {
	if err := archivecodec.InitMimetype(ctx, port); err != nil {
		return nil, err
	}
	m := model.New(author, application, time.Now().UTC())
	if err := manifeststore.Save(ctx, port, m); err != nil {
		return nil, err
	}
	return newEngine(ctx, port, m, opts)
}

func newEngine(ctx context.Context, port storage.Port, m *model.Manifest, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	inodes, err := kvindex.OpenInMemory()
	if err != nil {
		return nil, err
	}
	sqlIdx, err := sqlindex.Open(":memory:", sqlindex.Options{})
	if err != nil {
		inodes.Close()
		return nil, err
	}

	var cache *cachelru.ByteBounded
	if opts.CacheBytes > 0 {
		cache = cachelru.New(opts.CacheBytes, 1024)
	}

	e := &Engine{
		storage:  port,
		manifest: m,
		blobs:    blobstore.New(port, cache, opts.MaxBlobSize),
		deltas:   deltastore.New(port, cache),
		diff:     gitdiff.New(),
		inodes:   inodes,
		sql:      sqlIdx,
		cache:    cache,
		pool:     pond.New(opts.Workers, 0, pond.MinWorkers(1)),
		log:      enginelog.New(pathOrMemory(port), opts.Debug),
		opts:     opts,
	}

	if err := e.rebuildIndexesLocked(ctx); err != nil {
		e.closeCollaborators()
		return nil, err
	}
	return e, nil
}

func pathOrMemory(port storage.Port) string {
	if _, ok := port.(storage.RawExporter); ok {
		return "container"
	}
	return "memory"
}

// rebuildIndexesLocked repopulates the kvindex/sqlindex secondary indexes
// from e.manifest. Both are throwaway query caches, never the source of
// truth (kvindex's and sqlindex's doc comments), so this is safe to call
// after Open, after every checkpoint, and after every restore.
func (e *Engine) rebuildIndexesLocked(ctx context.Context) error {
	inodeByPath := make(map[string]string, len(e.manifest.FileMap))
	for path, fe := range e.manifest.FileMap {
		inodeByPath[path] = fe.InodeID
	}
	if err := e.inodes.Rebuild(ctx, inodeByPath); err != nil {
		return err
	}
	return e.sql.Rebuild(ctx, e.manifest)
}

// Close releases every collaborator's resources and the advisory lock
// file, if one was acquired.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.closeCollaborators()
	if e.lockFile != nil {
		releaseLock(e.lockFile, e.path)
	}
	return err
}

func (e *Engine) closeCollaborators() error {
	e.pool.StopAndWait()
	var firstErr error
	if err := e.sql.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.inodes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// acquireLock is the advisory cross-process file lock: an O_EXCL create
// of a sidecar ".lock" file next to the container. Unlike flock(2) this
// does not survive a crash automatically; a stale lock left by a killed
// process must be removed by an operator.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Newf(errs.ConcurrentModification, "container %s is locked by another process", path)
		}
		return nil, errs.Wrap(errs.IO, err, "acquire container lock")
	}
	return f, nil
}

func releaseLock(f *os.File, path string) {
	f.Close()
	os.Remove(path + ".lock")
}

// Manifest returns a shallow copy of the engine's in-memory manifest
// state, for callers that need read-only access beyond the façade's
// query methods (e.g. a CLI's `inspect` command).
func (e *Engine) Manifest() model.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.manifest
}

// checkContext is the per-operation cancellation check every façade method
// makes right after acquiring its lock, so a cancelled ctx never reaches
// the lower packages' own per-file ctx.Err() checks mid-operation.
func (e *Engine) checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, err, "operation cancelled")
	}
	return nil
}

var _ io.Closer = (*Engine)(nil)
