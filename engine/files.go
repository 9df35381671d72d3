package engine

import (
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/rename"
	"github.com/jcf-project/jcf/restore"
	"github.com/jcf-project/jcf/sqlindex"
)

const contentPrefix = "content/"

// validatePath enforces the working-copy path rules every addFile/
// removeFile/moveFile/getFile call shares: forward-slash separated,
// relative, no "." or ".." segments, non-empty.
func validatePath(p string) error {
	if p == "" {
		return errs.New(errs.Validation).WithPath(p)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return errs.New(errs.Validation).WithPath(p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errs.New(errs.Validation).WithPath(p)
		}
	}
	if path.Clean(p) != p {
		return errs.New(errs.Validation).WithPath(p)
	}
	return nil
}

// AddFile writes (or replaces) path's working-copy content. The change is
// not recorded in history until the next SaveCheckpoint.
func (e *Engine) AddFile(ctx context.Context, filePath string, data []byte) error {
	if err := validatePath(filePath); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}
	return e.storage.Write(ctx, contentPrefix+filePath, data)
}

// AddFileStream is AddFile's streaming counterpart, meant for entries at
// or above storage.StreamThreshold but legal for any size.
func (e *Engine) AddFileStream(ctx context.Context, filePath string, r io.Reader) error {
	if err := validatePath(filePath); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}
	w, err := e.storage.OpenWrite(ctx, contentPrefix+filePath)
	if err != nil {
		return errs.Wrap(errs.IO, err, "open stream for %s", filePath).WithPath(filePath)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return errs.Wrap(errs.IO, err, "stream content for %s", filePath).WithPath(filePath)
	}
	if err := w.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "finalize stream for %s", filePath).WithPath(filePath)
	}
	return nil
}

// AddFiles ingests many files concurrently through the engine's bounded
// worker pool: one pool.Submit closure per item, a WaitGroup barrier, and
// errors collected behind a mutex rather than returned from Submit itself
// (pond v1's Submit is fire-and-forget).
func (e *Engine) AddFiles(ctx context.Context, files map[string][]byte) error {
	for p := range files {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for filePath, data := range files {
		wg.Add(1)
		e.pool.Submit(func(filePath string, data []byte) func() {
			return func() {
				defer wg.Done()
				if err := e.storage.Write(ctx, contentPrefix+filePath, data); err != nil {
					recordErr(errs.Wrap(errs.IO, err, "write content for %s", filePath).WithPath(filePath))
				}
			}
		}(filePath, data))
	}
	wg.Wait()
	return firstErr
}

// RemoveFile deletes path's working-copy content. As with AddFile, the
// removal is only recorded in history at the next checkpoint.
func (e *Engine) RemoveFile(ctx context.Context, filePath string) error {
	if err := validatePath(filePath); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}
	name := contentPrefix + filePath
	exists, err := e.storage.Exists(ctx, name)
	if err != nil {
		return errs.Wrap(errs.IO, err, "check existence of %s", filePath).WithPath(filePath)
	}
	if !exists {
		return errs.New(errs.NotFound).WithPath(filePath)
	}
	return e.storage.Delete(ctx, name)
}

// MoveFile relocates fromPath to toPath, preserving the path's inodeId
// across the rename. The manifest's fileMap and renameLog are updated and
// persisted immediately, independent of checkpoints.
func (e *Engine) MoveFile(ctx context.Context, fromPath, toPath string) error {
	if err := validatePath(fromPath); err != nil {
		return err
	}
	if err := validatePath(toPath); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}

	deps := rename.Deps{Storage: e.storage, Deltas: e.deltas, Inodes: e.inodes, SQL: e.sql}
	updated, err := rename.MoveFile(ctx, deps, e.manifest, fromPath, toPath, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := e.persistManifestLocked(ctx, updated); err != nil {
		return err
	}
	e.log.WithField("op", "moveFile").Debugf("%s -> %s", fromPath, toPath)
	return nil
}

// GetFile returns path's content. An empty versionID reads the live
// working copy; otherwise the content is reconstructed as of that version
// without mutating content/.
func (e *Engine) GetFile(ctx context.Context, filePath, versionID string) ([]byte, error) {
	if err := validatePath(filePath); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return nil, err
	}

	if versionID == "" {
		data, err := e.storage.Read(ctx, contentPrefix+filePath)
		if err != nil {
			if errs.KindIs(err, errs.NotFound) {
				return nil, errs.New(errs.NotFound).WithPath(filePath)
			}
			return nil, err
		}
		return data, nil
	}

	deps := restore.Deps{Storage: e.storage, Blobs: e.blobs, Deltas: e.deltas, Diff: e.diff, Inodes: e.inodes}
	return restore.ReconstructFile(ctx, deps, e.manifest, versionID, filePath)
}

// FileInfo describes one listFiles row, unifying the live (sqlindex-backed)
// and historical (manifest-scan) query paths behind a single shape.
type FileInfo struct {
	Path    string
	InodeID string
	Type    string
	Size    int64
}

// ListFiles lists live files under dir (prefix match, "" for all). An
// empty versionID queries the current working set via sqlindex; otherwise
// it scans the named version's FileStates directly.
func (e *Engine) ListFiles(ctx context.Context, dir, versionID string) ([]FileInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return nil, err
	}

	if versionID == "" {
		rows, err := e.sql.ListFiles(ctx, dir)
		if err != nil {
			return nil, err
		}
		out := make([]FileInfo, len(rows))
		for i, r := range rows {
			out[i] = FileInfo{Path: r.Path, InodeID: r.InodeID, Type: r.Type, Size: r.Size}
		}
		return out, nil
	}

	v, ok := e.manifest.VersionByID(versionID)
	if !ok {
		return nil, errs.New(errs.NotFound).WithVersion(versionID)
	}
	var out []FileInfo
	for p, state := range v.FileStates {
		if state.Deleted || !strings.HasPrefix(p, dir) {
			continue
		}
		fileType := "text"
		if state.Hash != "" {
			fileType = "binary"
		}
		out = append(out, FileInfo{Path: p, InodeID: state.InodeID, Type: fileType, Size: state.Size})
	}
	return out, nil
}

// FileHistory returns every (version, path, changeType) step recorded for
// the inode currently at path, across any renames.
func (e *Engine) FileHistory(ctx context.Context, filePath string) ([]sqlindex.HistoryEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return nil, err
	}
	return e.sql.FileHistory(ctx, filePath)
}

// Diff lists the per-path changes between two versions.
func (e *Engine) Diff(ctx context.Context, vA, vB string) ([]sqlindex.DiffEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return nil, err
	}
	return e.sql.Diff(ctx, vA, vB)
}
