package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	kflate "github.com/klauspost/compress/flate"

	"github.com/jcf-project/jcf/archivecodec"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/manifeststore"
	"github.com/jcf-project/jcf/storage"
)

// Export streams the container's full byte representation to w.
// Disk-backed containers (storage/zipfs) hand back their own file
// directly via storage.RawExporter; any other storage port is re-encoded
// here using the same archivecodec compression policy zipfs applies
// internally, so the two paths produce an equivalent container.
func (e *Engine) Export(ctx context.Context, w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}

	if exporter, ok := e.storage.(storage.RawExporter); ok {
		_, err := exporter.WriteTo(w)
		return err
	}
	return e.exportGenericLocked(ctx, w)
}

// exportGenericLocked builds a fresh ZIP archive from e.storage's entries,
// mirroring the compression-method decisions zipfs.container.flushLocked
// makes, for adapters (e.g. storage/memfs) that hold no file on disk to
// stream from directly.
func (e *Engine) exportGenericLocked(ctx context.Context, w io.Writer) error {
	names, err := e.orderedNamesLocked(ctx)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	currentLevel := 6
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(w, currentLevel)
	})

	policy := archivecodec.Policy()
	for _, name := range names {
		data, err := e.storage.Read(ctx, name)
		if err != nil {
			return errs.Wrap(errs.IO, err, "read %s for export", name)
		}
		method, level := policy(name, data)
		currentLevel = level
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			return errs.Wrap(errs.IO, err, "write export header for %s", name)
		}
		if _, err := fw.Write(data); err != nil {
			return errs.Wrap(errs.IO, err, "write export data for %s", name)
		}
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "finalize export archive")
	}
	return nil
}

func (e *Engine) orderedNamesLocked(ctx context.Context) ([]string, error) {
	if ol, ok := e.storage.(storage.OrderedLister); ok {
		return ol.OrderedNames(ctx)
	}
	names, err := e.storage.List(ctx, "")
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "list entries for export")
	}
	sort.Strings(names)
	// The mimetype marker must be the archive's first physical entry,
	// which lexicographic order does not give us.
	for i, name := range names {
		if name == archivecodec.MimetypeEntry {
			copy(names[1:i+1], names[:i])
			names[0] = name
			break
		}
	}
	return names, nil
}

// Import replaces the engine's entire container state with the ZIP
// archive read from r: every existing entry is discarded, the archive's
// entries are written back in through the worker pool (mirroring
// AddFiles' concurrency), and the manifest is reloaded fresh so
// e.manifest and the secondary indexes reflect exactly what was
// imported.
func (e *Engine) Import(ctx context.Context, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return errs.Wrap(errs.IO, err, "read import stream")
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return errs.Wrap(errs.InvalidContainer, err, "parse import archive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return err
	}

	existing, err := e.storage.List(ctx, "")
	if err != nil {
		return errs.Wrap(errs.IO, err, "list existing entries before import")
	}
	for _, name := range existing {
		if err := e.storage.Delete(ctx, name); err != nil {
			return errs.Wrap(errs.IO, err, "clear existing entry %s", name)
		}
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

	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return errs.Wrap(errs.InvalidContainer, err, "open import entry %s", zf.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return errs.Wrap(errs.InvalidContainer, err, "read import entry %s", zf.Name)
		}

		wg.Add(1)
		e.pool.Submit(func(name string, data []byte) func() {
			return func() {
				defer wg.Done()
				if err := e.storage.Write(ctx, name, data); err != nil {
					recordErr(errs.Wrap(errs.IO, err, "write imported entry %s", name))
				}
			}
		}(zf.Name, data))
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	if err := archivecodec.CheckMimetype(ctx, e.storage); err != nil {
		return err
	}
	m, err := manifeststore.Load(ctx, e.storage)
	if err != nil {
		return err
	}
	e.manifest = m
	if err := e.rebuildIndexesLocked(ctx); err != nil {
		return err
	}
	e.log.WithField("op", "import").Infof("imported %d entries", len(zr.File))
	return nil
}
