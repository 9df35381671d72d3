// Package zipfs is the on-disk storage port adapter: a JCF container is
// a single ZIP-shaped file on disk, and this package is the only place
// that imports archive/zip directly.
//
// Because individual ZIP entries cannot be mutated in place, every
// mutating call materializes the full entry set into a temp file and
// renames it over the container path, so the archive on disk is always a
// complete, uncorrupted container.
package zipfs

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kflate "github.com/klauspost/compress/flate"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage"
)

// CompressionPolicy decides the ZIP storage method for an entry. The
// archivecodec layer supplies the concrete policy; zipfs falls back to
// DEFLATE for everything but the mimetype marker if none is supplied.
type CompressionPolicy func(name string, data []byte) (method uint16, level int)

func defaultPolicy(name string, _ []byte) (uint16, int) {
	if name == "mimetype" {
		return zip.Store, 0
	}
	return zip.Deflate, 6
}

type entry struct {
	data   []byte
	method uint16
	level  int
}

type container struct {
	mu       sync.Mutex
	path     string
	entries  map[string]*entry
	order    []string // insertion order, mimetype kept first by convention
	policy   CompressionPolicy
}

// Open loads an existing JCF container from path, or Create makes a new
// empty one. Both return the same storage.Port implementation.
func Open(path string, policy CompressionPolicy) (storage.Port, error) {
	if policy == nil {
		policy = defaultPolicy
	}
	c := &container{path: path, entries: map[string]*entry{}, policy: policy}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound).WithPath(path)
		}
		return nil, errs.Wrap(errs.IO, err, "open container")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "stat container")
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, errs.Wrap(errs.InvalidContainer, err, "parse zip")
	}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return nil, errs.Wrap(errs.InvalidContainer, err, "open zip entry %s", zf.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errs.Wrap(errs.InvalidContainer, err, "read zip entry %s", zf.Name)
		}
		c.entries[zf.Name] = &entry{data: data, method: zf.Method}
		c.order = append(c.order, zf.Name)
	}
	return c, nil
}

// Create makes a new, empty container on disk at path and returns a Port
// over it. The mimetype entry is NOT written here; callers must Write it
// first (engine.Create does this before anything else touches the
// container, so it lands in first position).
func Create(path string, policy CompressionPolicy) (storage.Port, error) {
	if policy == nil {
		policy = defaultPolicy
	}
	c := &container{path: path, entries: map[string]*entry{}, policy: policy}
	if err := c.flushLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *container) Read(_ context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, errs.New(errs.NotFound).WithPath(name)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (c *container) Write(_ context.Context, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	method, level := c.policy(name, data)
	cp := make([]byte, len(data))
	copy(cp, data)
	if _, exists := c.entries[name]; !exists {
		c.insertOrderLocked(name)
	}
	c.entries[name] = &entry{data: cp, method: method, level: level}
	return c.flushLocked()
}

// insertOrderLocked appends name to order, keeping "mimetype" first
// regardless of write order.
func (c *container) insertOrderLocked(name string) {
	if name == "mimetype" {
		c.order = append([]string{name}, c.order...)
		return
	}
	c.order = append(c.order, name)
}

func (c *container) Exists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok, nil
}

func (c *container) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return nil
	}
	delete(c.entries, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return c.flushLocked()
}

func (c *container) List(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for name := range c.entries {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *container) Size(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return 0, errs.New(errs.NotFound).WithPath(name)
	}
	return int64(len(e.data)), nil
}

func (c *container) Rename(_ context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[from]
	if !ok {
		return errs.New(errs.NotFound).WithPath(from)
	}
	if _, exists := c.entries[to]; exists {
		return errs.New(errs.AlreadyExists).WithPath(to)
	}
	c.entries[to] = e
	delete(c.entries, from)
	for i, n := range c.order {
		if n == from {
			c.order[i] = to
			break
		}
	}
	return c.flushLocked()
}

func (c *container) OpenRead(ctx context.Context, name string) (io.ReadCloser, error) {
	b, err := c.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type zipWriter struct {
	c    *container
	name string
	buf  bytes.Buffer
}

func (w *zipWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *zipWriter) Close() error {
	return w.c.Write(context.Background(), w.name, w.buf.Bytes())
}

func (c *container) OpenWrite(_ context.Context, name string) (io.WriteCloser, error) {
	return &zipWriter{c: c, name: name}, nil
}

// flushLocked rewrites the whole archive to a temp file and renames it
// over c.path. Callers must hold c.mu.
func (c *container) flushLocked() error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// archive/zip only lets a compressor be registered per method, not per
	// entry, so a single mutable "current level" is shared with the
	// registered deflate compressor below; safe because entries are
	// written strictly one at a time.
	currentLevel := 6
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(w, currentLevel)
	})

	for _, name := range c.order {
		e := c.entries[name]
		if e == nil {
			continue
		}
		currentLevel = e.level
		hdr := &zip.FileHeader{Name: name, Method: e.method}
		hdr.SetModTime(epoch)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return errs.Wrap(errs.IO, err, "write zip header %s", name)
		}
		if _, err := w.Write(e.data); err != nil {
			return errs.Wrap(errs.IO, err, "write zip data %s", name)
		}
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "finalize zip")
	}

	dir := filepath.Dir(c.path)
	if dir == "" {
		dir = "."
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".jcf.tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errs.Wrap(errs.IO, err, "write temp container")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.IO, err, "rename temp container")
	}
	return nil
}

// OrderedNames returns entry names in physical archive order, satisfying
// storage.OrderedLister.
func (c *container) OrderedNames(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out, nil
}

// WriteTo streams the container's on-disk bytes to w, satisfying
// storage.RawExporter so an export can hand back the exact file already
// sitting on disk instead of re-encoding it.
func (c *container) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.Open(c.path)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err, "open container for export")
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, errs.Wrap(errs.IO, err, "stream container export")
	}
	return n, nil
}

func (c *container) Close() error { return nil }

// epoch is used as the mtime for every zip entry so that two containers
// with identical logical content produce byte-identical archives.
var epoch = time.Unix(0, 0).UTC()
