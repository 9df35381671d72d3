// Package storage defines the storage port: byte-addressable
// read/write of named entries inside a container, independent of whether
// the backing bytes live on a filesystem, in memory, or in a remote
// blobstore. Concrete adapters live in storage/zipfs and storage/memfs.
package storage

import (
	"context"
	"io"
)

// StreamThreshold is the default size above which OpenRead/OpenWrite
// should be used instead of the fully-buffered Read/Write.
const StreamThreshold = 50 * 1024 * 1024 // 50 MiB

// Port is the byte-addressable named-entry store every higher layer
// (Archive Codec, Blob Store, Delta Store, Manifest) is built on.
type Port interface {
	// Read returns the full contents of name.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write replaces or creates name with bytes, atomically with respect
	// to concurrent readers of the same name.
	Write(ctx context.Context, name string, data []byte) error
	// Exists reports whether name is present.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes name. Deleting an absent name is not an error.
	Delete(ctx context.Context, name string) error
	// List returns every entry name with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Size returns the byte length of name.
	Size(ctx context.Context, name string) (int64, error)
	// Rename atomically moves from to to within the container. to must
	// not already exist.
	Rename(ctx context.Context, from, to string) error

	// OpenRead returns a streaming reader for name, required for entries
	// at or above StreamThreshold but legal for any entry.
	OpenRead(ctx context.Context, name string) (io.ReadCloser, error)
	// OpenWrite returns a streaming writer that finalizes name atomically
	// on Close, or leaves no trace on an unclosed/cancelled write.
	OpenWrite(ctx context.Context, name string) (io.WriteCloser, error)

	// Close releases any resources (file handles, temp dirs) the adapter
	// holds open.
	Close() error
}

// OrderedLister is implemented by adapters that can report entries in
// their physical on-disk order, needed to check that the mimetype marker
// is first — a question List's lexicographic order cannot answer.
type OrderedLister interface {
	OrderedNames(ctx context.Context) ([]string, error)
}

// RawExporter is implemented by adapters that can stream their own
// on-disk container bytes directly, letting an export avoid re-encoding
// a ZIP the adapter already maintains.
type RawExporter interface {
	WriteTo(w io.Writer) (int64, error)
}
