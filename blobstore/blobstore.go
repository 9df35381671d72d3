// Package blobstore is the content-addressed binary store: immutable
// byte strings addressed by lowercase-hex SHA-256 under
// .store/blobs/<hex>, with an optional LRU in front of reads.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"

	"github.com/google/uuid"

	"github.com/jcf-project/jcf/cachelru"
	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage"
)

const blobPrefix = ".store/blobs/"
const tmpPrefix = ".store/tmp/"

// DefaultMaxBlobSize is the default per-blob size limit.
const DefaultMaxBlobSize = 500 * 1024 * 1024 // 500 MiB

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is the CAS over a Storage Port.
type Store struct {
	s           storage.Port
	cache       *cachelru.ByteBounded
	maxBlobSize int64
}

// New creates a Store. cache may be nil to disable the hot-blob LRU.
func New(s storage.Port, cache *cachelru.ByteBounded, maxBlobSize int64) *Store {
	if maxBlobSize <= 0 {
		maxBlobSize = DefaultMaxBlobSize
	}
	return &Store{s: s, cache: cache, maxBlobSize: maxBlobSize}
}

func blobKey(hexHash string) string { return blobPrefix + hexHash }

// EntryName returns the Storage Port entry name a blob hash maps to,
// without requiring it to exist.
func EntryName(hexHash string) string { return blobKey(hexHash) }

// HashHex computes the lowercase-hex SHA-256 address Put would assign to
// data, without storing anything.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its lowercase-hex SHA-256 address. Writing
// the same content twice is a no-op on the second call.
func (st *Store) Put(ctx context.Context, data []byte) (string, error) {
	return st.PutStream(ctx, bytes.NewReader(data), int64(len(data)))
}

// PutStream tees r through an incremental SHA-256 while writing to a
// .store/tmp/<uuid> staging entry, then either discards the staged entry
// (dedup hit) or renames it into place. sizeHint, when known, lets the
// size limit be rejected before the write even starts; pass -1 if
// unknown.
func (st *Store) PutStream(ctx context.Context, r io.Reader, sizeHint int64) (string, error) {
	if sizeHint >= 0 && sizeHint > st.maxBlobSize {
		return "", errs.Newf(errs.BlobTooLarge, "blob size %d exceeds limit %d", sizeHint, st.maxBlobSize)
	}

	tmpName := tmpPrefix + uuid.NewString()
	w, err := st.s.OpenWrite(ctx, tmpName)
	if err != nil {
		return "", errs.Wrap(errs.IO, err, "open tmp blob entry")
	}

	h := sha256.New()
	tee := io.TeeReader(r, h)
	n, copyErr := io.Copy(w, tee)
	closeErr := w.Close()

	if copyErr != nil {
		_ = st.s.Delete(ctx, tmpName)
		return "", errs.Wrap(errs.IO, copyErr, "stream blob content")
	}
	if closeErr != nil {
		_ = st.s.Delete(ctx, tmpName)
		return "", errs.Wrap(errs.IO, closeErr, "finalize tmp blob entry")
	}
	if n > st.maxBlobSize {
		_ = st.s.Delete(ctx, tmpName)
		return "", errs.Newf(errs.BlobTooLarge, "blob size %d exceeds limit %d", n, st.maxBlobSize)
	}

	hexHash := hex.EncodeToString(h.Sum(nil))
	exists, err := st.s.Exists(ctx, blobKey(hexHash))
	if err != nil {
		_ = st.s.Delete(ctx, tmpName)
		return "", errs.Wrap(errs.IO, err, "check blob existence")
	}
	if exists {
		if err := st.s.Delete(ctx, tmpName); err != nil {
			return "", errs.Wrap(errs.IO, err, "discard deduped tmp blob")
		}
		return hexHash, nil
	}
	if err := st.s.Rename(ctx, tmpName, blobKey(hexHash)); err != nil {
		return "", errs.Wrap(errs.IO, err, "commit blob")
	}
	return hexHash, nil
}

// Get fetches and hash-verifies a blob. Verification is mandatory here
// since containers may have been edited or corrupted out-of-band; a
// mismatch is reported as BlobCorruption, an absent entry as
// MissingBlob.
func (st *Store) Get(ctx context.Context, hexHash string) ([]byte, error) {
	if !hexPattern.MatchString(hexHash) {
		return nil, errs.New(errs.InvalidHash).WithHash(hexHash)
	}
	if st.cache != nil {
		if v, ok := st.cache.Get(hexHash); ok {
			return v, nil
		}
	}
	data, err := st.s.Read(ctx, blobKey(hexHash))
	if err != nil {
		if errs.KindIs(err, errs.NotFound) {
			return nil, errs.New(errs.MissingBlob).WithHash(hexHash)
		}
		return nil, errs.Wrap(errs.IO, err, "read blob")
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hexHash {
		return nil, errs.New(errs.BlobCorruption).WithHash(hexHash)
	}
	if st.cache != nil {
		st.cache.Put(hexHash, data)
	}
	return data, nil
}

// Has reports whether hexHash is present, without reading or verifying
// its content.
func (st *Store) Has(ctx context.Context, hexHash string) (bool, error) {
	if !hexPattern.MatchString(hexHash) {
		return false, errs.New(errs.InvalidHash).WithHash(hexHash)
	}
	return st.s.Exists(ctx, blobKey(hexHash))
}

// List returns every blob hash currently stored.
func (st *Store) List(ctx context.Context) ([]string, error) {
	names, err := st.s.List(ctx, blobPrefix)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "list blobs")
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n[len(blobPrefix):]
	}
	return out, nil
}

// Delete removes a blob entry (used only by GC's sweep step).
func (st *Store) Delete(ctx context.Context, hexHash string) error {
	if st.cache != nil {
		st.cache.Remove(hexHash)
	}
	return st.s.Delete(ctx, blobKey(hexHash))
}

// Size reports a blob's stored byte length without reading its content.
func (st *Store) Size(ctx context.Context, hexHash string) (int64, error) {
	return st.s.Size(ctx, blobKey(hexHash))
}
