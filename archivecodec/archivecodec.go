// Package archivecodec is the per-entry compression policy layered over
// the storage port, plus the rules around the mimetype marker entry. It
// is the only package that decides *how* bytes are physically stored;
// storage/zipfs merely carries out whatever CompressionPolicy it is
// given.
package archivecodec

import (
	"archive/zip"
	"path/filepath"
	"strings"

	kflate "github.com/klauspost/compress/flate"

	"github.com/jcf-project/jcf/storage/zipfs"
)

// MimetypeEntry is the first entry every container must contain.
const MimetypeEntry = "mimetype"

// MimetypeLiteral is the exact byte payload of the mimetype entry.
const MimetypeLiteral = "application/x-jcf"

// already-compressed extensions are stored rather than re-deflated.
var storedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".mp4": true, ".zip": true, ".gz": true, ".7z": true, ".wasm": true,
}

// sampleSize and sampleLevel govern the unknown-binary heuristic:
// sample the first 4 KiB, compress at level 1, accept DEFLATE only if
// the ratio beats sampleAcceptRatio.
const (
	sampleSize        = 4096
	sampleLevel       = 1
	sampleAcceptRatio = 0.9
)

// Policy returns the container's zipfs.CompressionPolicy: mimetype is
// STORE-only, manifest.json is DEFLATE-6, content/**
// follows the compressible/incompressible extension table (falling back
// to the 4 KiB sampling heuristic for unrecognized extensions), blob
// entries are STORE (already binary, and STORE keeps hash-identity
// trivial to audit), and delta entries are DEFLATE-9.
func Policy() zipfs.CompressionPolicy {
	return func(name string, data []byte) (uint16, int) {
		switch {
		case name == MimetypeEntry:
			return zip.Store, 0
		case name == "manifest.json":
			return zip.Deflate, 6
		case strings.HasPrefix(name, ".store/blobs/"):
			return zip.Store, 0
		case strings.HasPrefix(name, ".store/deltas/"):
			return zip.Deflate, 9
		case strings.HasPrefix(name, ".store/snapshots/"):
			return zip.Deflate, 9
		case strings.HasPrefix(name, ".store/basis/"):
			return zip.Deflate, 9
		case strings.HasPrefix(name, ".store/tmp/"):
			return zip.Store, 0
		case strings.HasPrefix(name, ".store/gc/"):
			return zip.Deflate, 6
		case strings.HasPrefix(name, "content/"):
			return contentPolicy(name, data)
		default:
			return zip.Deflate, 6
		}
	}
}

func contentPolicy(name string, data []byte) (uint16, int) {
	ext := strings.ToLower(filepath.Ext(name))
	if storedExtensions[ext] {
		return zip.Store, 0
	}
	if isKnownCompressible(ext) {
		return zip.Deflate, 6
	}
	return sampledPolicy(data)
}

var compressibleExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".xml": true, ".html": true,
	".css": true, ".js": true, ".ts": true, ".go": true, ".py": true,
	".csv": true, ".svg": true, ".yaml": true, ".yml": true, ".toml": true,
}

func isKnownCompressible(ext string) bool {
	return compressibleExtensions[ext]
}

// sampledPolicy implements the "unknown binary" decision procedure:
// compress a 4 KiB sample at level 1 and only commit to DEFLATE for the
// full entry if the sampled ratio beats sampleAcceptRatio.
func sampledPolicy(data []byte) (uint16, int) {
	sample := data
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	if len(sample) == 0 {
		return zip.Store, 0
	}
	var compressed countingWriter
	w, err := kflate.NewWriter(&compressed, sampleLevel)
	if err != nil {
		return zip.Store, 0
	}
	if _, err := w.Write(sample); err != nil {
		return zip.Store, 0
	}
	if err := w.Close(); err != nil {
		return zip.Store, 0
	}
	ratio := float64(compressed.n) / float64(len(sample))
	if ratio < sampleAcceptRatio {
		return zip.Deflate, 6
	}
	return zip.Store, 0
}

type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
