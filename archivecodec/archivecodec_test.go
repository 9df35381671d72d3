package archivecodec

import (
	"archive/zip"
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyMimetypeIsAlwaysStore(t *testing.T) {
	method, level := Policy()(MimetypeEntry, []byte(MimetypeLiteral))
	assert.EqualValues(t, zip.Store, method)
	assert.Zero(t, level)
}

func TestPolicyManifestIsDeflate6(t *testing.T) {
	method, level := Policy()("manifest.json", []byte("{}"))
	assert.EqualValues(t, zip.Deflate, method)
	assert.Equal(t, 6, level)
}

func TestPolicyBlobsAreStored(t *testing.T) {
	method, _ := Policy()(".store/blobs/deadbeef", []byte("x"))
	assert.EqualValues(t, zip.Store, method)
}

func TestPolicyDeltasSnapshotsAndBasisAreDeflate9(t *testing.T) {
	p := Policy()
	for _, name := range []string{
		".store/deltas/ab/cd.patch",
		".store/snapshots/v1/ab",
		".store/basis/ab",
	} {
		method, level := p(name, []byte("patch data"))
		assert.EqualValuesf(t, zip.Deflate, method, "name=%s", name)
		assert.Equalf(t, 9, level, "name=%s", name)
	}
}

func TestPolicyTmpIsStored(t *testing.T) {
	method, _ := Policy()(".store/tmp/abc.manifest.json", []byte("x"))
	assert.EqualValues(t, zip.Store, method)
}

func TestPolicyContentKnownExtensionsAreStored(t *testing.T) {
	method, _ := Policy()("content/photo.png", []byte{0xFF, 0xD8})
	assert.EqualValues(t, zip.Store, method)
}

func TestPolicyContentKnownCompressibleExtensionsAreDeflate6(t *testing.T) {
	method, level := Policy()("content/readme.md", []byte("# hi\n\nmore text here"))
	assert.EqualValues(t, zip.Deflate, method)
	assert.Equal(t, 6, level)
}

func TestPolicyContentUnknownExtensionFallsBackToSampling(t *testing.T) {
	// Highly repetitive data compresses well -> should be accepted as Deflate.
	repetitive := bytes.Repeat([]byte("aaaaaaaaaa"), 1000)
	method, _ := Policy()("content/data.unknownext", repetitive)
	assert.EqualValues(t, zip.Deflate, method)

	// Random incompressible data should fall back to Store.
	random := make([]byte, 8192)
	rand.New(rand.NewSource(1)).Read(random)
	method, _ = Policy()("content/blob.unknownext", random)
	assert.EqualValues(t, zip.Store, method)
}

func TestPolicyDefaultFallsBackToDeflate6(t *testing.T) {
	method, level := Policy()("some/other/path", []byte("x"))
	assert.EqualValues(t, zip.Deflate, method)
	assert.Equal(t, 6, level)
}

func TestSampledPolicyEmptyDataIsStored(t *testing.T) {
	method, level := sampledPolicy(nil)
	assert.EqualValues(t, zip.Store, method)
	assert.Zero(t, level)
}

func TestSampledPolicyOnlySamplesFirstWindow(t *testing.T) {
	// A file larger than sampleSize whose first 4 KiB is repetitive but
	// whose tail is random must still be judged purely on the sample.
	head := bytes.Repeat([]byte("b"), sampleSize)
	tail := make([]byte, sampleSize*4)
	rand.New(rand.NewSource(2)).Read(tail)
	data := append(head, tail...)

	method, _ := sampledPolicy(data)
	assert.EqualValues(t, zip.Deflate, method)
}
