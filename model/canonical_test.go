package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAtEveryLevel(t *testing.T) {
	m := New("zeta", "app", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m.FileMap["b.txt"] = FileEntry{InodeID: "i2", Type: FileTypeText}
	m.FileMap["a.txt"] = FileEntry{InodeID: "i1", Type: FileTypeText}

	out, err := Canonicalize(m)
	require.NoError(t, err)

	// "author" must sort before "created" at the metadata level, and
	// fileMap's keys must come out lexicographically despite Go's
	// randomized map iteration order.
	// fileMap entries carry their own "created" key and sort ahead of
	// metadata, so both keys are looked up inside the metadata object.
	meta := out[indexOf(t, out, `"metadata"`):]
	idxAuthor := indexOf(t, meta, `"author"`)
	idxCreated := indexOf(t, meta, `"created"`)
	assert.Less(t, idxAuthor, idxCreated)

	idxA := indexOf(t, out, `"a.txt"`)
	idxB := indexOf(t, out, `"b.txt"`)
	assert.Less(t, idxA, idxB)
}

func TestCanonicalizeIsIdempotentByteForByte(t *testing.T) {
	m := New("alice", "app", time.Now())
	m.FileMap["x"] = FileEntry{InodeID: "1", Type: FileTypeBinary, CurrentHash: "deadbeef"}

	first, err := Canonicalize(m)
	require.NoError(t, err)

	reparsed, err := ParseManifest(first)
	require.NoError(t, err)
	roundTripped, err := Canonicalize(reparsed)
	require.NoError(t, err)

	// Canonicalizing twice through the same value must be byte-identical.
	again, err := Canonicalize(m)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, first, roundTripped)
}

func TestParseManifestRoundTrip(t *testing.T) {
	m := New("carol", "app", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	m.Refs[HeadRef] = "v1"
	m.VersionHistory = append(m.VersionHistory, Version{ID: "v1", Message: "first"})

	data, err := Canonicalize(m)
	require.NoError(t, err)

	parsed, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m.Metadata.Author, parsed.Metadata.Author)
	assert.Equal(t, "v1", parsed.Head())
	require.Len(t, parsed.VersionHistory, 1)
	assert.Equal(t, "first", parsed.VersionHistory[0].Message)
}

func TestParseManifestRejectsInvalidJSON(t *testing.T) {
	_, err := ParseManifest([]byte("{not json"))
	assert.Error(t, err)
}

// The wire shape of formatVersion is the "M.m.p" string, never an
// object; this pins the literal bytes so a struct-shaped regression
// cannot slip through a Go-struct-to-Go-struct comparison.
func TestCanonicalizeFormatVersionIsDottedString(t *testing.T) {
	m := New("alice", "app", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	out, err := Canonicalize(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"formatVersion":"1.0.0"`)
	assert.NotContains(t, string(out), `"major"`)

	parsed, err := ParseManifest(out)
	require.NoError(t, err)
	assert.Equal(t, CurrentFormatVersion, parsed.FormatVersion)
}

func TestFormatVersionRejectsMalformedStrings(t *testing.T) {
	for _, bad := range []string{
		`{"formatVersion":{"major":1,"minor":0,"patch":0}}`,
		`{"formatVersion":"1.0"}`,
		`{"formatVersion":"1.0.x"}`,
		`{"formatVersion":"1.0.-1"}`,
	} {
		_, err := ParseManifest([]byte(bad))
		assert.Error(t, err, "input %s must be rejected", bad)
	}
}

func indexOf(t *testing.T, haystack []byte, needle string) int {
	t.Helper()
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == needle {
			return i
		}
	}
	t.Fatalf("substring %q not found in %q", needle, haystack)
	return -1
}
