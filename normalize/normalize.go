// Package normalize implements the text normalization used throughout
// the checkpoint and restore pipelines: NFC Unicode form, LF line
// endings, and a single trailing newline.
package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Text normalizes s to NFC, converts CRLF/CR to LF, and ensures exactly one
// trailing newline (unless s is empty). Idempotent: Text(Text(s)) == Text(s).
func Text(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	if s == "" {
		return s
	}
	s = strings.TrimRight(s, "\n") + "\n"
	return s
}

// Bytes is the []byte convenience wrapper around Text, used at I/O
// boundaries where file content is read as raw bytes.
func Bytes(b []byte) []byte {
	return []byte(Text(string(b)))
}

// Equal reports whether a and b are equal after normalization — the
// definition of "unchanged" every text comparison in the engine uses.
func Equal(a, b []byte) bool {
	return Text(string(a)) == Text(string(b))
}
