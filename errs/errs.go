// Package errs defines the closed error-kind taxonomy shared by every
// JCF component. Callers should match on kind with errors.Is against the
// sentinel Kind values, and unwrap with errors.As to recover the
// offending path/hash/version where one is attached.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies an error category. Kinds are sentinel values so
// callers can match with errors.Is even after a chain of
// fmt.Errorf("...: %w", ...) wraps.
type Kind string

const (
	NotFound               Kind = "not_found"
	AlreadyExists          Kind = "already_exists"
	Validation             Kind = "validation"
	InvalidContainer       Kind = "invalid_container"
	ManifestCorruption     Kind = "manifest_corruption"
	BrokenChain            Kind = "broken_chain"
	MissingBlob            Kind = "missing_blob"
	BlobCorruption         Kind = "blob_corruption"
	MissingDelta           Kind = "missing_delta"
	PatchSynthesisFailed   Kind = "patch_synthesis_failed"
	PatchApplicationFailed Kind = "patch_application_failed"
	DirtyWorkingCopy       Kind = "dirty_working_copy"
	NoChanges              Kind = "no_changes"
	UnreachableVersion     Kind = "unreachable_version"
	BlobTooLarge           Kind = "blob_too_large"
	Quota                  Kind = "quota"
	IO                     Kind = "io"
	ConcurrentModification Kind = "concurrent_modification"
	Cancelled              Kind = "cancelled"
	InvalidHash            Kind = "invalid_hash"
)

// Error is the concrete error type produced by every JCF package. Path and
// Version are optional context fields populated where the kind names an
// entity (MissingBlob, PatchApplicationFailed, UnreachableVersion, ...).
type Error struct {
	Kind    Kind
	Path    string
	Version string
	Hash    string
	Msg     string
	Wrapped error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Path != "" {
		s += " path=" + e.Path
	}
	if e.Version != "" {
		s += " version=" + e.Version
	}
	if e.Hash != "" {
		s += " hash=" + e.Hash
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Wrapped != nil {
		s += ": " + e.Wrapped.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, errs.New(kind)) match any *Error sharing Kind,
// regardless of the other fields — kinds are what callers branch on.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a bare sentinel for a kind, primarily for errors.Is comparisons.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Newf builds an error of kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to an underlying error, preserving it for errors.As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Wrapped: err}
}

// WithPath returns a copy of e annotated with a path.
func (e *Error) WithPath(p string) *Error {
	c := *e
	c.Path = p
	return &c
}

// WithVersion returns a copy of e annotated with a versionId.
func (e *Error) WithVersion(v string) *Error {
	c := *e
	c.Version = v
	return &c
}

// WithHash returns a copy of e annotated with a content hash.
func (e *Error) WithHash(h string) *Error {
	c := *e
	c.Hash = h
	return &c
}

// Of reports the Kind of err, walking the wrap chain, or "" if err is nil
// or not a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// KindIs is a convenience for errors.Is(err, errs.New(kind)).
func KindIs(err error, kind Kind) bool {
	return errors.Is(err, New(kind))
}
