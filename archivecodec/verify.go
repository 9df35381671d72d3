package archivecodec

import (
	"context"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage"
)

// InitMimetype writes the literal mimetype marker entry. Callers must do
// this before any other entry exists in a freshly created container so
// that the underlying zipfs writer keeps it first.
func InitMimetype(ctx context.Context, s storage.Port) error {
	return s.Write(ctx, MimetypeEntry, []byte(MimetypeLiteral))
}

// CheckMimetype validates the marker entry: mimetype present with the
// exact literal bytes, and first in physical order when s implements
// storage.OrderedLister. It does not inspect the entry's compression
// method.
func CheckMimetype(ctx context.Context, s storage.Port) error {
	data, err := s.Read(ctx, MimetypeEntry)
	if err != nil {
		return errs.New(errs.InvalidContainer).WithPath(MimetypeEntry)
	}
	if string(data) != MimetypeLiteral {
		return errs.Newf(errs.InvalidContainer, "mimetype payload mismatch: %q", string(data))
	}
	if ol, ok := s.(storage.OrderedLister); ok {
		names, err := ol.OrderedNames(ctx)
		if err != nil {
			return errs.Wrap(errs.IO, err, "list entries in physical order")
		}
		if len(names) == 0 || names[0] != MimetypeEntry {
			return errs.Newf(errs.InvalidContainer, "mimetype is not the first entry")
		}
	}
	return nil
}
