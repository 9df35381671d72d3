package engine

import (
	"context"
	"time"

	"github.com/jcf-project/jcf/checkpoint"
	"github.com/jcf-project/jcf/gc"
	"github.com/jcf-project/jcf/manifeststore"
	"github.com/jcf-project/jcf/model"
	"github.com/jcf-project/jcf/restore"
	"github.com/jcf-project/jcf/verify"
)

// persistManifestLocked saves m as the container's new manifest.json,
// swaps it in as the engine's in-memory state, and rebuilds the secondary
// indexes from it. Callers must already hold e.mu for writing.
func (e *Engine) persistManifestLocked(ctx context.Context, m *model.Manifest) error {
	if err := manifeststore.Save(ctx, e.storage, m); err != nil {
		return err
	}
	e.manifest = m
	return e.rebuildIndexesLocked(ctx)
}

// SaveCheckpoint runs the checkpoint pipeline over the current working
// copy and commits a new Version. It fails with errs.NoChanges if nothing
// in content/ differs from fileMap.
func (e *Engine) SaveCheckpoint(ctx context.Context, author, message string) (model.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return model.Version{}, err
	}

	deps := checkpoint.Deps{
		Storage:          e.storage,
		Blobs:            e.blobs,
		Deltas:           e.deltas,
		Diff:             e.diff,
		Inodes:           e.inodes,
		SnapshotInterval: e.opts.SnapshotInterval,
	}
	updated, result, err := checkpoint.Run(ctx, deps, e.manifest, author, message, time.Now().UTC())
	if err != nil {
		return model.Version{}, err
	}
	if err := e.persistManifestLocked(ctx, updated); err != nil {
		// The side writes (blobs, deltas, snapshots, basis updates) are
		// already durable but the manifest swap failed: undo them so the
		// container stays byte-identical to its pre-checkpoint state.
		_ = result.Journal.Rollback(ctx)
		return model.Version{}, err
	}
	e.log.WithField("op", "saveCheckpoint").WithField("version", result.Version.ID).
		Infof("checkpointed %d path(s)", len(result.Changed))
	return result.Version, nil
}

// RestoreVersion reconstructs targetVersionID's tree into content/ and
// advances refs["head"] to it. It rejects a dirty working copy.
func (e *Engine) RestoreVersion(ctx context.Context, targetVersionID string) (restore.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return restore.Result{}, err
	}

	deps := restore.Deps{Storage: e.storage, Blobs: e.blobs, Deltas: e.deltas, Diff: e.diff, Inodes: e.inodes}
	updated, result, err := restore.Run(ctx, deps, e.manifest, targetVersionID)
	if err != nil {
		return restore.Result{}, err
	}
	if err := e.persistManifestLocked(ctx, updated); err != nil {
		return restore.Result{}, err
	}
	for _, w := range result.Warnings {
		e.log.WithField("op", "restoreVersion").WithField("version", targetVersionID).
			WithField("path", w.Path).Warn(w.Detail)
	}
	e.log.WithField("op", "restoreVersion").WithField("version", targetVersionID).
		Infof("restored %d path(s), %d warning(s)", len(result.Touched), len(result.Warnings))
	return result, nil
}

// History returns every committed Version, oldest first.
func (e *Engine) History(ctx context.Context) ([]model.Version, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Version, len(e.manifest.VersionHistory))
	copy(out, e.manifest.VersionHistory)
	return out, nil
}

// RunGC performs one mark-and-sweep collection pass. It takes the write
// lock: a sweep must not race a checkpoint or restore that could
// otherwise re-reference an entry gc is about to delete. The grace window
// comes from Options.GCGrace (zero selects gc.DefaultGrace; a negative
// value disables the window entirely).
func (e *Engine) RunGC(ctx context.Context, dryRun bool) (gc.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkContext(ctx); err != nil {
		return gc.Report{}, err
	}

	grace := e.opts.GCGrace
	if grace == 0 {
		grace = gc.DefaultGrace
	}
	if grace < 0 {
		grace = 0
	}
	deps := gc.Deps{Storage: e.storage, Blobs: e.blobs, Deltas: e.deltas, Marks: e.inodes, Grace: grace, DryRun: dryRun}
	report, err := gc.Run(ctx, deps, e.manifest, time.Now().UTC())
	if err != nil {
		return gc.Report{}, err
	}
	if skipped := len(report.Unreachable) - len(report.Deleted); skipped > 0 && !report.DryRun {
		e.log.WithField("op", "runGC").WithField("skipped", skipped).
			Warnf("%d orphan(s) still inside the grace window, not swept", skipped)
	}
	e.log.WithField("op", "runGC").Infof("marked %d live, deleted %d, freed %d bytes", report.MarkedLive, len(report.Deleted), report.FreedBytes)
	return report, nil
}

// Verify runs the full integrity check battery against the open
// container without mutating it.
func (e *Engine) Verify(ctx context.Context) (verify.Report, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkContext(ctx); err != nil {
		return verify.Report{}, err
	}
	deps := verify.Deps{Storage: e.storage, Blobs: e.blobs, Deltas: e.deltas}
	return verify.Run(ctx, deps, e.manifest), nil
}
