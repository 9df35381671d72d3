// Package sqlindex is a structured, rebuildable secondary index over the
// manifest, used to answer listFiles/fileHistory/diff queries without an
// O(history) scan. Like kvindex, this index is never authoritative —
// Rebuild regenerates it entirely from a model.Manifest.
package sqlindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
)

// Options tunes the SQLite connection: explicit fields, sane zero-value
// fallbacks, no hidden globals.
type Options struct {
	JournalMode     string
	Synchronous     string
	BusyTimeout     time.Duration
	ForeignKeys     *bool
	MaxOpenConns    int
}

// Index is a query-only view over manifest data.
type Index struct {
	db *sql.DB
}

// Open creates (or reopens) a SQLite-backed query index at path. Pass
// ":memory:" for an ephemeral index.
func Open(path string, opts Options) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open sqlindex")
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	fk := true
	if opts.ForeignKeys != nil {
		fk = *opts.ForeignKeys
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", sync),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		fmt.Sprintf("PRAGMA foreign_keys=%s", boolToOnOff(fk)),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.IO, err, "apply pragma %q", p)
		}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(1) // WAL + the engine's single-writer model
	}

	idx := &Index{db: db}
	if err := idx.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func (idx *Index) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			inode_id TEXT NOT NULL,
			type TEXT NOT NULL,
			size INTEGER NOT NULL,
			modified TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_inode ON files(inode_id)`,
		`CREATE TABLE IF NOT EXISTS versions (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			timestamp TEXT NOT NULL,
			message TEXT NOT NULL,
			author TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_states (
			version_id TEXT NOT NULL,
			path TEXT NOT NULL,
			inode_id TEXT NOT NULL,
			hash TEXT,
			content_ref TEXT,
			size INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			change_type TEXT,
			seq INTEGER NOT NULL,
			PRIMARY KEY (version_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_states_inode ON file_states(inode_id)`,
		`CREATE INDEX IF NOT EXISTS idx_file_states_path ON file_states(path)`,
		`CREATE TABLE IF NOT EXISTS rename_log (
			inode_id TEXT NOT NULL,
			from_path TEXT NOT NULL,
			to_path TEXT NOT NULL,
			version_id TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := idx.db.Exec(s); err != nil {
			return errs.Wrap(errs.IO, err, "create sqlindex schema")
		}
	}
	return nil
}

// Rebuild truncates and repopulates every table from m. Called on
// container Open/after checkpoint/after restore, since the manifest is
// always the source of truth.
func (idx *Index) Rebuild(ctx context.Context, m *model.Manifest) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.IO, err, "begin sqlindex rebuild")
	}
	defer tx.Rollback()

	for _, table := range []string{"files", "versions", "file_states", "rename_log"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errs.Wrap(errs.IO, err, "truncate %s", table)
		}
	}

	for path, fe := range m.FileMap {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files(path, inode_id, type, size, modified) VALUES (?, ?, ?, ?, ?)`,
			path, fe.InodeID, string(fe.Type), fe.Size, fe.Modified.Format(time.RFC3339Nano)); err != nil {
			return errs.Wrap(errs.IO, err, "insert file %s", path)
		}
	}

	for vi, v := range m.VersionHistory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO versions(id, parent_id, timestamp, message, author) VALUES (?, ?, ?, ?, ?)`,
			v.ID, nullIfEmpty(v.ParentID), v.Timestamp.Format(time.RFC3339Nano), v.Message, v.Author); err != nil {
			return errs.Wrap(errs.IO, err, "insert version %s", v.ID)
		}
		for path, fs := range v.FileStates {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_states(version_id, path, inode_id, hash, content_ref, size, deleted, change_type, seq)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				v.ID, path, fs.InodeID, nullIfEmpty(fs.Hash), nullIfEmpty(fs.ContentRef), fs.Size, fs.Deleted, nullIfEmpty(fs.ChangeType), vi); err != nil {
				return errs.Wrap(errs.IO, err, "insert file_state %s@%s", path, v.ID)
			}
		}
	}

	for _, r := range m.RenameLog {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rename_log(inode_id, from_path, to_path, version_id, timestamp) VALUES (?, ?, ?, ?, ?)`,
			r.InodeID, r.FromPath, r.ToPath, r.VersionID, r.Timestamp.Format(time.RFC3339Nano)); err != nil {
			return errs.Wrap(errs.IO, err, "insert rename_log entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IO, err, "commit sqlindex rebuild")
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FileInfo is one row of a listFiles result.
type FileInfo struct {
	Path     string
	InodeID  string
	Type     string
	Size     int64
	Modified time.Time
}

// ListFiles returns live files under dir (prefix match, "" for all),
// ordered by path.
func (idx *Index) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT path, inode_id, type, size, modified FROM files WHERE path LIKE ? ORDER BY path`,
		dir+"%")
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "query listFiles")
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var fi FileInfo
		var modified string
		if err := rows.Scan(&fi.Path, &fi.InodeID, &fi.Type, &fi.Size, &modified); err != nil {
			return nil, errs.Wrap(errs.IO, err, "scan listFiles row")
		}
		fi.Modified, _ = time.Parse(time.RFC3339Nano, modified)
		out = append(out, fi)
	}
	return out, rows.Err()
}

// HistoryEntry is one row of a fileHistory/historyByInode result.
type HistoryEntry struct {
	VersionID  string
	Path       string
	ChangeType string
	Deleted    bool
}

// FileHistory returns every (version, path, changeType) triple for the
// inode currently at path, across renames, ordered by version sequence.
func (idx *Index) FileHistory(ctx context.Context, path string) ([]HistoryEntry, error) {
	var inodeID string
	row := idx.db.QueryRowContext(ctx, `SELECT inode_id FROM files WHERE path = ?`, path)
	if err := row.Scan(&inodeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound).WithPath(path)
		}
		return nil, errs.Wrap(errs.IO, err, "resolve inode for %s", path)
	}
	return idx.HistoryByInode(ctx, inodeID)
}

// HistoryByInode answers the per-inode history query directly against
// the indexed file_states, ordered by version sequence.
func (idx *Index) HistoryByInode(ctx context.Context, inodeID string) ([]HistoryEntry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT version_id, path, COALESCE(change_type, ''), deleted
		 FROM file_states WHERE inode_id = ? ORDER BY seq ASC`, inodeID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "query historyByInode")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var deleted int
		if err := rows.Scan(&h.VersionID, &h.Path, &h.ChangeType, &deleted); err != nil {
			return nil, errs.Wrap(errs.IO, err, "scan historyByInode row")
		}
		h.Deleted = deleted != 0
		out = append(out, h)
	}
	return out, rows.Err()
}

// DiffEntry describes one path's change between two versions.
type DiffEntry struct {
	Path       string
	ChangeType string // added|modified|deleted; a rename shows as a delete plus an add
}

// Diff compares the file_states of vA and vB by path+hash/contentRef.
func (idx *Index) Diff(ctx context.Context, vA, vB string) ([]DiffEntry, error) {
	a, err := idx.snapshotStates(ctx, vA)
	if err != nil {
		return nil, err
	}
	b, err := idx.snapshotStates(ctx, vB)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(a)+len(b))
	var out []DiffEntry
	for path, sa := range a {
		seen[path] = true
		sb, ok := b[path]
		switch {
		case !ok || sb.deleted:
			if !sa.deleted {
				out = append(out, DiffEntry{Path: path, ChangeType: model.ChangeDeleted})
			}
		case sa.deleted:
			out = append(out, DiffEntry{Path: path, ChangeType: model.ChangeAdded})
		case sa.hash != sb.hash || sa.contentRef != sb.contentRef:
			out = append(out, DiffEntry{Path: path, ChangeType: model.ChangeModified})
		}
	}
	for path, sb := range b {
		if seen[path] {
			continue
		}
		if !sb.deleted {
			out = append(out, DiffEntry{Path: path, ChangeType: model.ChangeAdded})
		}
	}
	return out, nil
}

type stateRow struct {
	hash, contentRef string
	deleted          bool
}

func (idx *Index) snapshotStates(ctx context.Context, versionID string) (map[string]stateRow, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT path, COALESCE(hash, ''), COALESCE(content_ref, ''), deleted FROM file_states WHERE version_id = ?`,
		versionID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "query snapshot states for %s", versionID)
	}
	defer rows.Close()

	out := map[string]stateRow{}
	for rows.Next() {
		var path, hash, ref string
		var deleted int
		if err := rows.Scan(&path, &hash, &ref, &deleted); err != nil {
			return nil, errs.Wrap(errs.IO, err, "scan snapshot state row")
		}
		out[path] = stateRow{hash: hash, contentRef: ref, deleted: deleted != 0}
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	if err := idx.db.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "close sqlindex")
	}
	return nil
}
