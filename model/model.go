// Package model holds the value types that make up a JCF manifest. All
// types here are plain data — the engine façade owns the rules for
// mutating them.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatVersion is a semver triple, serialized on the wire as the
// "M.m.p" string the manifest schema fixes. Readers reject an unknown
// Major.
type FormatVersion struct {
	Major int
	Minor int
	Patch int
}

// String renders the wire form, e.g. "1.0.0".
func (v FormatVersion) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// MarshalJSON encodes the version as its "M.m.p" string.
func (v FormatVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON parses the "M.m.p" string form, rejecting anything that
// is not exactly three non-negative integer components.
func (v *FormatVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("formatVersion must be a string: %w", err)
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return fmt.Errorf("formatVersion %q is not of the form M.m.p", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return fmt.Errorf("formatVersion %q has invalid component %q", s, p)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return nil
}

// CurrentFormatVersion is written by Create and checked by Open.
var CurrentFormatVersion = FormatVersion{Major: 1, Minor: 0, Patch: 0}

// Metadata carries author/timestamps/application tag plus a free-form bag.
type Metadata struct {
	Author       string         `json:"author"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"lastModified"`
	Application  string         `json:"application"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// FileType is either Text or Binary, decided once at creation time and
// sticky thereafter; a type change requires a delete+add.
type FileType string

const (
	FileTypeText   FileType = "text"
	FileTypeBinary FileType = "binary"
)

// FileEntry is the current-state record for one live path in fileMap.
type FileEntry struct {
	InodeID     string     `json:"inodeId"`
	Type        FileType   `json:"type"`
	Encoding    string     `json:"encoding,omitempty"`    // text only, always "utf-8"
	CurrentHash string     `json:"currentHash,omitempty"` // binary only
	Size        int64      `json:"size"`
	MIME        string     `json:"mime,omitempty"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// FileState is the per-version record for one path, as it existed when
// that version was checkpointed.
type FileState struct {
	InodeID    string `json:"inodeId"`
	Hash       string `json:"hash,omitempty"`       // binary
	ContentRef string `json:"contentRef,omitempty"` // text: delta/snapshot key
	Size       int64  `json:"size"`
	Deleted    bool   `json:"deleted,omitempty"`
	ChangeType string `json:"changeType,omitempty"` // "added"|"modified"|"renamed"|"deleted"
}

// ChangeType values used in FileState.ChangeType and checkpoint events.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeRenamed  = "renamed"
	ChangeDeleted  = "deleted"
)

// Version is an immutable checkpoint. Once appended to VersionHistory it is
// never mutated.
type Version struct {
	ID         string               `json:"id"`
	ParentID   string               `json:"parentId,omitempty"` // empty only for the root
	Timestamp  time.Time            `json:"timestamp"`
	Message    string               `json:"message"`
	Author     string               `json:"author"`
	FileStates map[string]FileState `json:"fileStates"`
	Tags       []string             `json:"tags,omitempty"`
	Extra      map[string]any       `json:"extra,omitempty"`
}

// RenameEntry records one moveFile event, independent of whether a
// checkpoint has captured it yet.
type RenameEntry struct {
	InodeID   string    `json:"inodeId"`
	FromPath  string    `json:"fromPath"`
	ToPath    string    `json:"toPath"`
	VersionID string    `json:"versionId"`
	Timestamp time.Time `json:"timestamp"`
}

// Manifest is the single source of truth for the container's history.
type Manifest struct {
	FormatVersion FormatVersion     `json:"formatVersion"`
	Metadata      Metadata          `json:"metadata"`
	FileMap       map[string]FileEntry `json:"fileMap"`
	VersionHistory []Version        `json:"versionHistory"`
	Refs          map[string]string `json:"refs"` // must contain "head"
	RenameLog     []RenameEntry     `json:"renameLog"`
	Config        map[string]any    `json:"config,omitempty"`
	Extra         map[string]any    `json:"extra,omitempty"`
}

// HeadRef is the well-known ref name every manifest must carry.
const HeadRef = "head"

// New returns an empty manifest for a freshly created container.
func New(author, application string, now time.Time) *Manifest {
	return &Manifest{
		FormatVersion: CurrentFormatVersion,
		Metadata: Metadata{
			Author:      author,
			Created:     now,
			LastModified: now,
			Application: application,
		},
		FileMap:        map[string]FileEntry{},
		VersionHistory: []Version{},
		Refs:           map[string]string{},
		RenameLog:      []RenameEntry{},
	}
}

// Head returns the versionId refs["head"] points to, or "" if unset.
func (m *Manifest) Head() string { return m.Refs[HeadRef] }

// FinalDeletedInodes reports, for every inodeId appearing anywhere in
// history, whether its most recent FileState is a deletion tombstone.
// A deletion supersedes the inode's older references: GC treats the whole
// incarnation's blobs and deltas as collectible, and verification stops
// requiring them (a restore to one of those versions after a sweep fails
// with MissingBlob/MissingDelta, which is the accepted cost of reclaiming
// deleted content). Within a single version a live state wins over a
// tombstone for the same inode.
func FinalDeletedInodes(history []Version) map[string]bool {
	out := map[string]bool{}
	for _, v := range history {
		perVersion := map[string]bool{}
		for _, s := range v.FileStates {
			if prev, seen := perVersion[s.InodeID]; seen {
				perVersion[s.InodeID] = prev && s.Deleted
			} else {
				perVersion[s.InodeID] = s.Deleted
			}
		}
		for id, deleted := range perVersion {
			out[id] = deleted
		}
	}
	return out
}

// VersionByID looks a version up by id, O(n) — callers that need repeated
// lookups should go through versiongraph.Graph instead.
func (m *Manifest) VersionByID(id string) (*Version, bool) {
	for i := range m.VersionHistory {
		if m.VersionHistory[i].ID == id {
			return &m.VersionHistory[i], true
		}
	}
	return nil, false
}
