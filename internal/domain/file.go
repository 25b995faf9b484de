package domain

import "strings"

// ConflictCopyMarker appears in the name of a preserved losing edit
// (`<path>.conflict-<timestamp>`). Such files are local artifacts of conflict
// resolution: they are never tracked, watched, or replicated.
const ConflictCopyMarker = ".conflict-"

// IsConflictCopy reports whether the slash-separated relative path names a
// preserved conflict copy.
func IsConflictCopy(path string) bool {
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	return strings.Contains(base, ConflictCopyMarker)
}

// NoRevision is the base revision a proposal carries for a path it believes
// does not exist yet. The first accepted mutation of a path yields revision 1.
const NoRevision uint64 = 0

// FileRecord is one tracked file in a project snapshot. A deleted file stays
// in the snapshot as a tombstoned record so late proposals against it are
// still revision-checked instead of failing as "not found".
type FileRecord struct {
	Path      string `json:"path"`
	Revision  uint64 `json:"revision"`
	Hash      string `json:"hash"`
	Content   []byte `json:"content,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// ManifestEntry is the content-free form of a FileRecord, used where the
// payload is not needed (manifest listing, diff checks).
type ManifestEntry struct {
	Path      string `json:"path"`
	Revision  uint64 `json:"revision"`
	Hash      string `json:"hash"`
	Tombstone bool   `json:"tombstone,omitempty"`
}
