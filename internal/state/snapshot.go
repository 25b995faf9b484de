// Package state holds the in-memory authoritative table of file records and
// the ordered log of accepted changes. It does no I/O; persistence to the
// project directory is the service layer's job.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/pkg/hash"
)

var ErrNotFound = errors.New("no record for path")

// ConflictError is returned when a mutation's expected revision does not
// match the record's current revision. The snapshot is left unmodified.
type ConflictError struct {
	Record domain.ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %q: expected rev %d, actual rev %d",
		e.Record.Path, e.Record.ExpectedRev, e.Record.ActualRev)
}

type fileState struct {
	rec          domain.FileRecord
	tombstonedAt time.Time
}

// Snapshot is a path -> FileRecord table plus the change log. It is owned by
// exactly one role: the host holds the canonical copy, each client holds its
// local mirror. Apply and Remove are the only mutators; both advance the
// path's revision by exactly 1 or leave the snapshot untouched.
type Snapshot struct {
	mu    sync.RWMutex
	files map[string]*fileState
	log   *ChangeLog
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		files: make(map[string]*fileState),
		log:   newChangeLog(),
	}
}

// Get returns a copy of the record for path, tombstoned records included.
func (s *Snapshot) Get(path string) (domain.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.files[path]
	if !ok {
		return domain.FileRecord{}, false
	}
	return cloneRecord(fs.rec), true
}

// CurrentRev returns the path's revision, or domain.NoRevision when the path
// has never been seen.
func (s *Snapshot) CurrentRev(path string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fs, ok := s.files[path]; ok {
		return fs.rec.Revision
	}
	return domain.NoRevision
}

// Apply replaces the content of path, provided expectedRev matches the
// current revision (domain.NoRevision for a path not seen before). On success
// the revision advances by 1, the tombstone is cleared, and the change is
// appended to the log attributed to originSession (empty = host filesystem).
// The returned entry carries the assigned global sequence number.
func (s *Snapshot) Apply(path string, content []byte, expectedRev uint64, originSession string) (domain.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := domain.NoRevision
	fs, exists := s.files[path]
	if exists {
		current = fs.rec.Revision
	}

	if expectedRev != current {
		return domain.ChangeEntry{}, s.conflictLocked(path, expectedRev, current)
	}

	h := hash.Content(content)
	if !exists {
		fs = &fileState{rec: domain.FileRecord{Path: path}}
		s.files[path] = fs
	}
	fs.rec.Revision = current + 1
	fs.rec.Content = cloneBytes(content)
	fs.rec.Hash = h
	fs.rec.Tombstone = false
	fs.tombstonedAt = time.Time{}

	entry := s.log.append(domain.ChangeEntry{
		Path:          path,
		Op:            domain.OpWrite,
		Content:       cloneBytes(content),
		Rev:           fs.rec.Revision,
		Hash:          h,
		OriginSession: originSession,
	})

	return entry, nil
}

// Remove tombstones path. The record keeps its path and advanced revision so
// late proposals against the deleted file still conflict-check cleanly.
func (s *Snapshot) Remove(path string, expectedRev uint64, originSession string) (domain.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, exists := s.files[path]
	if !exists {
		return domain.ChangeEntry{}, ErrNotFound
	}

	if expectedRev != fs.rec.Revision {
		return domain.ChangeEntry{}, s.conflictLocked(path, expectedRev, fs.rec.Revision)
	}

	fs.rec.Revision++
	fs.rec.Content = nil
	fs.rec.Hash = ""
	fs.rec.Tombstone = true
	fs.tombstonedAt = time.Now()

	entry := s.log.append(domain.ChangeEntry{
		Path:          path,
		Op:            domain.OpDelete,
		Rev:           fs.rec.Revision,
		OriginSession: originSession,
	})

	return entry, nil
}

// Put installs rec verbatim, replacing whatever the snapshot held for the
// path. A client mirror adopts the host's authoritative records this way
// during snapshot transfer and single-file refetch, where the revision jump
// is not constrained to +1. Nothing is logged.
func (s *Snapshot) Put(rec domain.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := &fileState{rec: cloneRecord(rec)}
	if rec.Tombstone {
		fs.tombstonedAt = time.Now()
	}
	s.files[rec.Path] = fs
}

// Drop forgets a path entirely, tombstone included.
func (s *Snapshot) Drop(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// AllRecords returns copies of every record ordered by path.
func (s *Snapshot) AllRecords() []domain.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.FileRecord, 0, len(s.files))
	for _, fs := range s.files {
		records = append(records, cloneRecord(fs.rec))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records
}

// Manifest returns the content-free listing, ordered by path.
func (s *Snapshot) Manifest() []domain.ManifestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.ManifestEntry, 0, len(s.files))
	for path, fs := range s.files {
		entries = append(entries, domain.ManifestEntry{
			Path:      path,
			Revision:  fs.rec.Revision,
			Hash:      fs.rec.Hash,
			Tombstone: fs.rec.Tombstone,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// HeadSeq is the sequence number of the latest accepted change.
func (s *Snapshot) HeadSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.head()
}

// ChangesSince returns all logged entries with seq > cursor, excluding those
// originated by excludeSession (a client never receives its own accepted
// changes back). Returns ErrCompacted when cursor predates the log horizon.
func (s *Snapshot) ChangesSince(cursor uint64, excludeSession string) ([]domain.ChangeEntry, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.log.since(cursor, excludeSession)
	if err != nil {
		return nil, s.log.head(), err
	}
	return entries, s.log.head(), nil
}

// Compact drops change-log entries recorded before cutoff and deletes
// tombstoned records older than cutoff. Clients polling from before the new
// horizon get ErrCompacted and must re-snapshot.
func (s *Snapshot) Compact(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.compact(cutoff)
	for path, fs := range s.files {
		if fs.rec.Tombstone && !fs.tombstonedAt.IsZero() && fs.tombstonedAt.Before(cutoff) {
			delete(s.files, path)
		}
	}
}

func (s *Snapshot) conflictLocked(path string, expected, actual uint64) *ConflictError {
	rec := domain.ConflictRecord{
		Path:        path,
		ExpectedRev: expected,
		ActualRev:   actual,
	}
	if fs, ok := s.files[path]; ok {
		rec.ActualHash = fs.rec.Hash
	}
	return &ConflictError{Record: rec}
}

func cloneRecord(rec domain.FileRecord) domain.FileRecord {
	out := rec
	out.Content = cloneBytes(rec.Content)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
