package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/internal/state"
	"github.com/vadymcap/Vasc/internal/watcher"
	"github.com/vadymcap/Vasc/pkg/hash"
)

var ErrUnsafePath = errors.New("path escapes the project directory")

// SyncService is the host's core: it owns the canonical snapshot, validates
// and applies proposals, persists accepted changes to the project directory,
// and fans them out to the other sessions. All mutation of a path funnels
// through its per-path lock, so at most one mutation per path is in flight.
type SyncService struct {
	snapshot   *state.Snapshot
	fs         afero.Fs
	projectDir string
	ignore     map[string]bool
	echo       *watcher.EchoFilter
	hub        Broadcaster
	retention  time.Duration
	logger     *zap.Logger

	pathLocks sync.Map // path -> *sync.Mutex
}

// Broadcaster pushes accepted changes to subscribed sessions. The websocket
// hub implements it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastChange(entry domain.ChangeEntry) error
}

func NewSyncService(
	snapshot *state.Snapshot,
	fs afero.Fs,
	projectDir string,
	ignoreNames []string,
	echo *watcher.EchoFilter,
	hub Broadcaster,
	retention time.Duration,
	logger *zap.Logger,
) *SyncService {
	ignore := make(map[string]bool, len(ignoreNames))
	for _, name := range ignoreNames {
		ignore[name] = true
	}

	return &SyncService{
		snapshot:   snapshot,
		fs:         fs,
		projectDir: projectDir,
		ignore:     ignore,
		echo:       echo,
		hub:        hub,
		retention:  retention,
		logger:     logger,
	}
}

// LoadProject walks the project directory and seeds the snapshot with every
// tracked file. Returns the number of files loaded.
func (s *SyncService) LoadProject() (int, error) {
	count := 0
	err := afero.Walk(s.fs, s.projectDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if info.IsDir() {
			if s.ignore[info.Name()] && path != s.projectDir {
				return filepath.SkipDir
			}
			return nil
		}
		if s.ignore[info.Name()] {
			return nil
		}

		rel, err := filepath.Rel(s.projectDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if domain.IsConflictCopy(rel) {
			return nil
		}

		content, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		if _, err := s.snapshot.Apply(rel, content, s.snapshot.CurrentRev(rel), ""); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// SnapshotResponse returns every record, ordered by path, plus the current
// change-log head for the client's poll cursor.
func (s *SyncService) SnapshotResponse() *domain.SnapshotResponse {
	return &domain.SnapshotResponse{
		Records: s.snapshot.AllRecords(),
		HeadSeq: s.snapshot.HeadSeq(),
	}
}

func (s *SyncService) Manifest() *domain.ManifestResponse {
	return &domain.ManifestResponse{
		Entries: s.snapshot.Manifest(),
		HeadSeq: s.snapshot.HeadSeq(),
	}
}

func (s *SyncService) File(path string) (domain.FileRecord, bool) {
	return s.snapshot.Get(path)
}

func (s *SyncService) HeadSeq() uint64 {
	return s.snapshot.HeadSeq()
}

// ProcessProposal validates a client proposal against the canonical snapshot
// and, if accepted, persists it to disk and broadcasts it. The disk write
// happens before the snapshot mutation so a filesystem failure leaves the
// snapshot at its pre-mutation state for that path.
func (s *SyncService) ProcessProposal(sessionID string, req *domain.ProposalRequest) (*domain.ProposalResult, error) {
	if !isSafeRelPath(req.Path) {
		return nil, ErrUnsafePath
	}

	mu := s.pathLock(req.Path)
	mu.Lock()
	defer mu.Unlock()

	current := s.snapshot.CurrentRev(req.Path)
	if req.BaseRev != current {
		return s.conflictResult(req.Path, req.BaseRev, current), nil
	}

	switch req.Op {
	case domain.OpWrite:
		return s.applyWrite(sessionID, req, current)
	case domain.OpDelete:
		return s.applyDelete(sessionID, req, current)
	default:
		return nil, fmt.Errorf("unknown operation: %s", req.Op)
	}
}

func (s *SyncService) applyWrite(sessionID string, req *domain.ProposalRequest, current uint64) (*domain.ProposalResult, error) {
	h := hash.Content(req.Content)

	// A touch with no byte-level change is not a mutation: accept without
	// bumping the revision or broadcasting.
	if rec, ok := s.snapshot.Get(req.Path); ok && !rec.Tombstone && rec.Hash == h {
		return &domain.ProposalResult{Accepted: true, Path: req.Path, NewRev: current}, nil
	}

	s.echo.Mark(req.Path, h)
	if err := s.persist(req.Path, req.Content); err != nil {
		s.echo.Unmark(req.Path, h)
		return nil, fmt.Errorf("persisting %s: %w", req.Path, err)
	}

	entry, err := s.snapshot.Apply(req.Path, req.Content, current, sessionID)
	if err != nil {
		// Unreachable while the per-path lock is held; surface it anyway.
		return nil, err
	}

	s.broadcast(entry)
	s.logger.Info("change accepted",
		zap.String("path", entry.Path),
		zap.Uint64("rev", entry.Rev),
		zap.String("session", sessionID))

	return &domain.ProposalResult{Accepted: true, Path: req.Path, NewRev: entry.Rev}, nil
}

func (s *SyncService) applyDelete(sessionID string, req *domain.ProposalRequest, current uint64) (*domain.ProposalResult, error) {
	rec, ok := s.snapshot.Get(req.Path)
	if !ok {
		return nil, state.ErrNotFound
	}
	if rec.Tombstone {
		// Already deleted; nothing to do.
		return &domain.ProposalResult{Accepted: true, Path: req.Path, NewRev: current}, nil
	}

	s.echo.Mark(req.Path, watcher.DeleteMark)
	if err := s.fs.Remove(s.absPath(req.Path)); err != nil && !os.IsNotExist(err) {
		s.echo.Unmark(req.Path, watcher.DeleteMark)
		return nil, fmt.Errorf("deleting %s: %w", req.Path, err)
	}

	entry, err := s.snapshot.Remove(req.Path, current, sessionID)
	if err != nil {
		return nil, err
	}

	s.broadcast(entry)
	s.logger.Info("delete accepted",
		zap.String("path", entry.Path),
		zap.Uint64("rev", entry.Rev),
		zap.String("session", sessionID))

	return &domain.ProposalResult{Accepted: true, Path: req.Path, NewRev: entry.Rev}, nil
}

// ChangesSince serves a poll: all accepted changes after cursor, excluding
// the polling session's own.
func (s *SyncService) ChangesSince(cursor uint64, sessionID string) (*domain.ChangesResponse, error) {
	entries, head, err := s.snapshot.ChangesSince(cursor, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.ChangesResponse{Entries: entries, HeadSeq: head}, nil
}

// HandleLocalEvent folds a host-side filesystem change into the snapshot and
// broadcasts it. Events echoing the engine's own writes are consumed by the
// filter and dropped.
func (s *SyncService) HandleLocalEvent(ev watcher.Event) {
	switch ev.Kind {
	case domain.EventDelete, domain.EventRename:
		s.handleLocalDelete(ev.Path)
	default:
		s.handleLocalWrite(ev.Path)
	}
}

func (s *SyncService) handleLocalWrite(path string) {
	content, err := afero.ReadFile(s.fs, s.absPath(path))
	if err != nil {
		// File vanished between event and read; the delete event follows.
		return
	}

	h := hash.Content(content)
	if s.echo.ShouldSuppress(path, h) {
		return
	}

	mu := s.pathLock(path)
	mu.Lock()
	defer mu.Unlock()

	if rec, ok := s.snapshot.Get(path); ok && !rec.Tombstone && rec.Hash == h {
		return
	}

	entry, err := s.snapshot.Apply(path, content, s.snapshot.CurrentRev(path), "")
	if err != nil {
		s.logger.Warn("failed to apply local change", zap.String("path", path), zap.Error(err))
		return
	}

	s.broadcast(entry)
	s.logger.Info("host file changed", zap.String("path", path), zap.Uint64("rev", entry.Rev))
}

func (s *SyncService) handleLocalDelete(path string) {
	if s.echo.ShouldSuppress(path, watcher.DeleteMark) {
		return
	}

	mu := s.pathLock(path)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := s.snapshot.Get(path)
	if !ok || rec.Tombstone {
		return
	}

	entry, err := s.snapshot.Remove(path, rec.Revision, "")
	if err != nil {
		s.logger.Warn("failed to apply local delete", zap.String("path", path), zap.Error(err))
		return
	}

	s.broadcast(entry)
	s.logger.Info("host file deleted", zap.String("path", path), zap.Uint64("rev", entry.Rev))
}

// CollectGarbage drops tombstones and change-log entries older than the
// retention window. Clients lagging past the horizon re-snapshot.
func (s *SyncService) CollectGarbage() {
	s.snapshot.Compact(time.Now().Add(-s.retention))
}

func (s *SyncService) broadcast(entry domain.ChangeEntry) {
	if s.hub == nil {
		return
	}
	if err := s.hub.BroadcastChange(entry); err != nil {
		s.logger.Warn("broadcast failed", zap.String("path", entry.Path), zap.Error(err))
	}
}

func (s *SyncService) persist(relPath string, content []byte) error {
	abs := s.absPath(relPath)
	if err := s.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, abs, content, 0o644)
}

func (s *SyncService) absPath(relPath string) string {
	return filepath.Join(s.projectDir, filepath.FromSlash(relPath))
}

func (s *SyncService) pathLock(path string) *sync.Mutex {
	mu, _ := s.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *SyncService) conflictResult(path string, expected, actual uint64) *domain.ProposalResult {
	conflict := &domain.ConflictRecord{
		Path:        path,
		ExpectedRev: expected,
		ActualRev:   actual,
	}
	if rec, ok := s.snapshot.Get(path); ok {
		conflict.ActualHash = rec.Hash
	}
	return &domain.ProposalResult{
		Accepted: false,
		Path:     path,
		Conflict: conflict,
		Error:    fmt.Sprintf("conflict: base_rev=%d but current_rev=%d", expected, actual),
	}
}

func isSafeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if clean != p {
		return false
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}
