package watcher

import (
	"sync"
	"time"
)

// DeleteMark is the pseudo-hash used when the pending write is a deletion.
const DeleteMark = ""

// EchoFilter keeps the engine's own filesystem writes from being re-observed
// as user edits. Before writing a remote change to disk the applier marks
// (path, hash); the first watcher event for that path whose content hashes to
// the mark is suppressed and the mark consumed, so a genuine follow-up edit
// to the same path passes through. Marks expire after ttl in case the
// platform coalesces the event away entirely.
type EchoFilter struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]map[string]time.Time // path -> hash -> marked at
}

func NewEchoFilter(ttl time.Duration) *EchoFilter {
	return &EchoFilter{
		ttl:     ttl,
		pending: make(map[string]map[string]time.Time),
	}
}

// Mark records that the engine is about to write content with the given hash
// to path. Use DeleteMark for deletions.
func (f *EchoFilter) Mark(path, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	marks, ok := f.pending[path]
	if !ok {
		marks = make(map[string]time.Time)
		f.pending[path] = marks
	}
	marks[hash] = time.Now()
}

// Unmark withdraws a pending mark, used when the write that was announced
// failed and no watcher event will follow.
func (f *EchoFilter) Unmark(path, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(path, hash)
}

// ShouldSuppress reports whether an observed event matches a pending mark.
// A match consumes the mark: it suppresses exactly once.
func (f *EchoFilter) ShouldSuppress(path, observedHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	marks, ok := f.pending[path]
	if !ok {
		return false
	}

	at, ok := marks[observedHash]
	if !ok {
		return false
	}
	if time.Since(at) > f.ttl {
		f.dropLocked(path, observedHash)
		return false
	}

	f.dropLocked(path, observedHash)
	return true
}

func (f *EchoFilter) dropLocked(path, hash string) {
	if marks, ok := f.pending[path]; ok {
		delete(marks, hash)
		if len(marks) == 0 {
			delete(f.pending, path)
		}
	}
}
