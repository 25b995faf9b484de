// Package watcher turns raw fsnotify notifications into debounced,
// ignore-filtered change events with project-relative paths.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/domain"
)

// Event is one coalesced filesystem observation. Path is project-relative
// with forward slashes.
type Event struct {
	Path string
	Kind domain.EventKind
}

type pendingEvent struct {
	kind     domain.EventKind
	lastSeen time.Time
}

// Watcher wraps a recursive fsnotify watch over a project directory. Rapid
// successive writes to one path (editor save-as-temp-then-rename sequences)
// coalesce into a single event per debounce window. Consumers read from
// Events; the internal loop never blocks on fsnotify delivery.
type Watcher struct {
	root     string
	ignore   map[string]bool
	debounce time.Duration
	logger   *zap.Logger

	fsw    *fsnotify.Watcher
	events chan Event
}

func New(root string, debounce time.Duration, ignoreNames []string, queueSize int, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	ignore := make(map[string]bool, len(ignoreNames))
	for _, name := range ignoreNames {
		ignore[name] = true
	}

	w := &Watcher{
		root:     root,
		ignore:   ignore,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		events:   make(chan Event, queueSize),
	}

	if err := w.watchTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Events delivers coalesced change events. The channel is closed when Run
// returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run pumps fsnotify notifications until ctx is cancelled. Events for a path
// are held back until the path has been quiet for the debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	pending := make(map[string]*pendingEvent)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(pending, time.Now().Add(w.debounce))
			return ctx.Err()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.ingest(ev, pending)

		case now := <-ticker.C:
			w.flush(pending, now)
		}
	}
}

func (w *Watcher) ingest(ev fsnotify.Event, pending map[string]*pendingEvent) {
	rel, ok := w.relPath(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			// Watch the new directory and surface any files already inside
			// it; they may have been created before the watch was in place.
			if err := w.watchTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
			}
			w.emitExistingFiles(ev.Name, pending)
			return
		}
		w.stage(pending, rel, domain.EventCreate)

	case ev.Op.Has(fsnotify.Write):
		w.stage(pending, rel, domain.EventModify)

	case ev.Op.Has(fsnotify.Remove):
		w.stage(pending, rel, domain.EventDelete)

	case ev.Op.Has(fsnotify.Rename):
		// fsnotify reports the old name on rename; the new name shows up as
		// a separate Create. The old path is gone from our point of view.
		w.stage(pending, rel, domain.EventDelete)
	}
}

func (w *Watcher) stage(pending map[string]*pendingEvent, rel string, kind domain.EventKind) {
	now := time.Now()
	p, ok := pending[rel]
	if !ok {
		pending[rel] = &pendingEvent{kind: kind, lastSeen: now}
		return
	}

	p.lastSeen = now
	switch {
	case kind == domain.EventDelete:
		if p.kind == domain.EventCreate {
			// Created and deleted within one window: nothing to report.
			delete(pending, rel)
			return
		}
		p.kind = domain.EventDelete
	case p.kind == domain.EventDelete:
		// Deleted then recreated within one window reads as a modify.
		p.kind = domain.EventModify
	case p.kind == domain.EventCreate:
		// Writes right after create stay a create.
	default:
		p.kind = kind
	}
}

func (w *Watcher) flush(pending map[string]*pendingEvent, now time.Time) {
	for rel, p := range pending {
		if now.Sub(p.lastSeen) < w.debounce {
			continue
		}
		delete(pending, rel)
		w.events <- Event{Path: rel, Kind: p.kind}
	}
}

func (w *Watcher) emitExistingFiles(dir string, pending map[string]*pendingEvent) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.relPath(path)
		if !ok {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			w.stage(pending, rel, domain.EventCreate)
		}
		return nil
	})
}

func (w *Watcher) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignore[info.Name()] && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// relPath converts an absolute filesystem path to a project-relative,
// forward-slash path, rejecting ignored names anywhere in the path.
func (w *Watcher) relPath(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if w.ignore[part] {
			return "", false
		}
	}
	if domain.IsConflictCopy(rel) {
		return "", false
	}
	return rel, true
}
