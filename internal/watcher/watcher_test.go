package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/domain"
)

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()

	w, err := New(root, 50*time.Millisecond, []string{".git", ".vasc-collab-backup"}, 256, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return w
}

func waitForEvent(t *testing.T, w *Watcher, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestWatcher_ReportsCreatedFile(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "new.lua"), []byte("return {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no event for created file")
	}
	if ev.Path != "new.lua" {
		t.Errorf("event path = %q, want new.lua", ev.Path)
	}
	if ev.Kind != domain.EventCreate && ev.Kind != domain.EventModify {
		t.Errorf("event kind = %q, want create or modify", ev.Kind)
	}
}

func TestWatcher_CoalescesRapidWrites(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "busy.lua")
	if err := os.WriteFile(path, []byte("v0"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, root)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("version "+string(rune('0'+i))), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no event for written file")
	}
	if ev.Path != "busy.lua" {
		t.Fatalf("event path = %q, want busy.lua", ev.Path)
	}

	// The burst lands as one coalesced event; the channel stays quiet after.
	if extra, ok := waitForEvent(t, w, 200*time.Millisecond); ok {
		t.Errorf("burst not coalesced, extra event: %+v", extra)
	}
}

func TestWatcher_ReportsDelete(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doomed.lua")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, root)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no event for deleted file")
	}
	if ev.Kind != domain.EventDelete || ev.Path != "doomed.lua" {
		t.Errorf("event = %+v, want delete of doomed.lua", ev)
	}
}

func TestWatcher_IgnoresExcludedDirectories(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ev, ok := waitForEvent(t, w, 500*time.Millisecond); ok {
		t.Errorf("event emitted for ignored path: %+v", ev)
	}
}

func TestWatcher_IgnoresConflictCopies(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	preserved := filepath.Join(root, "a.lua.conflict-20260824-101500")
	if err := os.WriteFile(preserved, []byte("losing edit"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ev, ok := waitForEvent(t, w, 500*time.Millisecond); ok {
		t.Errorf("event emitted for preserved conflict copy: %+v", ev)
	}

	// An ordinary file right next to it still comes through.
	if err := os.WriteFile(filepath.Join(root, "a.lua"), []byte("edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok || ev.Path != "a.lua" {
		t.Errorf("event = %+v, ok=%v, want a.lua", ev, ok)
	}
}

func TestWatcher_PicksUpNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	sub := filepath.Join(root, "src", "lib")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to register the new directories.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "util.lua"), []byte("return {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == "src/lib/util.lua" {
				return
			}
		case <-deadline:
			t.Fatal("no event for file in newly created subdirectory")
		}
	}
}
