package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/config"
	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/internal/watcher"
	"github.com/vadymcap/Vasc/pkg/hash"
	"github.com/vadymcap/Vasc/pkg/response"
)

// fakeHost is just enough host to exercise the client's propose and refetch
// paths without standing up the real stack.
type fakeHost struct {
	mu        sync.Mutex
	proposals []domain.ProposalRequest
	files     map[string]domain.FileRecord
	changes   []domain.ChangeEntry
	headSeq   uint64
	propose   func(req domain.ProposalRequest) (int, *domain.ProposalResult)
	server    *httptest.Server
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	f := &fakeHost{files: make(map[string]domain.FileRecord)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/propose", func(w http.ResponseWriter, r *http.Request) {
		var req domain.ProposalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		f.mu.Lock()
		f.proposals = append(f.proposals, req)
		handler := f.propose
		f.mu.Unlock()

		if handler == nil {
			response.Success(w, domain.ProposalResult{
				Accepted: true, Path: req.Path, NewRev: req.BaseRev + 1,
			})
			return
		}
		status, res := handler(req)
		response.JSON(w, status, res)
	})
	mux.HandleFunc("/api/v1/changes", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
		f.mu.Lock()
		var out []domain.ChangeEntry
		for _, e := range f.changes {
			if e.Seq > since {
				out = append(out, e)
			}
		}
		head := f.headSeq
		f.mu.Unlock()
		response.Success(w, domain.ChangesResponse{Entries: out, HeadSeq: head})
	})
	mux.HandleFunc("/api/v1/file", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		rec, ok := f.files[r.URL.Query().Get("path")]
		f.mu.Unlock()
		if !ok {
			response.NotFound(w, "no record for path")
			return
		}
		response.Success(w, rec)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHost) proposalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposals)
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			PollInterval:   500 * time.Millisecond,
			Retention:      5 * time.Minute,
			EchoTTL:        5 * time.Second,
			ReconnectDelay: time.Second,
		},
		Watcher: config.WatcherConfig{
			DebounceWindow: 150 * time.Millisecond,
			IgnoreNames:    []string{".git", BackupDirName},
			QueueSize:      64,
		},
	}
}

func newTestClient(t *testing.T, hostURL string) (*Client, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/mirror", 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(Options{HostAddr: hostURL, Dir: "/mirror"}, testConfig(), zap.NewNop())
	c.fs = fs
	return c, fs
}

func TestBackup_CopiesTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/work/project/main.lua", []byte("print(1)"), 0o644)
	afero.WriteFile(fs, "/work/project/sub/deep/util.lua", []byte("return {}"), 0o644)

	dest, err := Backup(fs, "/work/project", time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dest, "/work/"+BackupDirName+"/") {
		t.Errorf("backup dest = %q, want sibling of the project dir", dest)
	}

	for path, want := range map[string]string{
		dest + "/main.lua":          "print(1)",
		dest + "/sub/deep/util.lua": "return {}",
	} {
		got, err := afero.ReadFile(fs, path)
		if err != nil || string(got) != want {
			t.Errorf("backup %s = %q, err=%v, want %q", path, got, err, want)
		}
	}
}

func TestMaterialize_IsDestructive(t *testing.T) {
	c, fs := newTestClient(t, "http://unused")
	afero.WriteFile(fs, "/mirror/local.txt", []byte("precious local work"), 0o644)
	afero.WriteFile(fs, "/mirror/.git/HEAD", []byte("ref"), 0o644)

	err := c.materialize(&domain.SnapshotResponse{
		Records: []domain.FileRecord{
			{Path: "src/main.lua", Revision: 3, Hash: hash.Content([]byte("code")), Content: []byte("code")},
			{Path: "gone.lua", Revision: 7, Tombstone: true},
		},
		HeadSeq: 42,
	})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/mirror/local.txt"); ok {
		t.Error("untracked local file survived materialization")
	}
	if ok, _ := afero.Exists(fs, "/mirror/.git/HEAD"); !ok {
		t.Error("ignored directory was swept")
	}
	if ok, _ := afero.Exists(fs, "/mirror/gone.lua"); ok {
		t.Error("tombstoned record was written out")
	}
	got, err := afero.ReadFile(fs, "/mirror/src/main.lua")
	if err != nil || string(got) != "code" {
		t.Errorf("tracked file = %q, err=%v", got, err)
	}
	if c.cursor != 42 {
		t.Errorf("cursor = %d, want snapshot head 42", c.cursor)
	}
	if rec, ok := c.mirror.Get("src/main.lua"); !ok || rec.Revision != 3 {
		t.Errorf("mirror record = %+v, ok=%v, want rev 3", rec, ok)
	}
}

func TestApplyRemote_OrderedAndStale(t *testing.T) {
	c, fs := newTestClient(t, "http://unused")

	write := func(rev uint64, content string) domain.ChangeEntry {
		return domain.ChangeEntry{
			Seq: rev, Path: "a.lua", Op: domain.OpWrite,
			Content: []byte(content), Rev: rev, Hash: hash.Content([]byte(content)),
		}
	}

	if err := c.applyRemote(write(1, "v1")); err != nil {
		t.Fatal(err)
	}
	if err := c.applyRemote(write(2, "v2")); err != nil {
		t.Fatal(err)
	}
	// A late replay of rev 1 must not regress the mirror.
	if err := c.applyRemote(write(1, "v1")); err != nil {
		t.Fatal(err)
	}

	got, _ := afero.ReadFile(fs, "/mirror/a.lua")
	if string(got) != "v2" {
		t.Errorf("disk = %q, want v2", got)
	}
	if rec, _ := c.mirror.Get("a.lua"); rec.Revision != 2 {
		t.Errorf("mirror rev = %d, want 2", rec.Revision)
	}
}

func TestApplyRemote_GapTriggersRefetch(t *testing.T) {
	host := newFakeHost(t)
	host.files["a.lua"] = domain.FileRecord{
		Path: "a.lua", Revision: 5,
		Hash: hash.Content([]byte("authoritative")), Content: []byte("authoritative"),
	}

	c, fs := newTestClient(t, host.server.URL)
	c.mirror.Put(domain.FileRecord{Path: "a.lua", Revision: 2, Content: []byte("old")})

	err := c.applyRemote(domain.ChangeEntry{
		Seq: 9, Path: "a.lua", Op: domain.OpWrite,
		Content: []byte("rev seven"), Rev: 7, Hash: hash.Content([]byte("rev seven")),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := afero.ReadFile(fs, "/mirror/a.lua")
	if string(got) != "authoritative" {
		t.Errorf("disk = %q, want the refetched record", got)
	}
	if rec, _ := c.mirror.Get("a.lua"); rec.Revision != 5 {
		t.Errorf("mirror rev = %d, want the host's 5", rec.Revision)
	}
}

func TestApplyRemote_DeleteRemovesFile(t *testing.T) {
	c, fs := newTestClient(t, "http://unused")
	afero.WriteFile(fs, "/mirror/a.lua", []byte("x"), 0o644)
	c.mirror.Put(domain.FileRecord{Path: "a.lua", Revision: 1, Content: []byte("x")})

	err := c.applyRemote(domain.ChangeEntry{
		Seq: 2, Path: "a.lua", Op: domain.OpDelete, Rev: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := afero.Exists(fs, "/mirror/a.lua"); ok {
		t.Error("file survived a remote delete")
	}
	if rec, ok := c.mirror.Get("a.lua"); !ok || !rec.Tombstone || rec.Revision != 2 {
		t.Errorf("mirror record = %+v, ok=%v, want tombstone at rev 2", rec, ok)
	}
}

func TestProposeWrite_EchoMarkSuppressesProposal(t *testing.T) {
	host := newFakeHost(t)
	c, fs := newTestClient(t, host.server.URL)

	content := []byte("applied from remote")
	afero.WriteFile(fs, "/mirror/remote.lua", content, 0o644)
	c.echo.Mark("remote.lua", hash.Content(content))

	if err := c.handleLocal(watcher.Event{Path: "remote.lua", Kind: domain.EventCreate}); err != nil {
		t.Fatal(err)
	}
	if n := host.proposalCount(); n != 0 {
		t.Errorf("proposals = %d, want 0 for an echoed write", n)
	}
}

func TestProposeWrite_AcceptedAdvancesMirror(t *testing.T) {
	host := newFakeHost(t)
	c, fs := newTestClient(t, host.server.URL)

	c.mirror.Put(domain.FileRecord{
		Path: "a.lua", Revision: 3,
		Hash: hash.Content([]byte("old")), Content: []byte("old"),
	})
	afero.WriteFile(fs, "/mirror/a.lua", []byte("new"), 0o644)

	if err := c.handleLocal(watcher.Event{Path: "a.lua", Kind: domain.EventModify}); err != nil {
		t.Fatal(err)
	}

	host.mu.Lock()
	sent := host.proposals
	host.mu.Unlock()
	if len(sent) != 1 || sent[0].BaseRev != 3 || sent[0].Op != domain.OpWrite {
		t.Fatalf("proposals = %+v, want one write based on rev 3", sent)
	}
	if rec, _ := c.mirror.Get("a.lua"); rec.Revision != 4 || string(rec.Content) != "new" {
		t.Errorf("mirror = %+v, want rev 4 with the new content", rec)
	}
}

func TestProposeWrite_ConflictPreservesLocalEdit(t *testing.T) {
	host := newFakeHost(t)
	authoritative := []byte("the host's truth")
	host.files["a.lua"] = domain.FileRecord{
		Path: "a.lua", Revision: 6,
		Hash: hash.Content(authoritative), Content: authoritative,
	}
	host.propose = func(req domain.ProposalRequest) (int, *domain.ProposalResult) {
		return http.StatusConflict, &domain.ProposalResult{
			Accepted: false, Path: req.Path,
			Conflict: &domain.ConflictRecord{
				Path: req.Path, ExpectedRev: req.BaseRev, ActualRev: 6,
				ActualHash: hash.Content(authoritative),
			},
		}
	}

	c, fs := newTestClient(t, host.server.URL)
	c.mirror.Put(domain.FileRecord{
		Path: "a.lua", Revision: 3,
		Hash: hash.Content([]byte("base")), Content: []byte("base"),
	})
	afero.WriteFile(fs, "/mirror/a.lua", []byte("my local edit"), 0o644)

	if err := c.handleLocal(watcher.Event{Path: "a.lua", Kind: domain.EventModify}); err != nil {
		t.Fatal(err)
	}

	// The losing edit survives next to the file.
	matches, err := afero.Glob(fs, "/mirror/a.lua.conflict-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("conflict files = %v, err=%v, want exactly one", matches, err)
	}
	preserved, _ := afero.ReadFile(fs, matches[0])
	if string(preserved) != "my local edit" {
		t.Errorf("preserved content = %q", preserved)
	}

	// The path itself now holds the authoritative version.
	got, _ := afero.ReadFile(fs, "/mirror/a.lua")
	if string(got) != string(authoritative) {
		t.Errorf("disk = %q, want the host's version", got)
	}
	if rec, _ := c.mirror.Get("a.lua"); rec.Revision != 6 {
		t.Errorf("mirror rev = %d, want the host's 6", rec.Revision)
	}
}

func TestConflictCopyStaysLocal(t *testing.T) {
	host := newFakeHost(t)
	authoritative := []byte("the host's truth")
	host.files["a.lua"] = domain.FileRecord{
		Path: "a.lua", Revision: 6,
		Hash: hash.Content(authoritative), Content: authoritative,
	}
	host.propose = func(req domain.ProposalRequest) (int, *domain.ProposalResult) {
		return http.StatusConflict, &domain.ProposalResult{
			Accepted: false, Path: req.Path,
			Conflict: &domain.ConflictRecord{
				Path: req.Path, ExpectedRev: req.BaseRev, ActualRev: 6,
			},
		}
	}

	c, fs := newTestClient(t, host.server.URL)
	c.mirror.Put(domain.FileRecord{
		Path: "a.lua", Revision: 3,
		Hash: hash.Content([]byte("base")), Content: []byte("base"),
	})
	afero.WriteFile(fs, "/mirror/a.lua", []byte("my local edit"), 0o644)

	if err := c.handleLocal(watcher.Event{Path: "a.lua", Kind: domain.EventModify}); err != nil {
		t.Fatal(err)
	}
	before := host.proposalCount()

	matches, err := afero.Glob(fs, "/mirror/a.lua.conflict-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("conflict files = %v, err=%v, want exactly one", matches, err)
	}
	preservedRel := strings.TrimPrefix(matches[0], "/mirror/")

	// The watcher sees the preserved copy appear; it must not be proposed.
	if err := c.handleLocal(watcher.Event{Path: preservedRel, Kind: domain.EventCreate}); err != nil {
		t.Fatal(err)
	}
	// Nor may its removal be, should the user clean it up.
	if err := c.handleLocal(watcher.Event{Path: preservedRel, Kind: domain.EventDelete}); err != nil {
		t.Fatal(err)
	}
	if n := host.proposalCount(); n != before {
		t.Errorf("proposals = %d, want %d: the conflict copy leaked to the host", n, before)
	}

	// A fresh snapshot materialization sweeps untracked files but must keep
	// the preserved edit.
	if err := c.materialize(&domain.SnapshotResponse{
		Records: []domain.FileRecord{host.files["a.lua"]},
		HeadSeq: 6,
	}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.Exists(fs, matches[0]); !ok {
		t.Error("materialization destroyed the preserved conflict copy")
	}
}

func TestPushGapLeavesCursorForPoll(t *testing.T) {
	host := newFakeHost(t)
	missed := []byte("only in the log")
	late := []byte("came over push")
	host.changes = []domain.ChangeEntry{
		{Seq: 4, Path: "missed.lua", Op: domain.OpWrite, Content: missed, Rev: 1, Hash: hash.Content(missed)},
		{Seq: 5, Path: "late.lua", Op: domain.OpWrite, Content: late, Rev: 1, Hash: hash.Content(late)},
	}
	host.headSeq = 5

	c, fs := newTestClient(t, host.server.URL)
	c.cursor = 3

	// The push channel delivers seq 5 without ever having seen seq 4.
	if err := c.applyPushed(host.changes[1]); err != nil {
		t.Fatal(err)
	}
	if got, _ := afero.ReadFile(fs, "/mirror/late.lua"); string(got) != string(late) {
		t.Errorf("pushed entry not applied: %q", got)
	}
	if c.cursor != 3 {
		t.Fatalf("cursor = %d, want 3: push must not jump past an undelivered sequence", c.cursor)
	}

	// The poll picks up the skipped broadcast and only then moves the cursor.
	if err := c.pollOnce(); err != nil {
		t.Fatal(err)
	}
	if got, _ := afero.ReadFile(fs, "/mirror/missed.lua"); string(got) != string(missed) {
		t.Errorf("skipped broadcast never applied: %q", got)
	}
	if c.cursor != 5 {
		t.Errorf("cursor = %d, want 5 after a complete poll", c.cursor)
	}
}

func TestPushContiguousAdvancesCursor(t *testing.T) {
	c, _ := newTestClient(t, "http://unused")
	c.cursor = 3

	content := []byte("next in line")
	if err := c.applyPushed(domain.ChangeEntry{
		Seq: 4, Path: "a.lua", Op: domain.OpWrite,
		Content: content, Rev: 1, Hash: hash.Content(content),
	}); err != nil {
		t.Fatal(err)
	}
	if c.cursor != 4 {
		t.Errorf("cursor = %d, want 4 for a gap-free push", c.cursor)
	}
}

func TestProposeDelete_AcceptedTombstonesMirror(t *testing.T) {
	host := newFakeHost(t)
	c, fs := newTestClient(t, host.server.URL)

	c.mirror.Put(domain.FileRecord{Path: "a.lua", Revision: 2, Content: []byte("x")})
	// The watcher reported the file gone; it is already off disk.
	fs.Remove("/mirror/a.lua")

	if err := c.handleLocal(watcher.Event{Path: "a.lua", Kind: domain.EventDelete}); err != nil {
		t.Fatal(err)
	}

	host.mu.Lock()
	sent := host.proposals
	host.mu.Unlock()
	if len(sent) != 1 || sent[0].Op != domain.OpDelete || sent[0].BaseRev != 2 {
		t.Fatalf("proposals = %+v, want one delete based on rev 2", sent)
	}
	if rec, ok := c.mirror.Get("a.lua"); !ok || !rec.Tombstone || rec.Revision != 3 {
		t.Errorf("mirror = %+v, ok=%v, want tombstone at rev 3", rec, ok)
	}
}
