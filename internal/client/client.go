// Package client implements the mirroring side of a collab session: it joins
// a host, materializes the project snapshot into a local directory, proposes
// local edits, and applies the host's accepted changes as they arrive.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadymcap/Vasc/internal/config"
	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/internal/state"
	"github.com/vadymcap/Vasc/internal/watcher"
	"github.com/vadymcap/Vasc/internal/websocket"
	"github.com/vadymcap/Vasc/pkg/hash"
)

type Options struct {
	HostAddr   string
	Dir        string
	Token      string
	ClientName string
	// NoBackup skips the safety copy made before the first destructive
	// snapshot materialization.
	NoBackup bool
}

type Client struct {
	opts      Options
	cfg       *config.Config
	logger    *zap.Logger
	fs        afero.Fs
	transport *Transport
	ignore    map[string]bool
	echo      *watcher.EchoFilter

	// mu serializes all mirror mutation: local proposals, remote applies and
	// re-materialization. Contention is per-keystroke, not per-byte.
	mu       sync.Mutex
	mirror   *state.Snapshot
	cursor   uint64
	backedUp bool
}

func New(opts Options, cfg *config.Config, logger *zap.Logger) *Client {
	ignore := make(map[string]bool, len(cfg.Watcher.IgnoreNames))
	for _, name := range cfg.Watcher.IgnoreNames {
		ignore[name] = true
	}

	return &Client{
		opts:      opts,
		cfg:       cfg,
		logger:    logger,
		fs:        afero.NewOsFs(),
		transport: NewTransport(opts.HostAddr),
		ignore:    ignore,
		echo:      watcher.NewEchoFilter(cfg.Sync.EchoTTL),
		mirror:    state.NewSnapshot(),
	}
}

// Run mirrors the host's project until ctx is cancelled. Dropped sessions
// reconnect with a fresh handshake and a fresh snapshot; only an
// authentication failure is fatal.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrHandshakeRejected) {
			// A wrong shared token will not fix itself by retrying.
			return err
		}
		c.logger.Warn("session ended, reconnecting",
			zap.Error(err), zap.Duration("delay", c.cfg.Sync.ReconnectDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Sync.ReconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	hs, err := c.transport.Handshake(&domain.HandshakeRequest{
		Token:           c.opts.Token,
		ProtocolVersion: domain.ProtocolVersion,
		ClientName:      c.opts.ClientName,
	})
	if err != nil {
		if errors.Is(err, ErrSessionRejected) {
			return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	c.logger.Info("joined session",
		zap.String("session", hs.SessionID), zap.Uint64("head", hs.HeadSeq))

	if !c.opts.NoBackup && !c.backedUp {
		dest, err := Backup(c.fs, c.opts.Dir, time.Now())
		if err != nil {
			return err
		}
		c.backedUp = true
		c.logger.Info("local directory backed up", zap.String("dest", dest))
	}

	snap, err := c.transport.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot transfer: %w", err)
	}
	if err := c.materialize(snap); err != nil {
		return fmt.Errorf("materializing snapshot: %w", err)
	}
	c.logger.Info("snapshot materialized",
		zap.Int("records", len(snap.Records)), zap.Uint64("head", snap.HeadSeq))

	w, err := watcher.New(
		c.opts.Dir, c.cfg.Watcher.DebounceWindow, c.cfg.Watcher.IgnoreNames,
		c.cfg.Watcher.QueueSize, c.logger)
	if err != nil {
		return fmt.Errorf("watching %s: %w", c.opts.Dir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return c.watchLoop(ctx, w) })
	g.Go(func() error { return c.pollLoop(ctx) })
	g.Go(func() error { return c.pushLoop(ctx) })
	return g.Wait()
}

// materialize makes the local directory byte-identical to the host snapshot:
// every live record is written out and every untracked local file is removed.
func (c *Client) materialize(snap *domain.SnapshotResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mirror = state.NewSnapshot()
	c.cursor = snap.HeadSeq

	tracked := make(map[string]bool, len(snap.Records))
	for _, rec := range snap.Records {
		c.mirror.Put(rec)
		if rec.Tombstone {
			continue
		}
		tracked[rec.Path] = true
		if err := c.writeLocal(rec.Path, rec.Content); err != nil {
			return err
		}
	}

	return afero.Walk(c.fs, c.opts.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if c.ignore[info.Name()] && path != c.opts.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if c.ignore[info.Name()] {
			return nil
		}

		rel, err := filepath.Rel(c.opts.Dir, path)
		if err != nil {
			return err
		}
		slashRel := filepath.ToSlash(rel)
		if !tracked[slashRel] && !domain.IsConflictCopy(slashRel) {
			return c.fs.Remove(path)
		}
		return nil
	})
}

func (c *Client) watchLoop(ctx context.Context, w *watcher.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := c.handleLocal(ev); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleLocal(ev watcher.Event) error {
	if domain.IsConflictCopy(ev.Path) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case domain.EventDelete, domain.EventRename:
		return c.proposeDelete(ev.Path)
	default:
		return c.proposeWrite(ev.Path)
	}
}

func (c *Client) proposeWrite(path string) error {
	content, err := afero.ReadFile(c.fs, c.absPath(path))
	if err != nil {
		// Vanished already; the delete event follows.
		return nil
	}

	h := hash.Content(content)
	if c.echo.ShouldSuppress(path, h) {
		return nil
	}

	baseRev := domain.NoRevision
	if rec, ok := c.mirror.Get(path); ok {
		if !rec.Tombstone && rec.Hash == h {
			return nil
		}
		baseRev = rec.Revision
	}

	res, err := c.transport.Propose(&domain.ProposalRequest{
		Path: path, Op: domain.OpWrite, Content: content, BaseRev: baseRev,
	})
	if err != nil {
		return fmt.Errorf("proposing %s: %w", path, err)
	}

	if !res.Accepted {
		return c.resolveConflict(path, content, res.Conflict)
	}
	if res.NewRev > baseRev {
		c.mirror.Put(domain.FileRecord{
			Path: path, Revision: res.NewRev, Hash: h, Content: content,
		})
		c.logger.Info("local edit accepted",
			zap.String("path", path), zap.Uint64("rev", res.NewRev))
	}
	return nil
}

func (c *Client) proposeDelete(path string) error {
	if c.echo.ShouldSuppress(path, watcher.DeleteMark) {
		return nil
	}

	rec, ok := c.mirror.Get(path)
	if !ok || rec.Tombstone {
		return nil
	}

	res, err := c.transport.Propose(&domain.ProposalRequest{
		Path: path, Op: domain.OpDelete, BaseRev: rec.Revision,
	})
	if err != nil {
		if errors.Is(err, ErrFileGone) {
			c.mirror.Drop(path)
			return nil
		}
		return fmt.Errorf("proposing delete of %s: %w", path, err)
	}

	if !res.Accepted {
		// The host moved on; adopt its version. The local delete is not
		// preserved as a conflict file, there is nothing to preserve.
		return c.adoptAuthoritative(path)
	}
	c.mirror.Put(domain.FileRecord{Path: path, Revision: res.NewRev, Tombstone: true})
	c.logger.Info("local delete accepted",
		zap.String("path", path), zap.Uint64("rev", res.NewRev))
	return nil
}

// resolveConflict keeps the losing local edit next to the file and adopts the
// host's authoritative version in place. Nothing is merged, and the preserved
// copy stays local.
func (c *Client) resolveConflict(path string, local []byte, conflict *domain.ConflictRecord) error {
	preserved := fmt.Sprintf("%s%s%s", path, domain.ConflictCopyMarker, time.Now().Format("20060102-150405"))
	if err := c.writeLocal(preserved, local); err != nil {
		return fmt.Errorf("preserving conflicting edit: %w", err)
	}

	c.logger.Warn("edit conflicted, local version preserved",
		zap.String("path", path),
		zap.String("preserved", preserved),
		zap.Uint64("base", conflict.ExpectedRev),
		zap.Uint64("actual", conflict.ActualRev))

	return c.adoptAuthoritative(path)
}

// adoptAuthoritative refetches one record from the host and installs it in
// the mirror and on disk, echo-marked so the watcher stays quiet.
func (c *Client) adoptAuthoritative(path string) error {
	rec, err := c.transport.File(path)
	if err != nil {
		if errors.Is(err, ErrFileGone) {
			c.echo.Mark(path, watcher.DeleteMark)
			if err := c.fs.Remove(c.absPath(path)); err != nil && !os.IsNotExist(err) {
				return err
			}
			c.mirror.Drop(path)
			return nil
		}
		return fmt.Errorf("refetching %s: %w", path, err)
	}

	if rec.Tombstone {
		c.echo.Mark(path, watcher.DeleteMark)
		if err := c.fs.Remove(c.absPath(path)); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else {
		c.echo.Mark(path, rec.Hash)
		if err := c.writeLocal(path, rec.Content); err != nil {
			return err
		}
	}
	c.mirror.Put(*rec)
	return nil
}

func (c *Client) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Sync.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.pollOnce(); err != nil {
			if errors.Is(err, ErrCursorCompacted) || errors.Is(err, ErrSessionRejected) {
				return err
			}
			c.logger.Warn("poll failed", zap.Error(err))
		}
	}
}

// pollOnce fetches and applies everything after the cursor. Only the poll
// path may move the cursor to the host's head: the host guarantees the poll
// response is complete up to head_seq, which pushed entries do not.
func (c *Client) pollOnce() error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	resp, err := c.transport.Changes(cursor)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range resp.Entries {
		if err := c.applyRemote(entry); err != nil {
			return err
		}
	}
	if resp.HeadSeq > c.cursor {
		c.cursor = resp.HeadSeq
	}
	return nil
}

// pushLoop keeps a best-effort websocket subscription alive. Every entry it
// delivers also arrives via polling; the push channel only shortens latency,
// so connection failures degrade silently.
func (c *Client) pushLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := gws.DefaultDialer.DialContext(ctx, c.transport.WebSocketURL(), nil)
		if err != nil {
			c.logger.Debug("push channel unavailable", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.Sync.ReconnectDelay):
			}
			continue
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			var msg websocket.Message
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			if msg.Type != websocket.TypeChange {
				continue
			}
			entry, err := websocket.DecodeChange(&msg)
			if err != nil {
				c.logger.Debug("undecodable push message", zap.Error(err))
				continue
			}
			if err := c.applyPushed(entry); err != nil {
				c.logger.Warn("failed to apply pushed change",
					zap.String("path", entry.Path), zap.Error(err))
			}
		}

		close(done)
		conn.Close()
	}
}

// applyPushed folds a pushed entry into the mirror. The push channel is not
// gap-free (it can connect late, and the hub drops slow subscribers), so the
// cursor only advances when the entry is exactly the next sequence; anything
// skipped over stays ahead of the cursor for the poll loop to fetch.
func (c *Client) applyPushed(entry domain.ChangeEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Seq <= c.cursor {
		return nil
	}
	if err := c.applyRemote(entry); err != nil {
		return err
	}
	if entry.Seq == c.cursor+1 {
		c.cursor = entry.Seq
	}
	return nil
}

// applyRemote folds one accepted change into the mirror, in seq order.
// Callers hold c.mu. Per-path gating: stale revisions are skipped, a gap
// falls back to a single-file refetch.
func (c *Client) applyRemote(entry domain.ChangeEntry) error {
	cur := domain.NoRevision
	if rec, ok := c.mirror.Get(entry.Path); ok {
		cur = rec.Revision
	}

	if entry.Rev <= cur {
		return nil
	}
	if entry.Rev != cur+1 {
		c.logger.Debug("revision gap, refetching",
			zap.String("path", entry.Path),
			zap.Uint64("have", cur), zap.Uint64("got", entry.Rev))
		return c.adoptAuthoritative(entry.Path)
	}

	switch entry.Op {
	case domain.OpDelete:
		c.echo.Mark(entry.Path, watcher.DeleteMark)
		if err := c.fs.Remove(c.absPath(entry.Path)); err != nil && !os.IsNotExist(err) {
			return err
		}
		c.mirror.Put(domain.FileRecord{Path: entry.Path, Revision: entry.Rev, Tombstone: true})
	default:
		c.echo.Mark(entry.Path, entry.Hash)
		if err := c.writeLocal(entry.Path, entry.Content); err != nil {
			return err
		}
		c.mirror.Put(domain.FileRecord{
			Path: entry.Path, Revision: entry.Rev,
			Hash: entry.Hash, Content: entry.Content,
		})
	}

	c.logger.Info("remote change applied",
		zap.String("path", entry.Path),
		zap.String("op", string(entry.Op)),
		zap.Uint64("rev", entry.Rev))
	return nil
}

func (c *Client) writeLocal(relPath string, content []byte) error {
	abs := c.absPath(relPath)
	if err := c.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(c.fs, abs, content, 0o644)
}

func (c *Client) absPath(relPath string) string {
	return filepath.Join(c.opts.Dir, filepath.FromSlash(relPath))
}
