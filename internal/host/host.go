// Package host assembles and runs the authoritative side of a collab
// session: the canonical snapshot, the HTTP API, the push hub, the project
// watcher and the retention sweeper.
package host

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadymcap/Vasc/internal/config"
	"github.com/vadymcap/Vasc/internal/handler"
	"github.com/vadymcap/Vasc/internal/middleware"
	"github.com/vadymcap/Vasc/internal/service"
	"github.com/vadymcap/Vasc/internal/state"
	"github.com/vadymcap/Vasc/internal/watcher"
	"github.com/vadymcap/Vasc/internal/websocket"
)

type Options struct {
	ProjectDir string
	Bind       string
	Port       int
	// Shared secret clients must present on handshake. Empty runs an open
	// session.
	Token string
}

type Host struct {
	opts     Options
	cfg      *config.Config
	logger   *zap.Logger
	sessions *service.SessionService
	sync     *service.SyncService
	hub      *websocket.Hub
	watcher  *watcher.Watcher
}

func New(opts Options, cfg *config.Config, logger *zap.Logger) (*Host, error) {
	sessions, err := service.NewSessionService(
		opts.Token, cfg.Session.TokenSecret, cfg.Session.TokenExpiration, logger)
	if err != nil {
		return nil, err
	}

	hub := websocket.NewHub(
		cfg.WebSocket.WriteWait, cfg.WebSocket.PongWait, cfg.WebSocket.PingPeriod,
		cfg.WebSocket.SendBuffer, logger)

	sync := service.NewSyncService(
		state.NewSnapshot(),
		afero.NewOsFs(),
		opts.ProjectDir,
		cfg.Watcher.IgnoreNames,
		watcher.NewEchoFilter(cfg.Sync.EchoTTL),
		hub,
		cfg.Sync.Retention,
		logger,
	)

	w, err := watcher.New(
		opts.ProjectDir, cfg.Watcher.DebounceWindow, cfg.Watcher.IgnoreNames,
		cfg.Watcher.QueueSize, logger)
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", opts.ProjectDir, err)
	}

	return &Host{
		opts:     opts,
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		sync:     sync,
		hub:      hub,
		watcher:  w,
	}, nil
}

// Run serves the project until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	n, err := h.sync.LoadProject()
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	h.logger.Info("project loaded",
		zap.String("dir", h.opts.ProjectDir), zap.Int("files", n))

	go h.hub.Run()

	addr := fmt.Sprintf("%s:%d", h.opts.Bind, h.opts.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.watcher.Run(ctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-h.watcher.Events():
				if !ok {
					return nil
				}
				h.sync.HandleLocalEvent(ev)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(h.cfg.Sync.Retention)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				h.sync.CollectGarbage()
			}
		}
	})

	g.Go(func() error {
		h.logger.Info("hosting project", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	h.logger.Info("host stopped")
	return nil
}

func (h *Host) router() *mux.Router {
	collab := handler.NewCollabHandler(h.sessions, h.sync)
	ws := handler.NewWebSocketHandler(
		h.hub, h.sessions,
		h.cfg.WebSocket.ReadBufferSize, h.cfg.WebSocket.WriteBufferSize, h.logger)

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(h.logger))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/handshake", collab.Handshake).Methods("POST")

	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(h.sessions))
	protected.HandleFunc("/snapshot", collab.Snapshot).Methods("GET")
	protected.HandleFunc("/manifest", collab.Manifest).Methods("GET")
	protected.HandleFunc("/file", collab.File).Methods("GET")
	protected.HandleFunc("/propose", collab.Propose).Methods("POST")
	protected.HandleFunc("/changes", collab.Changes).Methods("GET")
	protected.HandleFunc("/sessions", collab.Sessions).Methods("GET")

	r.HandleFunc("/ws", ws.HandleConnection)
	r.HandleFunc("/health", healthHandler).Methods("GET")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"vasc-collab"}`))
}
