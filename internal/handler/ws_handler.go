package handler

import (
	"net/http"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/service"
	"github.com/vadymcap/Vasc/internal/websocket"
)

type WebSocketHandler struct {
	hub      *websocket.Hub
	sessions *service.SessionService
	upgrader ws.Upgrader
	logger   *zap.Logger
}

func NewWebSocketHandler(hub *websocket.Hub, sessions *service.SessionService, readBuffer, writeBuffer int, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		sessions: sessions,
		logger:   logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades an authenticated session to the push channel. The
// token arrives in the query string because browsers and some websocket
// clients cannot set headers on the upgrade request.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}

	session, err := h.sessions.Validate(token)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session", session.ID), zap.Error(err))
		return
	}

	client := websocket.NewClient(session.ID, conn, h.hub)
	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("push channel opened", zap.String("session", session.ID))
}
