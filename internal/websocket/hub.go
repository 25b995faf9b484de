package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/domain"
)

// Hub fans accepted changes out to subscribed sessions. Subscription is
// optional: polling remains the baseline transport and a client that never
// connects here misses nothing.
type Hub struct {
	clients      map[string]*Client
	clientsMutex sync.RWMutex
	Register     chan *Client
	Unregister   chan *Client

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	sendBuffer int
	logger     *zap.Logger
}

func NewHub(writeWait, pongWait, pingPeriod time.Duration, sendBuffer int, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	// One push connection per session; a reconnect replaces the old one.
	if old, ok := h.clients[client.SessionID]; ok {
		close(old.Send)
	}
	h.clients[client.SessionID] = client

	h.logger.Info("push subscriber registered", zap.String("session", client.SessionID))
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if current, ok := h.clients[client.SessionID]; ok && current == client {
		delete(h.clients, client.SessionID)
		close(client.Send)
		h.logger.Info("push subscriber unregistered", zap.String("session", client.SessionID))
	}
}

// Disconnect tears down the push connection for a session, if any. Used when
// the host removes a session from the broadcast set.
func (h *Hub) Disconnect(sessionID string) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if client, ok := h.clients[sessionID]; ok {
		delete(h.clients, sessionID)
		close(client.Send)
	}
}

// BroadcastChange pushes an accepted change to every subscriber except the
// session that originated it.
func (h *Hub) BroadcastChange(entry domain.ChangeEntry) error {
	msg, err := NewMessage(TypeChange, entry)
	if err != nil {
		return err
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()

	for sessionID, client := range h.clients {
		if sessionID == entry.OriginSession {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			h.logger.Warn("push buffer full, dropping subscriber",
				zap.String("session", sessionID))
			go func(c *Client) { h.Unregister <- c }(client)
		}
	}

	return nil
}

// Subscribers returns the number of connected push subscribers.
func (h *Hub) Subscribers() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}
