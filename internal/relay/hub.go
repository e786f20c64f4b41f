package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/observability"
	"github.com/example/care-sync/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is one attached socket and the identity it announced.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes

	idMu   sync.RWMutex
	userID string
	role   models.Role
}

func (c *Conn) Identity() (string, models.Role) {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.userID, c.role
}

func (c *Conn) setIdentity(userID string, role models.Role) {
	c.idMu.Lock()
	c.userID, c.role = userID, role
	c.idMu.Unlock()
}

// Send writes one envelope.
func (c *Conn) Send(env protocol.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Hub holds attached sockets and fans events out by user or role.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{conns: make(map[*Conn]struct{}), logger: logger.With("component", "hub")}
}

func (h *Hub) Add(ws *websocket.Conn, userID string, role models.Role) *Conn {
	c := &Conn{ws: ws, userID: userID, role: role}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	observability.RelayClients.Set(float64(n))
	return c
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	observability.RelayClients.Set(float64(n))
	_ = c.ws.Close()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ToUser sends event to every socket of userID and returns how many got it.
func (h *Hub) ToUser(userID, event string, payload any) int {
	if userID == "" {
		return 0
	}
	return h.fanout(event, payload, func(c *Conn) bool {
		id, _ := c.Identity()
		return id == userID
	})
}

// ToRole sends event to every socket of role except those of exceptUser.
func (h *Hub) ToRole(role models.Role, exceptUser, event string, payload any) int {
	return h.fanout(event, payload, func(c *Conn) bool {
		id, r := c.Identity()
		return r == role && (exceptUser == "" || id != exceptUser)
	})
}

func (h *Hub) fanout(event string, payload any, match func(*Conn) bool) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode push failed", "event", event, "error", err)
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(protocol.Envelope{Event: event, Data: data}); err != nil {
			h.logger.Warn("ws send error", "event", event, "error", err)
			continue
		}
		sent++
	}
	return sent
}
