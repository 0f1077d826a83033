package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dethon/relay/internal/gateway"
	"github.com/dethon/relay/internal/logger"
)

// Hub owns every WebSocket connection and their group membership, dispatches
// inbound RPC calls to the gateway and implements notify.Sender so core
// notifications reach the right connections.
type Hub struct {
	svc *gateway.Service

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn

	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// New creates the WebSocket hub.
func New(svc *gateway.Service, log *logger.Logger) *Hub {
	return &Hub{
		svc:    svc,
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("ws-hub"),
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
// Registered as a gin route.
func (h *Hub) HandleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newConn(uuid.New().String(), ws, h.logger)
	h.add(conn)

	h.logger.Info("connection opened",
		slog.String("conn_id", conn.ID),
		slog.Int("total", h.ConnCount()))

	go conn.sendLoop()
	h.readLoop(conn)

	h.remove(conn)
	conn.close()

	h.logger.Info("connection closed", slog.String("conn_id", conn.ID))
}

func (h *Hub) add(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID] = conn
}

func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, conn.ID)
	h.leaveGroupLocked(conn)
}

// joinGroup moves the connection between groups atomically: the old
// membership is gone and the new one visible under the same lock.
func (h *Hub) joinGroup(conn *Conn, groupSlug string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveGroupLocked(conn)

	conn.mu.Lock()
	conn.groupSlug = groupSlug
	conn.mu.Unlock()

	if groupSlug == "" {
		return
	}
	if h.groups[groupSlug] == nil {
		h.groups[groupSlug] = make(map[string]*Conn)
	}
	h.groups[groupSlug][conn.ID] = conn
}

func (h *Hub) leaveGroupLocked(conn *Conn) {
	prev := conn.GroupSlug()
	if prev == "" {
		return
	}
	if members := h.groups[prev]; members != nil {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.groups, prev)
		}
	}
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendAll implements notify.Sender.
func (h *Hub) SendAll(method string, payload interface{}) {
	data, err := marshalNotification(method, payload)
	if err != nil {
		h.logger.Error("failed to marshal notification", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.enqueue(data)
	}
}

// SendToGroup implements notify.Sender. Connections outside the group never
// see the frame.
func (h *Hub) SendToGroup(groupSlug, method string, payload interface{}) {
	data, err := marshalNotification(method, payload)
	if err != nil {
		h.logger.Error("failed to marshal notification", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.groups[groupSlug]))
	for _, conn := range h.groups[groupSlug] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	for _, conn := range members {
		conn.enqueue(data)
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Conn)
	h.groups = make(map[string]map[string]*Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

func marshalNotification(method string, payload interface{}) ([]byte, error) {
	return json.Marshal(envelope{Method: method, Result: payload})
}
