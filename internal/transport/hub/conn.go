package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dethon/relay/internal/logger"
)

const (
	// sendQueueSize bounds the per-connection outbound queue.
	sendQueueSize = 100

	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second

	// maxInboundSize bounds one inbound RPC frame.
	maxInboundSize = 512 * 1024
)

// Conn is one WebSocket client. Connection state is typed: a user id set by
// RegisterUser and at most one group joined via JoinSpace.
type Conn struct {
	ID string

	ws     *websocket.Conn
	sendCh chan []byte

	mu        sync.RWMutex
	userID    string
	groupSlug string

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger
}

func newConn(id string, ws *websocket.Conn, log *logger.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:     id,
		ws:     ws,
		sendCh: make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
	}
}

// UserID returns the registered user id, empty before RegisterUser.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// GroupSlug returns the connection's current group, empty when ungrouped.
func (c *Conn) GroupSlug() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupSlug
}

// enqueue queues an outbound frame. A full queue drops the frame for this
// connection only.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("connection send queue full, dropping frame",
			slog.String("conn_id", c.ID))
		return false
	}
}

func (c *Conn) writeRaw(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// sendLoop drains the outbound queue onto the socket and keeps the
// connection alive with heartbeats. Exits on write failure or close.
func (c *Conn) sendLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.writeRaw(data); err != nil {
				c.logger.Debug("websocket write failed",
					slog.String("conn_id", c.ID),
					slog.String("error", err.Error()))
				c.cancel()
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) close() {
	c.cancel()
	if c.ws != nil {
		c.ws.Close()
	}
}
