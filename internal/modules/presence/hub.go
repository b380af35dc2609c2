// README: Websocket hub tracking live rider and driver connections.
package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rideline/internal/modules/booking"
	"rideline/internal/observability"
	"rideline/internal/types"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients send no Origin; browser origins are not restricted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Session is the authenticated identity bound to one connection.
type Session struct {
	UserID types.ID
	Role   booking.ActorType
}

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageHandler processes one inbound message from a connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Client, msgType string, data json.RawMessage) error
}

type Client struct {
	Session Session

	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu         sync.Mutex
	registered bool
	closed     bool
}

// MarkRegistered flags the connection as registered and reports whether it
// already was.
func (c *Client) MarkRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.registered
	c.registered = true
	return was
}

func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Send queues msg without blocking. A full buffer drops the message.
func (c *Client) Send(msg Envelope) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Warn("encode ws message failed", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		observability.RelayDroppedTotal.Inc()
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[types.ID]map[*Client]struct{}
	handler MessageHandler
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[types.ID]map[*Client]struct{}), log: log}
}

// SetHandler installs the inbound message handler. Call before serving.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.Session.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.Session.UserID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()
	h.log.Info("ws client connected",
		zap.String("user_id", string(c.Session.UserID)),
		zap.String("role", string(c.Session.Role)),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.Session.UserID]
	_, present := conns[c]
	if ok && present {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.Session.UserID)
		}
	}
	h.mu.Unlock()
	if !present {
		return
	}
	c.close()
	observability.WSConnections.Dec()
	h.log.Info("ws client disconnected", zap.String("user_id", string(c.Session.UserID)))
}

// SendToUser delivers msg to every live connection of userID and reports
// whether at least one accepted it.
func (h *Hub) SendToUser(userID types.ID, msg Envelope) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("encode ws message failed", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if c.enqueue(data) {
			delivered = true
		}
	}
	return delivered
}

func (h *Hub) Connected(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// ServeWS upgrades an authenticated request and pumps the connection until
// it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sess Session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &Client{Session: sess, conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	h.register(c)

	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()))
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read failed", zap.String("user_id", string(c.Session.UserID)), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.Send(errorMessage("", "bad_message", "message must be JSON with a type"))
			continue
		}
		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler.HandleMessage(ctx, c, msg.Type, msg.Data); err != nil {
			c.hub.log.Debug("ws message rejected",
				zap.String("user_id", string(c.Session.UserID)),
				zap.String("type", msg.Type),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
