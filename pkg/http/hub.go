package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"convopulse/pkg/broadcast"
	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256

	roleSupervisor = "supervisor"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// Hub keeps websocket clients grouped in rooms named after broadcast scopes
// and implements broadcast.Broadcaster over them.
type Hub struct {
	logger       *logrus.Entry
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	rooms   map[broadcast.Scope]map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	role      string

	// guarded by hub.mu
	rooms map[broadcast.Scope]struct{}
}

// clientMessage is a control message sent by a subscriber
type clientMessage struct {
	Type           string `json:"type"`
	Scope          string `json:"scope,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// hubMessage is a control message sent to a subscriber
type hubMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Rooms     []string  `json:"rooms,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewHub creates a hub; allowedOrigins empty accepts any origin
func NewHub(logger *logrus.Logger, allowedOrigins []string, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		logger:       logger.WithField("component", "websocket_hub"),
		pingInterval: pingInterval,
		clients:      make(map[*hubClient]struct{}),
		rooms:        make(map[broadcast.Scope]map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterHandlers mounts the websocket endpoint
func (h *Hub) RegisterHandlers(server *Server) {
	server.RegisterHandler("/ws", h.ServeWS)
}

// ServeWS upgrades the request and joins the rooms named in the query:
// conversation_id joins that conversation, dashboard=true joins the
// dashboard and role=supervisor joins the supervisors room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	q := r.URL.Query()
	client := &hubClient{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: uuid.NewString(),
		role:      q.Get("role"),
		rooms:     make(map[broadcast.Scope]struct{}),
	}

	var initial []broadcast.Scope
	if id := q.Get("conversation_id"); id != "" {
		initial = append(initial, broadcast.ConversationScope(id))
	}
	if q.Get("dashboard") == "true" {
		initial = append(initial, broadcast.ScopeDashboard)
	}
	if client.role == roleSupervisor {
		initial = append(initial, broadcast.ScopeSupervisors)
	}

	if !h.add(client, initial) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.WithFields(logrus.Fields{
		"session_id": client.sessionID,
		"role":       client.role,
		"rooms":      len(initial),
	}).Debug("WebSocket client connected")

	client.reply(hubMessage{Type: "connected", SessionID: client.sessionID, Rooms: h.roomsOf(client)})

	go client.writePump()
	go client.readPump()
}

// Publish implements broadcast.Broadcaster. Events to a room without members
// are dropped; clients whose buffer is full are disconnected.
func (h *Hub) Publish(_ context.Context, scope broadcast.Scope, kind broadcast.EventKind, payload interface{}) error {
	if !scope.Valid() {
		return errors.NewInvalidInput("unknown broadcast scope", map[string]interface{}{"scope": string(scope)})
	}
	data, err := json.Marshal(broadcast.NewEnvelope(scope, kind, payload))
	if err != nil {
		return errors.Wrap(errors.Join(err, errors.ErrBroadcastFailure), "failed to encode websocket event").
			WithField("kind", string(kind))
	}

	var slow []*hubClient
	h.mu.RLock()
	for c := range h.rooms[scope] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.WithField("session_id", c.sessionID).Warn("Dropping slow websocket client")
		h.remove(c)
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in a room
func (h *Hub) RoomSize(scope broadcast.Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[scope])
}

// Health fails once the hub is closed
func (h *Hub) Health(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errors.NewUnavailable("websocket hub closed")
	}
	return nil
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *hubClient, scopes []broadcast.Scope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	for _, scope := range scopes {
		h.joinLocked(c, scope)
	}
	metrics.SetWebsocketClients(len(h.clients))
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for scope := range c.rooms {
		h.leaveLocked(c, scope)
	}
	close(c.send)
	metrics.SetWebsocketClients(len(h.clients))
}

func (h *Hub) join(c *hubClient, scope broadcast.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.joinLocked(c, scope)
	}
}

func (h *Hub) leave(c *hubClient, scope broadcast.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, scope)
}

func (h *Hub) joinLocked(c *hubClient, scope broadcast.Scope) {
	room, ok := h.rooms[scope]
	if !ok {
		room = make(map[*hubClient]struct{})
		h.rooms[scope] = room
	}
	room[c] = struct{}{}
	c.rooms[scope] = struct{}{}
}

func (h *Hub) leaveLocked(c *hubClient, scope broadcast.Scope) {
	delete(c.rooms, scope)
	room, ok := h.rooms[scope]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, scope)
	}
}

func (h *Hub) roomsOf(c *hubClient) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for scope := range c.rooms {
		out = append(out, string(scope))
	}
	sort.Strings(out)
	return out
}

// reply queues a control message without blocking
func (c *hubClient) reply(msg hubMessage) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// requestedScope resolves the scope named by a subscribe or unsubscribe
func (c *hubClient) requestedScope(msg clientMessage) (broadcast.Scope, error) {
	scope := broadcast.Scope(msg.Scope)
	if msg.ConversationID != "" {
		scope = broadcast.ConversationScope(msg.ConversationID)
	}
	if !scope.Valid() {
		return "", errors.NewInvalidInput("unknown scope")
	}
	if scope == broadcast.ScopeSupervisors && c.role != roleSupervisor {
		return "", errors.NewInvalidInput("supervisors scope requires the supervisor role")
	}
	return scope, nil
}

func (c *hubClient) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(hubMessage{Type: "error", Error: "malformed message"})
		return
	}

	switch msg.Type {
	case "subscribe":
		scope, err := c.requestedScope(msg)
		if err != nil {
			c.reply(hubMessage{Type: "error", Error: err.Error()})
			return
		}
		c.hub.join(c, scope)
		c.reply(hubMessage{Type: "subscribed", Scope: string(scope), Rooms: c.hub.roomsOf(c)})

	case "unsubscribe":
		scope, err := c.requestedScope(msg)
		if err != nil {
			c.reply(hubMessage{Type: "error", Error: err.Error()})
			return
		}
		c.hub.leave(c, scope)
		c.reply(hubMessage{Type: "unsubscribed", Scope: string(scope), Rooms: c.hub.roomsOf(c)})

	case "ping":
		c.reply(hubMessage{Type: "pong"})

	default:
		c.reply(hubMessage{Type: "error", Error: "unknown message type"})
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	pongWait := 2 * c.hub.pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).WithField("session_id", c.sessionID).Debug("WebSocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
