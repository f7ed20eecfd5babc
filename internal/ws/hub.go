// Package ws streams transcript events to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

// Message is the envelope of every frame
type Message struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// Client is one websocket connection of a user
type Client struct {
	ID          string
	UserID      string
	CharacterID string
	Conn        *websocket.Conn
	Send        chan []byte
	Hub         *Hub
}

// Hub fans transcript events out to the connections of their user
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *logger.Logger

	mu      sync.Mutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates a hub. An empty origin list allows every origin.
func NewHub(allowedOrigins []string, log *logger.Logger) *Hub {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" && o != "*" {
			origins[o] = struct{}{}
		}
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.OrDiscard(log).WithComponent("ws"),
		clients:    make(map[string]map[*Client]struct{}),
	}
}

// Run registers and unregisters clients until ctx is done, then drops every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.log.Debug("client registered", "client_id", client.ID, "user_id", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// remove must be called with h.mu held
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.Send)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	h.log.Debug("client unregistered", "client_id", client.ID, "user_id", client.UserID)
}

// Publish sends ev to every connection of userID without blocking.
// Clients whose buffer is full are dropped.
func (h *Hub) Publish(userID string, ev chat.Event) {
	data, err := json.Marshal(Message{Type: string(ev.Kind), Content: ev})
	if err != nil {
		h.log.LogError(err, "could not encode event", "type", string(ev.Kind))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[userID] {
		if client.CharacterID != "" && client.CharacterID != ev.CharacterID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.log.Warn("client removed due to blocked channel", "client_id", client.ID)
			h.remove(client)
		}
	}
}

// Connections returns the number of live connections of userID
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// ReadPump handles inbound frames; only ping is understood
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.LogError(err, "unexpected websocket close", "client_id", c.ID)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendMessage("error", map[string]string{"message": "invalid message"})
			continue
		}
		if msg.Type == "ping" {
			c.sendMessage("pong", nil)
		}
	}
}

func (c *Client) sendMessage(messageType string, content any) {
	data, err := json.Marshal(Message{Type: messageType, Content: content})
	if err != nil {
		return
	}

	c.Hub.mu.Lock()
	defer c.Hub.mu.Unlock()
	if set, ok := c.Hub.clients[c.UserID]; ok {
		if _, live := set[c]; live {
			select {
			case c.Send <- data:
			default:
			}
		}
	}
}

// WritePump writes queued frames and keeps the connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades an authenticated request. The user id is read from the
// gin context; characterId optionally restricts events to one conversation.
func (h *Hub) ServeWs(c *gin.Context) {
	userID := middleware.CurrentUserID(c)
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.LogError(err, "error upgrading connection")
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		CharacterID: c.Query("characterId"),
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		Hub:         h,
	}
	hello, _ := json.Marshal(Message{Type: "connected", Content: map[string]string{"client_id": client.ID}})
	client.Send <- hello

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

var _ chat.Listener = (*Hub)(nil)
