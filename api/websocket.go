package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"androidmonitor/bridge"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 54 seconds
	maxMessageSize = 4096
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The UI may be served from any local origin
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

type Client struct {
	id   string
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte // Buffered channel of encoded frames

	registered chan struct{} // closed once Run has recorded the client

	mu         sync.Mutex
	subscribed map[string]bool
}

func (c *Client) isSubscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[event]
}

func (c *Client) setSubscribed(event string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscribed[event] = true
	} else {
		delete(c.subscribed, event)
	}
}

// WebSocketHub fans push events out to subscribed clients.
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex

	// Last frame per event, replayed to new subscribers. Held across a
	// broadcast or a replay so a subscriber never sees an older frame after
	// a newer one. Taken before mu.
	lastMu sync.Mutex
	last   map[string][]byte

	logger zerolog.Logger
}

func NewWebSocketHub(logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		last:       make(map[string][]byte),
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run serves registrations until ctx is done, then drops every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			close(client.registered)
			h.logger.Info().Str("client", client.id).Int("total", total).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client", client.id).Int("total", total).Msg("Client disconnected")
		}
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends event to every client subscribed to it.
func (h *WebSocketHub) Broadcast(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(bridge.Frame{Event: event, Data: payload})
	if err != nil {
		return err
	}

	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	h.last[event] = frame

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		if !client.isSubscribed(event) {
			continue
		}
		sent++
		h.enqueue(client, frame)
	}
	h.logger.Debug().Str("event", event).Int("bytes", len(frame)).Int("clients", sent).Msg("Broadcast")
	return nil
}

// subscribe marks c as subscribed to event and queues the latest frame for
// it, if any.
func (h *WebSocketHub) subscribe(c *Client, event string) {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	c.setSubscribed(event, true)

	frame := h.last[event]
	if frame == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c] {
		h.enqueue(c, frame)
	}
}

// enqueue must run with h.mu held so client.send is still open.
func (h *WebSocketHub) enqueue(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		// Channel full: a newer snapshot supersedes the oldest queued one.
		select {
		case <-client.send:
		default:
		}
		select {
		case client.send <- frame:
		default:
			h.logger.Warn().Str("client", client.id).Msg("Client channel full, skipping frame")
		}
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		registered: make(chan struct{}),
		subscribed: make(map[string]bool),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	select {
	case <-client.registered:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles subscription messages from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("WebSocket error")
			}
			return
		}

		var msg bridge.SubscribeMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			c.hub.logger.Debug().Str("client", c.id).Msg("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			// The latest frame is replayed so the subscriber starts current.
			c.hub.subscribe(c, msg.Event)
			c.hub.logger.Info().Str("client", c.id).Str("event", msg.Event).Msg("Client subscribed")
		case "unsubscribe":
			c.setSubscribed(msg.Event, false)
			c.hub.logger.Info().Str("client", c.id).Str("event", msg.Event).Msg("Client unsubscribed")
		}
	}
}

// writePump writes queued frames and keepalive pings to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
