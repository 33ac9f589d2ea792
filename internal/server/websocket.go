package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/pkg/a2a"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10

	clientBuffer = 256
)

// WebSocket message types
const (
	MessageTypeQuery       = "query"
	MessageTypeUpdate      = "update"
	MessageTypeResponse    = "response"
	MessageTypeAgentUpdate = "agent_update"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeError       = "error"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// SubscribePayload represents a subscription request
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development; restrict in production
		return true
	},
}

// QueryStreamer runs a query and reports its construction; *orchestrator.Orchestrator implements it
type QueryStreamer interface {
	Stream(ctx context.Context, q a2a.Query) <-chan orchestrator.Update
}

// WSClient represents a WebSocket client connection
type WSClient struct {
	hub      *WSHub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	topics   map[string]bool
	topicsMu sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	streamer   QueryStreamer
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWSHub creates a new WebSocket hub. streamer answers query messages; nil disables them.
func NewWSHub(streamer QueryStreamer) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		streamer:   streamer,
		done:       make(chan struct{}),
	}
}

// Run starts the WebSocket hub; it returns after Stop
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[ws] client connected: %s", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.cancel()
				log.Printf("[ws] client disconnected: %s", client.id)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.subscribed(MessageTypeAgentUpdate) {
					client.trySend(message)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.cancel()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and ends Run
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastMessage queues a message for every subscribed client. It never blocks:
// when the queue is full the message is dropped.
func (h *WSHub) BroadcastMessage(msgType string, payload interface{}) error {
	msgJSON, err := encodeMessage(msgType, "", payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msgJSON:
	default:
		log.Printf("[ws] broadcast queue full, dropped %s", msgType)
	}
	return nil
}

// GetClientCount returns the number of connected clients
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket upgrade and connection
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = "client-" + uuid.New().String()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		id:     id,
		topics: map[string]bool{MessageTypeAgentUpdate: true},
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func encodeMessage(msgType, id string, payload interface{}) ([]byte, error) {
	msg := WSMessage{Type: msgType, Timestamp: time.Now(), ID: id}
	if payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = payloadJSON
	}
	return json.Marshal(msg)
}

func (c *WSClient) subscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics[topic]
}

// trySend queues msg unless the client is gone or its buffer is full.
func (c *WSClient) trySend(msg []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// sendWait queues msg, waiting for buffer space until the client goes away.
func (c *WSClient) sendWait(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// readPump reads messages from the WebSocket connection
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.cancel()
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes incoming WebSocket messages
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "Invalid message format")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if out, err := encodeMessage(MessageTypePong, msg.ID, nil); err == nil {
			c.trySend(out)
		}

	case MessageTypeQuery:
		var req QueryRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError(msg.ID, "Invalid query payload")
			return
		}
		if c.hub.streamer == nil {
			c.sendError(msg.ID, "Queries are not served on this connection")
			return
		}
		go c.runQuery(msg.ID, req)

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError(msg.ID, "Invalid "+msg.Type+" payload")
			return
		}
		c.topicsMu.Lock()
		for _, topic := range payload.Topics {
			if msg.Type == MessageTypeSubscribe {
				c.topics[topic] = true
			} else {
				delete(c.topics, topic)
			}
		}
		c.topicsMu.Unlock()

	default:
		c.sendError(msg.ID, "Unknown message type: "+msg.Type)
	}
}

// runQuery streams one query's updates back to the client. Progress updates are
// best effort; the final response waits for buffer space. Disconnecting cancels the query.
func (c *WSClient) runQuery(id string, req QueryRequest) {
	for u := range c.hub.streamer.Stream(c.ctx, req.ToQuery()) {
		switch u.Kind {
		case orchestrator.UpdateResponse:
			if out, err := encodeMessage(MessageTypeResponse, id, u.Response); err == nil {
				c.sendWait(out)
			}
		case orchestrator.UpdateError:
			msg := "query failed"
			if u.Error != nil {
				msg = u.Error.Message
			}
			c.sendError(id, msg)
		default:
			if out, err := encodeMessage(MessageTypeUpdate, id, u); err == nil {
				c.trySend(out)
			}
		}
	}
}

// sendError sends an error message to the client
func (c *WSClient) sendError(id, message string) {
	out, err := encodeMessage(MessageTypeError, id, map[string]string{"message": message})
	if err != nil {
		return
	}
	c.trySend(out)
}

// writePump writes messages to the WebSocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
