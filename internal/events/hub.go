package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub fans events out to the WebSocket clients of each user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[string]*Client)}
}

// Client is one connected UI socket.
type Client struct {
	ID   string
	User string
	Conn *websocket.Conn
	Send chan []byte
	once sync.Once
}

// Emitter returns an Emitter that broadcasts to user's clients.
func (h *Hub) Emitter(user string) Emitter {
	return EmitterFunc(func(e Event) {
		e.User = user
		h.Broadcast(user, e)
	})
}

// Broadcast queues e for every client of user. Slow clients drop events
// rather than block the caller.
func (h *Hub) Broadcast(user string, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", string(e.Type)).Msg("events: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients[user] {
		select {
		case c.Send <- data:
		default:
			log.Warn().Str("client", id).Str("user", user).Msg("events: client buffer full, dropping event")
		}
	}
}

// Count returns how many clients user has connected.
func (h *Hub) Count(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[user])
}

// Serve registers conn for user and runs its pumps until the socket closes.
func (h *Hub) Serve(conn *websocket.Conn, user string) *Client {
	c := &Client{
		ID:   uuid.New().String(),
		User: user,
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
	}
	h.add(c)
	log.Info().Str("client", c.ID).Str("user", user).Msg("events: client connected")

	go c.writePump()
	go c.readPump(h)
	return c
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for _, c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.User]
	if !ok {
		set = make(map[string]*Client)
		h.clients[c.User] = set
	}
	set[c.ID] = c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.User]
	if _, ok := set[c.ID]; !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(h.clients, c.User)
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Send) })
}

// readPump only services control frames; commands arrive over HTTP.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.close()
		c.Conn.Close()
		log.Info().Str("client", c.ID).Str("user", c.User).Msg("events: client disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.ID).Msg("events: websocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("client", c.ID).Msg("events: failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
