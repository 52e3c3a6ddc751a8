package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// event is a status-transition notification pushed to every connected
// websocket client, grounded on the teacher's api.Event shape.
type event struct {
	Type      string    `json:"type"`
	FlowID    string    `json:"flow_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans every broadcast event out to all connected clients,
// grounded on the teacher's WebSocketHub but built on
// gorilla/websocket instead of golang.org/x/net/websocket.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	events  chan event
}

type client struct {
	conn *websocket.Conn
	send chan event
}

func newHub() *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		events:  make(chan event, 256),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.mu.Unlock()
			return
		case ev := <-h.events:
			ev.Timestamp = time.Now()
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default: // slow client, drop
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) broadcast(ev event) {
	select {
	case h.events <- ev:
	default:
		log.Println("flowd: event buffer full, dropping broadcast")
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan event, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.send <- event{Type: "connected", Timestamp: time.Now()}

	go c.writePump()
	c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for ev := range c.send {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump only drains client frames (pings, close) to keep the
// connection alive; flowd's feed is read-only from the client's side.
func (c *client) readPump(h *hub) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
