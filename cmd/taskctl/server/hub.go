// Package server hosts taskctl's diagnostics HTTP surface: a JSON snapshot
// of every pool/binding the Manager owns, and a websocket stream of the
// lifecycle events handed to its Hub. The engine itself publishes no
// lifecycle events, so the stream carries only what a caller passes in.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkflow-ai/taskengine/internal/taskengine/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans a single stream of remote.LifecycleEvents out to every
// connected websocket client, grounded on the teacher's gateway Hub
// (register/unregister channels serialize membership changes, a per-client
// buffered Send channel absorbs backpressure from slow readers).
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	register chan *client
	unregis  chan *client
	events   chan remote.LifecycleEvent
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		register: make(chan *client),
		unregis:  make(chan *client),
		events:   make(chan remote.LifecycleEvent, 256),
	}
}

// Run drives membership changes and broadcast fan-out. Call it in its own
// goroutine before serving traffic.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregis:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements remote.LifecycleSink so a *Hub can be passed anywhere
// a sink is accepted — e.g. wired alongside a KafkaLifecycleSink so the
// same event reaches both an offline topic and any live taskctl viewer.
func (h *Hub) Publish(_ context.Context, evt remote.LifecycleEvent) error {
	select {
	case h.events <- evt:
	default:
		// stream full: drop rather than block the engine's hot path.
	}
	return nil
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// ServeWS upgrades r into a websocket connection and registers it with the
// hub until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregis <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
