// Package events implements the CORE's event surface (spec §6):
// processJob, error, queueOverflow, ready. Observers register a Go
// callback or connect over a websocket; the hub only ever produces
// events, never consumes its own.
//
// Adapted from bobmcallan-vire's internal/services/jobmanager/websocket.go
// JobWSHub/JobWSClient, retyped for model.Event instead of market-data
// job events.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/jobcore/internal/common"
	"github.com/bobmcallan/jobcore/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener receives events delivered in-process, for callers that don't
// need the websocket transport (e.g. the Processor's own tests).
type Listener func(model.Event)

// Hub fans out CORE events to in-process listeners and websocket
// clients.
type Hub struct {
	mu        sync.RWMutex
	listeners []Listener
	clients   map[*Client]bool

	broadcast  chan model.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once

	logger *common.Logger
}

// Client represents a connected websocket observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new event hub. Call Run in its own goroutine before
// broadcasting.
func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Subscribe registers an in-process listener, invoked on the hub's own
// goroutine for every broadcast event. Must be called before Run drains
// events the caller cares about, or after — listeners registered later
// simply miss earlier events, matching the websocket client's
// after-connect semantics.
func (h *Hub) Subscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Run starts the hub's event loop. Intended to be launched as a
// goroutine; returns when Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			listeners := append([]Listener(nil), h.listeners...)
			h.mu.RUnlock()
			for _, l := range listeners {
				l(event)
			}

			data, err := json.Marshal(event)
			if err != nil {
				if h.logger != nil {
					h.logger.Warn().Err(err).Msg("events: failed to marshal event")
				}
				continue
			}

			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop shuts the hub's event loop down. Safe to call more than once.
func (h *Hub) Stop() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Emit publishes an event. Drops the event (logging a warning) if the
// internal buffer is full rather than blocking the caller, per spec §5
// — the CORE's bookkeeping goroutine must never stall on a slow
// observer.
func (h *Hub) Emit(event model.Event) {
	select {
	case h.broadcast <- event:
	default:
		if h.logger != nil {
			h.logger.Warn().Msg("events: broadcast channel full, dropping event")
		}
	}
}

// ServeWS upgrades an HTTP connection to a websocket and registers the
// client to receive every future event.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn().Err(err).Msg("events: websocket upgrade failed")
		}
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
