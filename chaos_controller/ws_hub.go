package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darwin-demo/store/observability"
)

// StatusHub pushes the controller status to every connected UI client.
// A single broadcaster ticks for all clients.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	maxConns int
	interval time.Duration
	status   func(ctx context.Context) Status
}

// NewStatusHub creates a hub that broadcasts status() every interval.
func NewStatusHub(maxConns int, interval time.Duration, status func(ctx context.Context) Status) *StatusHub {
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		maxConns:   maxConns,
		interval:   interval,
		status:     status,
	}
}

// Run starts the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxConns {
				h.mu.Unlock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
					time.Now().Add(time.Second))
				conn.Close()
				log.Printf("[STREAM] Connection rejected: max connections (%d) reached", h.maxConns)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			log.Printf("[STREAM] Client registered. Total: %d", total)

			// New clients get a status right away instead of waiting a tick.
			h.send(conn, h.status(ctx))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *StatusHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	status := h.status(ctx)
	for conn := range h.clients {
		h.send(conn, status)
	}
}

func (h *StatusHub) send(conn *websocket.Conn, status Status) {
	// Write deadline keeps a dead client from stalling the hub
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(status); err != nil {
		log.Printf("[STREAM] Write error: %v", err)
		go h.Unregister(conn)
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[STREAM] Shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.StreamClients.Set(0)
}

// Register adds a client connection.
func (h *StatusHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *StatusHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
