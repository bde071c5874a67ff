// Package gateway fans typed bot events out to dashboard WebSocket clients
// and, when Redis is configured, mirrors them onto pub/sub channels so
// sibling services can consume the same feed.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"squeezebotv1/internal/model"
)

const pubsubChannelPrefix = "bot:events:"

// Hub manages WebSocket clients and event fan-out. Delivery to any single
// client is best-effort: a slow peer drops messages, never blocks the rest.
type Hub struct {
	rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*Client]bool

	// scannerList answers GET_FULL_SCANNER_LIST requests from clients.
	scannerList func() []model.ScannedPair

	upgrader websocket.Upgrader
}

// NewHub creates a hub. rdb may be nil when Redis mirroring is disabled.
func NewHub(rdb *goredis.Client) *Hub {
	return &Hub{
		rdb:     rdb,
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetScannerListSource registers the snapshot function used to answer
// full-list requests and seed newly connected clients.
func (h *Hub) SetScannerListSource(fn func() []model.ScannedPair) {
	h.scannerList = fn
}

// Broadcast marshals the event once and fans it out to every connected
// client, mirroring it to Redis when configured.
func (h *Hub) Broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[gateway] marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer, drop rather than stall the pipeline.
		}
	}
	h.mu.RUnlock()

	if h.rdb != nil {
		go h.publish(ev.Type, data)
	}
}

// publish mirrors one event to Redis. Failures are logged and swallowed;
// pub/sub is an optional mirror, never part of the trade path.
func (h *Hub) publish(eventType string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Publish(ctx, pubsubChannelPrefix+eventType, data).Err(); err != nil {
		log.Printf("[gateway] redis publish %s: %v", eventType, err)
	}
}

// ServeWS upgrades an HTTP request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)

	go client.writePump()
	go client.readPump()

	client.sendEvent(model.NewLogEvent("INFO", "connected to trading bot"))
	client.sendScannerList()
}

// RemoveClient unregisters a client and releases its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ model.Broadcaster = (*Hub)(nil)
