// Package monitor fans emitted points out to WebSocket observers. It is
// purely diagnostic: slow or dead clients are dropped, the session never
// waits on an observer.
package monitor

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"indicator-udfv1/internal/metrics"
)

// Hub manages observer clients and fan-out of emitted points.
type Hub struct {
	log *slog.Logger
	met *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
}

// NewHub creates an empty hub. met may be nil.
func NewHub(log *slog.Logger, met *metrics.Metrics) *Hub {
	return &Hub{
		log: log,
		met: met,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Observers are local operator tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
	}
}

// HandleWS upgrades an HTTP connection to WebSocket and registers the
// client. Mount it on the metrics mux (e.g. /ws).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(count)

	h.log.Info("observer connected", "total", count)

	go client.writePump()
	go client.readPump()
}

// Broadcast sends data on a channel to all connected observers.
// The envelope is hand-crafted JSON with a monotonic seq, matching what
// clients use for gap detection.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- buf:
		default:
			// Slow observer: drop the message, never block the session.
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(count)
}

func (h *Hub) setClientGauge(n int) {
	if h.met != nil {
		h.met.MonitorClients.Set(float64(n))
	}
}
