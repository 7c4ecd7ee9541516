// Package push streams engine activity to connected dashboards over
// WebSocket. The hub fans out two feeds: proactive alerts (it satisfies
// monitor.Sink) and a configurable slice of bus events. Clients may scope
// their stream to a single project with the project_id query parameter.
package push

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/monitor"
)

// Frame is the wire envelope every client receives.
type Frame struct {
	Kind      string      `json:"kind"` // "alert" or "event"
	Type      string      `json:"type"` // alert type or event type
	ProjectID string      `json:"project_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type client struct {
	conn      *websocket.Conn
	projectID string // "" means firehose
	send      chan Frame
}

// Hub manages WebSocket connections and fan-out.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	broadcast  chan Frame
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *log.Logger
	unsubs     []func()
	stop       chan struct{}
	stopOnce   sync.Once
}

// streamedEvents is the slice of the bus relayed to dashboards. Internal
// plumbing events (SQL audit, health pings) stay off the wire.
var streamedEvents = []events.EventType{
	events.DataIngested,
	events.ReconciliationCompleted,
	events.TransactionMatched,
	events.AnomalyDetected,
	events.PatternIdentified,
	events.CorrelationFound,
	events.BatchJobStarted,
	events.BatchJobCompleted,
	events.BatchJobFailed,
	events.CaseCreated,
	events.CaseClosed,
	events.EvidenceAdded,
	events.EvidenceVerified,
	events.AIInsight,
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Push] ", log.LstdFlags),
		stop:   make(chan struct{}),
	}
}

// Attach subscribes the hub to the bus feeds it streams.
func (h *Hub) Attach(bus *events.Bus) {
	for _, et := range streamedEvents {
		h.unsubs = append(h.unsubs, bus.Subscribe(et, h.onEvent))
	}
}

// Run pumps registrations and broadcasts until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("📡 Client connected scope=%q (total: %d)", c.projectID, total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("📡 Client disconnected (total: %d)", total)

		case frame := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.projectID != "" && frame.ProjectID != "" && c.projectID != frame.ProjectID {
					continue
				}
				select {
				case c.send <- frame:
				default:
					// Slow consumer: drop the frame, not the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Close shuts the hub down and detaches from the bus.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		for _, unsub := range h.unsubs {
			unsub()
		}
		close(h.stop)
	})
}

// Notify implements monitor.Sink.
func (h *Hub) Notify(_ context.Context, a *monitor.Alert) {
	h.enqueue(Frame{
		Kind:      "alert",
		Type:      a.AlertType,
		ProjectID: a.ProjectID,
		Timestamp: a.CreatedAt,
		Payload:   a,
	})
}

func (h *Hub) onEvent(_ context.Context, e *events.Event) error {
	h.enqueue(Frame{
		Kind:      "event",
		Type:      string(e.Type),
		ProjectID: e.Project,
		Timestamp: e.Timestamp,
		Payload:   e.Data,
	})
	return nil
}

func (h *Hub) enqueue(f Frame) {
	select {
	case h.broadcast <- f:
	case <-h.stop:
	default:
		// Broadcast queue full; shed rather than block publishers.
	}
}

// HandleWebSocket upgrades the request and registers the client. A client
// passing ?project_id= only receives frames for that project plus global
// frames.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Upgrade error: %v", err)
		return
	}

	c := &client{
		conn:      conn,
		projectID: r.URL.Query().Get("project_id"),
		send:      make(chan Frame, 64),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			h.logger.Printf("Write error: %v", err)
			return
		}
	}
}

// readPump drains client messages so pings are answered; the stream is
// one-way otherwise.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stop:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Statistics reports hub health for the debug surface.
func (h *Hub) Statistics() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"broadcast_queue":   len(h.broadcast),
	}
}
