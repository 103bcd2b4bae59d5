package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrMaxConnectionsReached is returned when the hub refuses a new socket.
var ErrMaxConnectionsReached = errors.New("maximum WebSocket connections reached")

// LogEvent is one finalized request-log record pushed to admin sockets.
type LogEvent struct {
	ID        uint64                 `json:"id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Kind      string                 `json:"kind"` // success|failure
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// WSHub fans request-log lifecycle events out to connected admin sockets.
// Publishing never blocks: when the broadcast buffer is full the event is
// dropped, and a slow client is disconnected on write error.
type WSHub struct {
	clients   map[*websocket.Conn]time.Time
	broadcast chan LogEvent
	mu        sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	seq       uint64

	maxConnections int
}

// NewWSHub creates a hub; Start must be called before Publish has any effect.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:        make(map[*websocket.Conn]time.Time),
		broadcast:      make(chan LogEvent, 256),
		stopCh:         make(chan struct{}),
		maxConnections: 100,
	}
}

// Start launches the broadcast loop.
func (h *WSHub) Start() {
	go func() {
		for {
			select {
			case ev := <-h.broadcast:
				h.mu.RLock()
				conns := make([]*websocket.Conn, 0, len(h.clients))
				for c := range h.clients {
					conns = append(conns, c)
				}
				h.mu.RUnlock()
				for _, c := range conns {
					if err := c.WriteJSON(ev); err != nil {
						log.Debugf("ws log client write failed: %v", err)
						h.RemoveClient(c)
					}
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop closes every client and halts the broadcast loop.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.Close()
	}
	h.clients = make(map[*websocket.Conn]time.Time)
}

// AddClient registers a connected socket.
func (h *WSHub) AddClient(conn *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxConnections {
		return ErrMaxConnectionsReached
	}
	h.clients[conn] = time.Now()
	log.Infof("ws log client connected (total: %d)", len(h.clients))
	return nil
}

// RemoveClient drops a socket.
func (h *WSHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// Publish enqueues an event for broadcast. Fire-and-forget.
func (h *WSHub) Publish(kind string, fields map[string]interface{}) {
	ev := LogEvent{
		ID:        atomic.AddUint64(&h.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Kind:      kind,
		Fields:    fields,
	}
	select {
	case h.broadcast <- ev:
	default:
		// drop rather than stall the log pipeline
	}
}

// ConnectionCount reports connected clients.
func (h *WSHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
