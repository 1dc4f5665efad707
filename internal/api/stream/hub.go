package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Hub broadcasts ledger events to websocket subscribers
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	json     adapter.JSON
	clock    adapter.Clock
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// NewHub creates a hub. Origins are checked by the CORS middleware, not by the upgrader.
func NewHub(json adapter.JSON, clock adapter.Clock) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		json:  json,
		clock: clock,
	}
}

// Handler upgrades the request and streams events until the client goes away
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WarnCtx(c.Request.Context(), "Failed to upgrade to websocket", zap.Error(err))
			return
		}

		cl := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
		if !h.register(cl) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		go h.writePump(cl)
		h.readPump(cl)
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	logger.Debug("Stream subscriber connected", zap.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		cl.close()
		logger.Debug("Stream subscriber disconnected", zap.Int("clients", len(h.clients)))
	}
}

// readPump discards client messages and detects disconnects
func (h *Hub) readPump(cl *client) {
	defer func() {
		h.unregister(cl)
		_ = cl.conn.Close()
	}()

	cl.conn.SetReadLimit(512)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Stream subscriber read failed", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case message, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishRecord broadcasts an appended record
func (h *Hub) PublishRecord(ctx context.Context, record *schema.LedgerRecord) error {
	return h.broadcast(ctx, messaging.NewRecordEvent(record, h.clock.Now()))
}

// PublishAudit broadcasts an audit result
func (h *Hub) PublishAudit(ctx context.Context, run *schema.AuditRun) error {
	return h.broadcast(ctx, messaging.NewAuditEvent(run, h.clock.Now()))
}

// broadcast queues the event on every subscriber; subscribers with a full buffer are dropped
func (h *Hub) broadcast(ctx context.Context, event messaging.Event) error {
	data, err := h.json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			delete(h.clients, cl)
			cl.close()
			logger.WarnCtx(ctx, "Dropping slow stream subscriber", zap.String("eventId", event.ID))
		}
	}
	return nil
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		cl.close()
	}
}

var _ messaging.Publisher = (*Hub)(nil)
