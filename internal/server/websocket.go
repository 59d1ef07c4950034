package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/metrics"
	"github.com/teslashibe/go-sentinel/internal/pipeline"
)

// WSHub manages WebSocket connections and broadcasts bearing updates
type WSHub struct {
	tracker  *doa.Tracker
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write lock

	started   atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewWSHub creates a new WebSocket hub broadcasting at hz updates per second
func NewWSHub(tracker *doa.Tracker, p *pipeline.Pipeline, m *metrics.Metrics, hz int, logger *slog.Logger) *WSHub {
	if hz <= 0 {
		hz = 10
	}
	return &WSHub{
		tracker:  tracker,
		pipeline: p,
		metrics:  m,
		logger:   logger,
		interval: time.Second / time.Duration(hz),
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Run broadcasts until ctx is done or the hub is closed. Call it once.
func (h *WSHub) Run(ctx context.Context) {
	h.started.Store(true)
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastActive bool
	var lastSent time.Time

	h.logger.Info("websocket hub started", "interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-h.quit:
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.tracker == nil {
				continue
			}

			result := h.tracker.GetLatest()
			if result.Timestamp.IsZero() || !result.Timestamp.After(lastSent) {
				continue
			}
			lastSent = result.Timestamp

			h.broadcast(Message{Type: "bearing", Data: result})

			if result.Active != lastActive {
				h.broadcast(Message{
					Type: "activity",
					Data: map[string]any{
						"active": result.Active,
						"angle":  result.Angle,
					},
				})
				lastActive = result.Active

				h.logger.Debug("activity change",
					"active", result.Active,
					"angle", result.Angle,
				)
			}
		}
	}
}

func (h *WSHub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			// cleaned up when the read loop sees the close
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the bearing stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	wmu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = wmu
	clientCount := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(clientCount)

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()
		h.setClientGauge(clientCount)

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.handleCommand(c, wmu, msg)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, wmu *sync.Mutex, msg []byte) {
	var cmd struct {
		Type string `json:"type"`
		N    int    `json:"n"`
	}

	if err := json.Unmarshal(msg, &cmd); err != nil {
		return
	}

	var reply Message
	switch cmd.Type {
	case "ping":
		reply = Message{Type: "pong", Data: time.Now().Unix()}
	case "get_stats":
		if h.pipeline == nil {
			return
		}
		reply = Message{Type: "stats", Data: h.pipeline.Stats()}
	case "get_history":
		if h.tracker == nil {
			return
		}
		reply = Message{Type: "history", Data: h.tracker.History(cmd.N)}
	default:
		return
	}

	wmu.Lock()
	defer wmu.Unlock()
	if err := c.WriteJSON(reply); err != nil {
		h.logger.Debug("websocket reply error", "error", err)
	}
}

func (h *WSHub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.SetWSClients(n)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	if h.started.Load() {
		<-h.done
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
