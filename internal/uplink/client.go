// Package uplink keeps a WebSocket connection to a remote command server,
// streaming bearings out and accepting pipeline control in.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-sentinel/internal/protocol"
)

// ErrNotConnected is returned when sending without a live connection
var ErrNotConnected = errors.New("uplink not connected")

// Config holds uplink client configuration
type Config struct {
	URL              string // e.g. "wss://c2.example.com/ws/station"
	Token            string // sent as a bearer token when set
	StationID        string
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	MinInterval      time.Duration // minimum spacing between bearing messages
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/station",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		MinInterval:      100 * time.Millisecond,
	}
}

// ControlFunc executes a control command and returns the status to report
type ControlFunc func(protocol.ControlCommand) (protocol.StatusData, error)

// Client manages the uplink connection with automatic reconnect
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex

	hello     func() protocol.HelloData
	onControl ControlFunc

	lastBearing time.Time

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bearingsDropped  atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "uplink"),
	}
}

// OnHello sets the builder for the announcement sent after each connect
func (c *Client) OnHello(fn func() protocol.HelloData) {
	c.mu.Lock()
	c.hello = fn
	c.mu.Unlock()
}

// OnControl sets the handler for control commands
func (c *Client) OnControl(fn ControlFunc) {
	c.mu.Lock()
	c.onControl = fn
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.connectionLoop(ctx, c.done)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.cfg.ReconnectBackoff

	for {
		if ctx.Err() != nil {
			c.closeConnection()
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff = min(backoff*2, c.cfg.MaxBackoff)
			c.reconnects.Add(1)
			continue
		}

		backoff = c.cfg.ReconnectBackoff

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)
		c.sendHello()
		c.readLoop(ctx, conn)
		stopPing()
	}
}

// connect dials the server
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("connecting to uplink", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to uplink")
	return conn, nil
}

func (c *Client) sendHello() {
	c.mu.Lock()
	fn := c.hello
	c.mu.Unlock()
	if fn == nil {
		return
	}

	msg, err := protocol.NewMessage(protocol.TypeHello, fn())
	if err != nil {
		c.logger.Warn("hello marshal error", "error", err)
		return
	}
	if err := c.SendMessage(msg); err != nil {
		c.logger.Debug("hello send failed", "error", err)
	}
}

// pingLoop sends periodic pings on one connection
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages until the connection fails
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeControl:
		c.handleControl(msg)

	case protocol.TypePing:
		pong, err := protocol.NewMessage(protocol.TypePong, nil)
		if err == nil {
			c.SendMessage(pong)
		}

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (c *Client) handleControl(msg *protocol.Message) {
	c.mu.Lock()
	fn := c.onControl
	c.mu.Unlock()

	reply := func(m *protocol.Message, err error) {
		if err != nil {
			c.logger.Warn("control reply marshal error", "error", err)
			return
		}
		if err := c.SendMessage(m); err != nil {
			c.logger.Debug("control reply failed", "error", err)
		}
	}

	cmd, err := msg.GetControlCommand()
	if err != nil {
		reply(protocol.NewErrorMessage(msg.ID, err))
		return
	}
	if fn == nil {
		reply(protocol.NewErrorMessage(msg.ID, errors.New("control not supported")))
		return
	}

	c.logger.Info("control command", "action", cmd.Action, "id", msg.ID)
	status, err := fn(*cmd)
	if err != nil {
		reply(protocol.NewErrorMessage(msg.ID, err))
		return
	}
	reply(protocol.NewMessage(protocol.TypeStatus, status))
}

// SendMessage writes a message, stamping the station ID when unset
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if msg.Station == "" {
		msg.WithStation(c.cfg.StationID)
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendBearing sends a bearing unless one went out less than MinInterval
// ago. It reports whether the bearing was sent.
func (c *Client) SendBearing(b protocol.BearingData) (bool, error) {
	c.mu.Lock()
	now := time.Now()
	if !c.lastBearing.IsZero() && now.Sub(c.lastBearing) < c.cfg.MinInterval {
		c.mu.Unlock()
		c.bearingsDropped.Add(1)
		return false, nil
	}
	c.lastBearing = now
	c.mu.Unlock()

	msg, err := protocol.NewBearingMessage(b)
	if err != nil {
		return false, err
	}
	if err := c.SendMessage(msg); err != nil {
		return false, err
	}
	return true, nil
}

// SendStatus sends a pipeline status report
func (c *Client) SendStatus(s protocol.StatusData) error {
	msg, err := protocol.NewMessage(protocol.TypeStatus, s)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client and waits for the connection loop to exit
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BearingsDropped  uint64 `json:"bearings_dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	return Stats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BearingsDropped:  c.bearingsDropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
