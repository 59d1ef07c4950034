// Package mqtt publishes bearings and station status to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-sentinel/internal/protocol"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrTimeout is returned when the broker does not acknowledge in time
	ErrTimeout = errors.New("mqtt operation timed out")
)

// Config holds publisher configuration
type Config struct {
	Broker         string // e.g. "tcp://localhost:1883"
	ClientID       string
	Username       string
	Password       string
	Topic          string // base topic; messages go to <Topic>/bearing etc.
	StationID      string
	QoS            byte
	Retain         bool
	MinInterval    time.Duration // minimum spacing between bearing messages
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// client is the subset of paho.Client the publisher uses
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// Publisher sends station messages to a broker. Bearings are throttled to
// MinInterval; status messages are always sent.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client client

	mu          sync.Mutex
	lastBearing time.Time
}

// New creates a publisher. Connect must be called before publishing.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	p := &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.Topic("online"), "false", cfg.QoS, true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	return p
}

// Topic returns the full topic for a sub-topic
func (p *Publisher) Topic(sub string) string {
	return p.cfg.Topic + "/" + sub
}

// Connect connects to the broker, waiting up to ConnectTimeout
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info("connecting to mqtt broker", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	if err := p.wait(ctx, p.client.Connect(), p.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", p.cfg.Broker, err)
	}
	return nil
}

func (p *Publisher) onConnect(paho.Client) {
	p.logger.Info("connected to mqtt broker", "broker", p.cfg.Broker)
	p.client.Publish(p.Topic("online"), p.cfg.QoS, true, "true")
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.logger.Warn("mqtt connection lost", "error", err)
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// PublishBearing publishes to <Topic>/bearing unless a bearing went out less
// than MinInterval ago. It reports whether the message was sent.
func (p *Publisher) PublishBearing(ctx context.Context, b protocol.BearingData) (bool, error) {
	p.mu.Lock()
	now := time.Now()
	if !p.lastBearing.IsZero() && now.Sub(p.lastBearing) < p.cfg.MinInterval {
		p.mu.Unlock()
		return false, nil
	}
	p.lastBearing = now
	p.mu.Unlock()

	msg, err := protocol.NewBearingMessage(b)
	if err != nil {
		return false, err
	}
	if err := p.publish(ctx, "bearing", msg, p.cfg.Retain); err != nil {
		return false, err
	}
	return true, nil
}

// PublishStatus publishes a retained status report to <Topic>/status
func (p *Publisher) PublishStatus(ctx context.Context, s protocol.StatusData) error {
	msg, err := protocol.NewMessage(protocol.TypeStatus, s)
	if err != nil {
		return err
	}
	return p.publish(ctx, "status", msg, true)
}

func (p *Publisher) publish(ctx context.Context, sub string, msg *protocol.Message, retain bool) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := msg.WithStation(p.cfg.StationID).Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	topic := p.Topic(sub)
	if err := p.wait(ctx, p.client.Publish(topic, p.cfg.QoS, retain, payload), p.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the station offline and disconnects
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		token := p.client.Publish(p.Topic("online"), p.cfg.QoS, true, "false")
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(250)
	p.logger.Info("disconnected from mqtt broker")
}
