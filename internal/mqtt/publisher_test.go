package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sentinel/internal/protocol"
)

// fakeToken completes immediately, or never when hang is set
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, hang bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if !hang {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	publishErr   error
	hang         bool
	published    []published
	disconnected bool
}

func (f *fakeClient) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return newToken(nil, false)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload any) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	f.published = append(f.published, published{topic: topic, retain: retained, payload: b})
	return newToken(f.publishErr, f.hang)
}

func newTestPublisher(t *testing.T, minInterval time.Duration) (*Publisher, *fakeClient) {
	t.Helper()
	p := New(Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "test",
		Topic:          "sentinel/alpha",
		StationID:      "alpha",
		MinInterval:    minInterval,
		PublishTimeout: 50 * time.Millisecond,
	}, nil)
	fc := &fakeClient{}
	p.client = fc
	return p, fc
}

func TestPublishNotConnected(t *testing.T) {
	p, _ := newTestPublisher(t, 0)

	_, err := p.PublishBearing(context.Background(), protocol.BearingData{Angle: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishBearing(t *testing.T) {
	p, fc := newTestPublisher(t, 0)
	require.NoError(t, p.Connect(context.Background()))

	sent, err := p.PublishBearing(context.Background(), protocol.BearingData{Angle: 123.5, Confidence: 0.7})
	require.NoError(t, err)
	assert.True(t, sent)

	require.Len(t, fc.published, 1)
	assert.Equal(t, "sentinel/alpha/bearing", fc.published[0].topic)

	msg, err := protocol.ParseMessage(fc.published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeBearing, msg.Type)
	assert.Equal(t, "alpha", msg.Station)

	var b protocol.BearingData
	require.NoError(t, msg.ParseData(&b))
	assert.InDelta(t, 123.5, b.Angle, 1e-9)
}

func TestPublishBearingThrottle(t *testing.T) {
	p, fc := newTestPublisher(t, time.Hour)
	require.NoError(t, p.Connect(context.Background()))

	sent, err := p.PublishBearing(context.Background(), protocol.BearingData{Angle: 1})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = p.PublishBearing(context.Background(), protocol.BearingData{Angle: 2})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, fc.published, 1)
}

func TestPublishStatusRetained(t *testing.T) {
	p, fc := newTestPublisher(t, 0)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.PublishStatus(context.Background(), protocol.StatusData{State: "running"}))
	require.Len(t, fc.published, 1)
	assert.Equal(t, "sentinel/alpha/status", fc.published[0].topic)
	assert.True(t, fc.published[0].retain)
}

func TestPublishErrors(t *testing.T) {
	p, fc := newTestPublisher(t, 0)
	require.NoError(t, p.Connect(context.Background()))

	fc.publishErr = errors.New("broker rejected")
	_, err := p.PublishBearing(context.Background(), protocol.BearingData{})
	assert.ErrorContains(t, err, "broker rejected")

	fc.publishErr = nil
	fc.hang = true
	err = p.PublishStatus(context.Background(), protocol.StatusData{})
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.PublishStatus(ctx, protocol.StatusData{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseMarksOffline(t *testing.T) {
	p, fc := newTestPublisher(t, 0)
	require.NoError(t, p.Connect(context.Background()))

	p.Close()

	require.NotEmpty(t, fc.published)
	last := fc.published[len(fc.published)-1]
	assert.Equal(t, "sentinel/alpha/online", last.topic)
	assert.Equal(t, "false", string(last.payload))
	assert.True(t, last.retain)
	assert.True(t, fc.disconnected)
}
