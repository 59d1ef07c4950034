// Package protocol defines the JSON messages exchanged with bearing stream
// clients and the remote command server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the type of message
type MessageType string

const (
	// Station → server messages
	TypeHello   MessageType = "hello"   // Station announcement
	TypeBearing MessageType = "bearing" // Smoothed bearing
	TypeStatus  MessageType = "status"  // Pipeline status

	// Server → station messages
	TypeControl MessageType = "control" // Pipeline start/stop
	TypeCue     MessageType = "cue"     // Camera cue acknowledgement

	// Bidirectional
	TypePing  MessageType = "ping"
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message is the envelope for every message
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Station   string          `json:"station,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with a fresh id and the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// WithStation stamps the message with a station id and returns it
func (m *Message) WithStation(station string) *Message {
	m.Station = station
	return m
}

// ParseData unmarshals the message data into v
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// HelloData announces a station and its array geometry
type HelloData struct {
	Station  string    `json:"station"`
	Version  string    `json:"version"`
	Backend  string    `json:"backend"`
	Channels int       `json:"channels"`
	Bearings []float64 `json:"bearings"`
}

// BearingData carries one tracked bearing
type BearingData struct {
	Angle          float64   `json:"angle"`
	RawAngle       float64   `json:"raw_angle"`
	MaxEnergy      float64   `json:"max_energy"`
	Confidence     float64   `json:"confidence"`
	Active         bool      `json:"active"`
	Energies       []float64 `json:"energies,omitempty"`
	FrameTimestamp int64     `json:"frame_timestamp"`
}

// NewBearingMessage creates a bearing message
func NewBearingMessage(b BearingData) (*Message, error) {
	return NewMessage(TypeBearing, b)
}

// StatusData summarizes pipeline health
type StatusData struct {
	State       string `json:"state"`
	Backend     string `json:"backend"`
	FrameSets   uint64 `json:"framesets"`
	QueueDepths []int  `json:"queue_depths"`
	Stalled     []int  `json:"stalled,omitempty"`
}

// ControlCommand asks the station to change pipeline state
type ControlCommand struct {
	Action string `json:"action"` // start, stop, status
}

// GetControlCommand extracts a control command from a message
func (m *Message) GetControlCommand() (*ControlCommand, error) {
	var data ControlCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CueData acknowledges a camera cue issued by the server
type CueData struct {
	Pan      float64 `json:"pan"`
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
}

// ErrorData reports a failed request
type ErrorData struct {
	Error string `json:"error"`
	RefID string `json:"ref_id,omitempty"`
}

// NewErrorMessage creates an error reply to the message with id refID
func NewErrorMessage(refID string, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Error: err.Error(), RefID: refID})
}
