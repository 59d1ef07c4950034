// Package ptz cues a pan/tilt camera head toward tracked bearings over HTTP
package ptz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-sentinel/internal/doa"
	"github.com/teslashibe/go-sentinel/internal/protocol"
)

// Config holds PTZ client configuration
type Config struct {
	BaseURL       string        // e.g. "http://ptz.local:8000"
	Timeout       time.Duration // HTTP request timeout
	MinInterval   time.Duration // minimum spacing between cues
	MinConfidence float64       // bearings below this are not cued
	MinDelta      float64       // degrees the target must move before re-cueing
	PanOffset     float64       // camera pan at array bearing 0
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       2 * time.Second,
		MinInterval:   500 * time.Millisecond,
		MinConfidence: 0.7,
		MinDelta:      2,
	}
}

// Reasons a cue is skipped
const (
	ReasonLowConfidence = "low confidence"
	ReasonDeadband      = "within deadband"
	ReasonRateLimited   = "rate limited"
)

// AbsoluteMove is the body of a pan/tilt move
type AbsoluteMove struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
}

// Client is the HTTP client for the camera head
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu        sync.Mutex
	lastCueAt time.Time
	lastPan   float64
	hasPan    bool

	cuesSent    atomic.Uint64
	cuesSkipped atomic.Uint64
	cueErrors   atomic.Uint64
}

// NewClient creates a new PTZ client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "ptz"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// PanFor maps an array bearing to a camera pan angle in [0, 360)
func (c *Client) PanFor(angle float64) float64 {
	return doa.Wrap360(angle + c.cfg.PanOffset)
}

// Cue moves the camera toward angle unless the bearing is too uncertain,
// too close to the last cue, or too soon after it. The returned CueData
// says which.
func (c *Client) Cue(ctx context.Context, angle, confidence float64) (protocol.CueData, error) {
	pan := c.PanFor(angle)
	cue := protocol.CueData{Pan: pan}

	if confidence < c.cfg.MinConfidence {
		c.cuesSkipped.Add(1)
		cue.Reason = ReasonLowConfidence
		return cue, nil
	}

	c.mu.Lock()
	if c.hasPan && math.Abs(doa.ShortestDiff(pan, c.lastPan)) < c.cfg.MinDelta {
		c.mu.Unlock()
		c.cuesSkipped.Add(1)
		cue.Reason = ReasonDeadband
		return cue, nil
	}
	if c.cfg.MinInterval > 0 && time.Since(c.lastCueAt) < c.cfg.MinInterval {
		c.mu.Unlock()
		c.cuesSkipped.Add(1)
		cue.Reason = ReasonRateLimited
		return cue, nil
	}
	c.lastCueAt = time.Now()
	c.mu.Unlock()

	if err := c.post(ctx, "/api/ptz/absolute", AbsoluteMove{Pan: pan}); err != nil {
		c.cueErrors.Add(1)
		return cue, err
	}

	c.mu.Lock()
	c.lastPan = pan
	c.hasPan = true
	c.mu.Unlock()

	c.cuesSent.Add(1)
	c.logger.Debug("camera cued", "angle", angle, "pan", pan, "confidence", confidence)
	cue.Accepted = true
	return cue, nil
}

// Home returns the camera to its rest position
func (c *Client) Home(ctx context.Context) error {
	if err := c.post(ctx, "/api/ptz/home", nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.hasPan = false
	c.mu.Unlock()
	c.logger.Info("camera homed")
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// GetStatus fetches the current camera head status
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/ptz/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return status, nil
}

// IsHealthy checks if the camera head is reachable
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := c.GetStatus(ctx)
	return err == nil
}

// Stats contains client statistics
type Stats struct {
	CuesSent    uint64 `json:"cues_sent"`
	CuesSkipped uint64 `json:"cues_skipped"`
	CueErrors   uint64 `json:"cue_errors"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		CuesSent:    c.cuesSent.Load(),
		CuesSkipped: c.cuesSkipped.Load(),
		CueErrors:   c.cueErrors.Load(),
	}
}
