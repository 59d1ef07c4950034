package doa

import (
	"log/slog"
	"sync"
	"time"
)

// TrackerConfig configures the bearing tracker
type TrackerConfig struct {
	// ActivationEnergy is the max channel energy above which a source is
	// considered present.
	ActivationEnergy float64
	ActiveLatchDur   time.Duration
	HistorySize      int

	Confidence ConfidenceConfig
}

// ConfidenceConfig configures confidence scoring
type ConfidenceConfig struct {
	Base           float64
	ActiveBonus    float64
	StabilityBonus float64
}

// DefaultTrackerConfig returns sensible defaults
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ActivationEnergy: 1e-3,
		ActiveLatchDur:   500 * time.Millisecond,
		HistorySize:      100,
		Confidence: ConfidenceConfig{
			Base:           0.3,
			ActiveBonus:    0.4,
			StabilityBonus: 0.2,
		},
	}
}

// stability window and the angular variance (deg^2) that earns the bonus
const (
	stabilityWindow   = 5
	stabilityVariance = 25.0
)

// Observation is one bearing produced from a frame set.
type Observation struct {
	Angle          float64
	RawAngle       float64
	Energies       []float64
	MaxEnergy      float64
	FrameTimestamp int64
}

// Result represents a tracked bearing
type Result struct {
	Angle          float64   `json:"angle"`
	RawAngle       float64   `json:"raw_angle"`
	MaxEnergy      float64   `json:"max_energy"`
	TotalEnergy    float64   `json:"total_energy"`
	Energies       []float64 `json:"energies,omitempty"`
	Active         bool      `json:"active"`
	Confidence     float64   `json:"confidence"`
	FrameTimestamp int64     `json:"frame_timestamp"`
	Timestamp      time.Time `json:"timestamp"`
}

// Tracker keeps the latest bearing, a bounded history and fans updates out
// to subscribers.
type Tracker struct {
	cfg    TrackerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	latest  Result
	history []Result

	// Active latch state
	activeLatchedAt time.Time

	// Metrics
	updateCount int64
	activeCount int64

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Result]struct{}
	closed bool
}

// NewTracker creates a new bearing tracker
func NewTracker(cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}

	return &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "tracker"),
		history: make([]Result, 0, cfg.HistorySize),
		subs:    make(map[chan Result]struct{}),
	}
}

// Update records a new observation and notifies subscribers.
func (t *Tracker) Update(obs Observation) Result {
	now := time.Now()

	var total float64
	for _, e := range obs.Energies {
		total += e
	}

	t.mu.Lock()

	t.updateCount++

	active := t.updateActiveLatch(obs.MaxEnergy >= t.cfg.ActivationEnergy, now)
	if active {
		t.activeCount++
	}

	result := Result{
		Angle:          obs.Angle,
		RawAngle:       obs.RawAngle,
		MaxEnergy:      obs.MaxEnergy,
		TotalEnergy:    total,
		Energies:       append([]float64(nil), obs.Energies...),
		Active:         active,
		Confidence:     t.calculateConfidence(active, obs.Angle),
		FrameTimestamp: obs.FrameTimestamp,
		Timestamp:      now,
	}

	t.latest = result
	t.appendHistory(result)
	count := t.updateCount
	t.mu.Unlock()

	t.notifySubscribers(result)

	if active && count%10 == 0 {
		t.logger.Debug("bearing",
			"angle", result.Angle,
			"raw_angle", result.RawAngle,
			"confidence", result.Confidence,
			"max_energy", result.MaxEnergy,
		)
	}

	return result
}

func (t *Tracker) updateActiveLatch(raw bool, now time.Time) bool {
	if raw {
		t.activeLatchedAt = now
		return true
	}

	// Keep latched for duration after last detection
	if !t.activeLatchedAt.IsZero() && now.Sub(t.activeLatchedAt) < t.cfg.ActiveLatchDur {
		return true
	}

	return false
}

func (t *Tracker) calculateConfidence(active bool, angle float64) float64 {
	conf := t.cfg.Confidence.Base

	if active {
		conf += t.cfg.Confidence.ActiveBonus
	}

	// Check bearing stability over the last few results
	if len(t.history) >= stabilityWindow {
		var variance float64
		for i := len(t.history) - stabilityWindow; i < len(t.history); i++ {
			diff := ShortestDiff(t.history[i].Angle, angle)
			variance += diff * diff
		}
		variance /= stabilityWindow

		if variance < stabilityVariance {
			conf += t.cfg.Confidence.StabilityBonus
		}
	}

	return Clamp(conf, 0, 1)
}

func (t *Tracker) appendHistory(result Result) {
	t.history = append(t.history, result)

	// Trim history
	if len(t.history) > t.cfg.HistorySize {
		// Shift instead of slice to avoid memory leak
		copy(t.history, t.history[1:])
		t.history = t.history[:t.cfg.HistorySize]
	}
}

func (t *Tracker) notifySubscribers(result Result) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for ch := range t.subs {
		select {
		case ch <- result:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives bearing updates
func (t *Tracker) Subscribe() chan Result {
	ch := make(chan Result, 10) // Buffer to avoid blocking

	t.subsMu.Lock()
	if t.closed {
		close(ch)
	} else {
		t.subs[ch] = struct{}{}
	}
	t.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (t *Tracker) Unsubscribe(ch chan Result) {
	t.subsMu.Lock()
	if _, exists := t.subs[ch]; exists {
		delete(t.subs, ch)
		close(ch)
	}
	t.subsMu.Unlock()
}

// GetLatest returns the most recent result
func (t *Tracker) GetLatest() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// History returns up to n of the most recent results, oldest first. n <= 0
// returns the whole history.
func (t *Tracker) History(n int) []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := 0
	if n > 0 && n < len(t.history) {
		start = len(t.history) - n
	}
	out := make([]Result, len(t.history)-start)
	copy(out, t.history[start:])
	return out
}

// GetTarget returns the current bearing if confidence is high enough
func (t *Tracker) GetTarget() (angle float64, confidence float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.updateCount == 0 || !t.latest.Active {
		return 0, 0, false
	}

	return t.latest.Angle, t.latest.Confidence, true
}

// Stats returns tracker statistics
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.subsMu.RLock()
	subs := len(t.subs)
	t.subsMu.RUnlock()

	return TrackerStats{
		UpdateCount:       t.updateCount,
		ActiveCount:       t.activeCount,
		HistorySize:       len(t.history),
		SubscriberCount:   subs,
		Active:            t.latest.Active,
		CurrentAngle:      t.latest.Angle,
		CurrentConfidence: t.latest.Confidence,
	}
}

// TrackerStats contains tracker statistics
type TrackerStats struct {
	UpdateCount       int64   `json:"update_count"`
	ActiveCount       int64   `json:"active_count"`
	HistorySize       int     `json:"history_size"`
	SubscriberCount   int     `json:"subscriber_count"`
	Active            bool    `json:"active"`
	CurrentAngle      float64 `json:"current_angle"`
	CurrentConfidence float64 `json:"current_confidence"`
}

// Close closes all subscriber channels. Later subscribers receive a closed
// channel.
func (t *Tracker) Close() {
	t.subsMu.Lock()
	t.closed = true
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	t.subsMu.Unlock()
}
