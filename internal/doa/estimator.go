package doa

import (
	"errors"
	"fmt"
	"math"
)

// DefaultSilenceThreshold is the total energy below which no bearing is
// computed.
const DefaultSilenceThreshold = 1e-8

// ErrInvalidEstimatorConfig is returned by NewEstimator for unusable settings.
var ErrInvalidEstimatorConfig = errors.New("invalid estimator config")

// EstimatorConfig configures the energy-weighted bearing estimator.
type EstimatorConfig struct {
	Channels         int
	CoverageDegrees  float64
	Smoothing        float64 // weight of the new raw bearing, 0..1
	SilenceThreshold float64
}

// DefaultEstimatorConfig returns the defaults for a full-circle array.
func DefaultEstimatorConfig(channels int) EstimatorConfig {
	return EstimatorConfig{
		Channels:         channels,
		CoverageDegrees:  360,
		Smoothing:        0.8,
		SilenceThreshold: DefaultSilenceThreshold,
	}
}

// Validate checks the config.
func (c EstimatorConfig) Validate() error {
	if c.Channels < 1 {
		return fmt.Errorf("%w: channels must be >= 1, got %d", ErrInvalidEstimatorConfig, c.Channels)
	}
	if c.CoverageDegrees <= 0 || c.CoverageDegrees > 360 {
		return fmt.Errorf("%w: coverage must be in (0, 360], got %v", ErrInvalidEstimatorConfig, c.CoverageDegrees)
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		return fmt.Errorf("%w: smoothing must be in [0, 1], got %v", ErrInvalidEstimatorConfig, c.Smoothing)
	}
	if c.SilenceThreshold < 0 {
		return fmt.Errorf("%w: silence threshold must be >= 0, got %v", ErrInvalidEstimatorConfig, c.SilenceThreshold)
	}
	return nil
}

// EstimatorState is the smoothing state carried between estimates.
type EstimatorState struct {
	Smoothed float64 `json:"smoothed"`
	Valid    bool    `json:"valid"`
	// Raw is the unsmoothed bearing of the last non-silent estimate.
	Raw float64 `json:"raw"`
}

// Estimator turns per-channel energies into a smoothed bearing.
//
// Energies must be ordered by channel id; channel k sits at
// k*coverage/channels degrees. An Estimator is not safe for concurrent use.
type Estimator struct {
	cfg      EstimatorConfig
	bearings []float64
	cos, sin []float64
	state    EstimatorState
}

// NewEstimator creates an estimator.
func NewEstimator(cfg EstimatorConfig) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Estimator{
		cfg:      cfg,
		bearings: ChannelBearings(cfg.Channels, cfg.CoverageDegrees),
		cos:      make([]float64, cfg.Channels),
		sin:      make([]float64, cfg.Channels),
	}
	for k, b := range e.bearings {
		e.cos[k] = math.Cos(ToRadians(b))
		e.sin[k] = math.Sin(ToRadians(b))
	}
	return e, nil
}

// Bearings returns the fixed bearing of each channel in degrees.
func (e *Estimator) Bearings() []float64 {
	out := make([]float64, len(e.bearings))
	copy(out, e.bearings)
	return out
}

// State returns the current smoothing state.
func (e *Estimator) State() EstimatorState { return e.state }

// Reset forgets the smoothed bearing.
func (e *Estimator) Reset() { e.state = EstimatorState{} }

// Estimate folds one set of channel energies into the smoothed bearing.
//
// When total energy is below the silence threshold, or len(energies) does
// not match the channel count, the previous bearing is returned unchanged;
// ok is false only if no bearing has been established yet.
func (e *Estimator) Estimate(energies []float64) (angle float64, ok bool) {
	if len(energies) != len(e.bearings) {
		return e.state.Smoothed, e.state.Valid
	}

	var total float64
	for _, v := range energies {
		if finite(v) {
			total += v
		}
	}
	if total < e.cfg.SilenceThreshold || total <= 0 {
		return e.state.Smoothed, e.state.Valid
	}

	var x, y float64
	for k, v := range energies {
		if !finite(v) {
			continue
		}
		w := v / total
		x += w * e.cos[k]
		y += w * e.sin[k]
	}
	raw := Wrap360(ToDegrees(math.Atan2(y, x)))
	e.state.Raw = raw

	if !e.state.Valid {
		e.state.Smoothed = raw
		e.state.Valid = true
		return raw, true
	}

	d := ShortestDiff(raw, e.state.Smoothed)
	e.state.Smoothed = Wrap360(e.state.Smoothed + e.cfg.Smoothing*d)
	return e.state.Smoothed, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
