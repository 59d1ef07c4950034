package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// MockConfig configures the synthetic source
type MockConfig struct {
	Channels        int
	Format          audio.SampleFormat
	SampleRate      int
	CoverageDegrees float64
	ToneHz          float64
	Amplitude       float64
	StartBearing    float64       // degrees
	SweepDegPerSec  float64       // 0 keeps the source still
	Noise           float64       // uniform noise amplitude
	ChunkDuration   time.Duration // pacing of emitted chunks
	Stalled         []int         // channels that never emit
}

// DefaultMockConfig returns a slowly circling 440 Hz tone
func DefaultMockConfig(channels int) MockConfig {
	return MockConfig{
		Channels:        channels,
		Format:          audio.PCM24LE,
		SampleRate:      48000,
		CoverageDegrees: 360,
		ToneHz:          440,
		Amplitude:       0.5,
		SweepDegPerSec:  20,
		Noise:           0.01,
		ChunkDuration:   20 * time.Millisecond,
	}
}

// Mock synthesizes a tone arriving from a moving bearing. Each channel's
// level follows a cardioid pointed at its bearing.
type Mock struct {
	emitter
	cfg    MockConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stalled map[int]bool
	rng     *rand.Rand
	sample  int64
}

// NewMock creates a synthetic backend
func NewMock(cfg MockConfig, logger *slog.Logger) (*Mock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels < 1 {
		return nil, ErrNoChannels
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %d", audio.ErrUnsupportedFormat, int(cfg.Format))
	}
	if cfg.SampleRate <= 0 || cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("mock: sample rate and chunk duration must be positive")
	}
	if cfg.CoverageDegrees <= 0 {
		cfg.CoverageDegrees = 360
	}

	stalled := make(map[int]bool, len(cfg.Stalled))
	for _, ch := range cfg.Stalled {
		stalled[ch] = true
	}

	return &Mock{
		cfg:     cfg,
		logger:  logger.With("component", "capture", "backend", "mock"),
		stalled: stalled,
		rng:     rand.New(rand.NewPCG(1, 2)),
	}, nil
}

// Name returns the backend name
func (m *Mock) Name() string { return "mock" }

// Channels returns the channel count
func (m *Mock) Channels() int { return m.cfg.Channels }

// Format returns the emitted sample format
func (m *Mock) Format() audio.SampleFormat { return m.cfg.Format }

// BearingAt returns the simulated source bearing at sample index n
func (m *Mock) BearingAt(n int64) float64 {
	elapsed := float64(n) / float64(m.cfg.SampleRate)
	b := math.Mod(m.cfg.StartBearing+m.cfg.SweepDegPerSec*elapsed, 360)
	if b < 0 {
		b += 360
	}
	return b
}

// Start begins emitting chunks
func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running.Store(true)

	m.logger.Info("starting synthetic capture",
		"channels", m.cfg.Channels,
		"sample_rate", m.cfg.SampleRate,
		"start_bearing", m.cfg.StartBearing,
		"sweep_deg_per_sec", m.cfg.SweepDegPerSec,
	)

	go m.run(ctx, m.done)
	return nil
}

// Stop halts emission and waits for the generator to exit
func (m *Mock) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.running.Store(false)
	return nil
}

func (m *Mock) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.ChunkDuration)
	defer ticker.Stop()

	samples := int(int64(m.cfg.SampleRate) * int64(m.cfg.ChunkDuration) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitChunk(samples, first)
			first = false
		}
	}
}

// emitChunk generates samples for every channel starting at the current
// sample index.
func (m *Mock) emitChunk(samples int, discontinuity bool) {
	start := m.sample
	bearing := m.BearingAt(start)
	bearings := make([]float64, m.cfg.Channels)
	for k := range bearings {
		bearings[k] = float64(k) * m.cfg.CoverageDegrees / float64(m.cfg.Channels)
	}

	buf := make([]float32, samples)
	for ch := 0; ch < m.cfg.Channels; ch++ {
		if m.stalled[ch] {
			continue
		}
		gain := cardioid(bearing - bearings[ch])
		for i := range buf {
			t := float64(start+int64(i)) / float64(m.cfg.SampleRate)
			v := m.cfg.Amplitude * gain * math.Sin(2*math.Pi*m.cfg.ToneHz*t)
			if m.cfg.Noise > 0 {
				v += m.cfg.Noise * (2*m.rng.Float64() - 1)
			}
			buf[i] = float32(v)
		}

		m.emit(audio.RawChunk{
			Channel:       ch,
			Data:          encode(buf, m.cfg.Format),
			Discontinuity: discontinuity,
			Timestamp:     start,
			HasTimestamp:  true,
		})
	}
	m.sample += int64(samples)
}

// cardioid is the relative level of a source offDeg away from a channel
func cardioid(offDeg float64) float64 {
	c := (1 + math.Cos(offDeg*math.Pi/180)) / 2
	return 0.05 + 0.95*c*c
}

func encode(samples []float32, format audio.SampleFormat) []byte {
	if format == audio.Float32LE {
		return audio.EncodeFloat32(samples)
	}
	return audio.EncodePCM24(samples)
}
