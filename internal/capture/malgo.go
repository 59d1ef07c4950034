package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// MalgoConfig configures capture through the platform sound API
type MalgoConfig struct {
	Device     string // substring of the device name; empty selects the default
	Channels   int
	Format     audio.SampleFormat
	SampleRate int
	PeriodMs   int
}

// ErrDeviceNotFound is returned when no capture device matches
var ErrDeviceNotFound = errors.New("capture device not found")

// Malgo captures interleaved frames from a multichannel input device.
type Malgo struct {
	emitter
	cfg    MalgoConfig
	logger *slog.Logger

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	stopping atomic.Bool

	sample  atomic.Int64
	discont atomic.Bool
}

// NewMalgo creates a sound API backend. The device is opened on Start.
func NewMalgo(cfg MalgoConfig, logger *slog.Logger) (*Malgo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels < 1 {
		return nil, ErrNoChannels
	}
	if _, err := malgoFormat(cfg.Format); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}

	return &Malgo{
		cfg:    cfg,
		logger: logger.With("component", "capture", "backend", "malgo"),
	}, nil
}

// Name returns the backend name
func (m *Malgo) Name() string { return "malgo" }

// Channels returns the channel count
func (m *Malgo) Channels() int { return m.cfg.Channels }

// Format returns the emitted sample format
func (m *Malgo) Format() audio.SampleFormat { return m.cfg.Format }

// Start opens the device and begins capture
func (m *Malgo) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return nil
	}

	mctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("enumerate capture devices: %w", err)
	}
	names := make([]string, len(infos))
	defaults := make([]bool, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
		defaults[i] = infos[i].IsDefault == 1
	}
	idx := selectDevice(names, defaults, m.cfg.Device)
	if idx < 0 {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, m.cfg.Device)
	}

	format, _ := malgoFormat(m.cfg.Format)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(m.cfg.Channels)
	deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if m.cfg.PeriodMs > 0 {
		deviceConfig.PeriodSizeInMilliseconds = uint32(m.cfg.PeriodMs)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: m.onData,
		Stop: m.onDeviceStop,
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init capture device %q: %w", names[idx], err)
	}

	m.stopping.Store(false)
	m.discont.Store(true)
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}

	m.ctx = mctx
	m.device = device
	m.running.Store(true)

	m.logger.Info("listening on capture device",
		"device", names[idx],
		"channels", m.cfg.Channels,
		"sample_rate", m.cfg.SampleRate,
		"format", m.cfg.Format,
	)
	return nil
}

// Stop closes the device and releases the context
func (m *Malgo) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}

	m.stopping.Store(true)
	_ = m.device.Stop()
	m.device.Uninit()
	_ = m.ctx.Uninit()
	m.ctx.Free()
	m.device = nil
	m.ctx = nil
	m.running.Store(false)
	return nil
}

func (m *Malgo) onData(_, input []byte, frameCount uint32) {
	sampleBytes := m.cfg.Format.Alignment()
	chans := Deinterleave(input, m.cfg.Channels, sampleBytes)

	ts := m.sample.Add(int64(frameCount)) - int64(frameCount)
	discont := m.discont.Swap(false)
	for ch, data := range chans {
		m.emit(audio.RawChunk{
			Channel:       ch,
			Data:          data,
			Discontinuity: discont,
			Timestamp:     ts,
			HasTimestamp:  true,
		})
	}
}

// onDeviceStop fires on both requested and unexpected stops. Unexpected
// stops are restarted once after a short delay.
func (m *Malgo) onDeviceStop() {
	if m.stopping.Load() {
		return
	}
	m.errors.Add(1)
	m.discont.Store(true)
	m.logger.Warn("capture device stopped unexpectedly, restarting")

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.device == nil || m.stopping.Load() {
			return
		}
		if err := m.device.Start(); err != nil {
			m.logger.Error("failed to restart capture device", "error", err)
		}
	}()
}

// DeviceInfo describes a capture device
type DeviceInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
}

// ListDevices enumerates capture devices on the platform sound API
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		// Skip the discard/null device
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        infos[i].ID.String(),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

// selectDevice picks the device whose name contains want (case-insensitive).
// An empty or "default" request picks the default device, then the first.
func selectDevice(names []string, defaults []bool, want string) int {
	if len(names) == 0 {
		return -1
	}
	if want == "" || want == "default" {
		for i, d := range defaults {
			if d {
				return i
			}
		}
		return 0
	}
	want = strings.ToLower(want)
	for i, name := range names {
		if strings.Contains(strings.ToLower(name), want) {
			return i
		}
	}
	return -1
}

func malgoFormat(f audio.SampleFormat) (malgo.FormatType, error) {
	switch f {
	case audio.PCM24LE:
		return malgo.FormatS24, nil
	case audio.Float32LE:
		return malgo.FormatF32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("%w: %d", audio.ErrUnsupportedFormat, int(f))
	}
}

func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}
