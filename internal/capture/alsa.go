package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// ALSAConfig configures interleaved capture through arecord
type ALSAConfig struct {
	Command       string // default: "arecord"
	Device        string
	Channels      int
	Format        audio.SampleFormat
	SampleRate    int
	ChunkDuration time.Duration
	RestartDelay  time.Duration
}

// DefaultALSAConfig returns defaults for a multichannel USB interface
func DefaultALSAConfig(channels int) ALSAConfig {
	return ALSAConfig{
		Command:       "arecord",
		Device:        "default",
		Channels:      channels,
		Format:        audio.PCM24LE,
		SampleRate:    48000,
		ChunkDuration: 20 * time.Millisecond,
		RestartDelay:  time.Second,
	}
}

// ALSA streams raw interleaved frames from a long-running arecord process.
// When the process exits it is restarted after RestartDelay and the next
// chunk on every channel is flagged as a discontinuity.
type ALSA struct {
	emitter
	cfg    ALSAConfig
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
}

// NewALSA creates an arecord backend
func NewALSA(cfg ALSAConfig, logger *slog.Logger) (*ALSA, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channels < 1 {
		return nil, ErrNoChannels
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %d", audio.ErrUnsupportedFormat, int(cfg.Format))
	}
	if cfg.Command == "" {
		cfg.Command = "arecord"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 20 * time.Millisecond
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}

	return &ALSA{
		cfg:    cfg,
		logger: logger.With("component", "capture", "backend", "alsa"),
	}, nil
}

// Name returns the backend name
func (a *ALSA) Name() string { return "alsa" }

// Channels returns the channel count
func (a *ALSA) Channels() int { return a.cfg.Channels }

// Format returns the emitted sample format
func (a *ALSA) Format() audio.SampleFormat { return a.cfg.Format }

// Args returns the arecord arguments for the configured stream
func (a *ALSA) Args() []string {
	format := "S24_3LE"
	if a.cfg.Format == audio.Float32LE {
		format = "FLOAT_LE"
	}
	return []string{
		"-D", a.cfg.Device,
		"-f", format,
		"-r", strconv.Itoa(a.cfg.SampleRate),
		"-c", strconv.Itoa(a.cfg.Channels),
		"-t", "raw",
		"-q",
	}
}

// IsAvailable checks if the capture command is on PATH
func (a *ALSA) IsAvailable() bool {
	_, err := exec.LookPath(a.cfg.Command)
	return err == nil
}

// Start launches the capture loop
func (a *ALSA) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.running.Store(true)

	a.logger.Info("starting audio capture",
		"command", a.cfg.Command,
		"device", a.cfg.Device,
		"sample_rate", a.cfg.SampleRate,
		"channels", a.cfg.Channels,
		"format", a.cfg.Format,
	)

	go a.captureLoop(ctx, a.done)
	return nil
}

// Stop kills the capture process and waits for the loop to exit
func (a *ALSA) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	a.running.Store(false)
	a.logger.Info("audio capture stopped")
	return nil
}

// Restarts returns how many times the capture process has been relaunched
func (a *ALSA) Restarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

func (a *ALSA) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var sample int64
	for {
		err := a.stream(ctx, &sample)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.errors.Add(1)
			a.logger.Warn("capture process failed", "error", err)
		} else {
			a.logger.Warn("capture process exited")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.RestartDelay):
		}

		a.mu.Lock()
		a.restarts++
		a.mu.Unlock()
	}
}

// stream runs one arecord process until it exits. sample is the running
// per-channel sample index used for chunk timestamps.
func (a *ALSA) stream(ctx context.Context, sample *int64) error {
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	sampleBytes := a.cfg.Format.Alignment()
	frameBytes := sampleBytes * a.cfg.Channels
	frames := max(int(a.cfg.ChunkDuration.Seconds()*float64(a.cfg.SampleRate)), 1)
	buf := make([]byte, frames*frameBytes)

	discontinuity := true
	var readErr error
	for {
		n, err := io.ReadFull(stdout, buf)
		whole := n - n%frameBytes
		if whole > 0 {
			for ch, data := range Deinterleave(buf[:whole], a.cfg.Channels, sampleBytes) {
				a.emit(audio.RawChunk{
					Channel:       ch,
					Data:          data,
					Discontinuity: discontinuity,
					Timestamp:     *sample,
					HasTimestamp:  true,
				})
			}
			*sample += int64(whole / frameBytes)
			discontinuity = false
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = fmt.Errorf("read capture: %w", err)
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil && readErr == nil && ctx.Err() == nil {
		readErr = fmt.Errorf("capture wait: %w", err)
	}
	return readErr
}
