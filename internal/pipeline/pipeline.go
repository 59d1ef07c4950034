// Package pipeline wires per-channel accumulators, the synchronization
// barrier and the bearing estimator behind a start/stop lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-sentinel/internal/audio"
	"github.com/teslashibe/go-sentinel/internal/doa"
)

// DefaultPollInterval is how often the drain loop checks the barrier.
const DefaultPollInterval = 20 * time.Millisecond

// State is the lifecycle state of a Pipeline.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Config configures a Pipeline.
type Config struct {
	Channels         int
	Format           audio.SampleFormat
	FrameBytes       int
	CoverageDegrees  float64
	Smoothing        float64
	SilenceThreshold float64
	PollInterval     time.Duration
	// StallTimeout flags a channel that produced nothing for this long while
	// another channel did. Zero disables stall detection.
	StallTimeout time.Duration
}

// DefaultConfig returns defaults for channels channels of 24-bit PCM.
func DefaultConfig(channels int) Config {
	return Config{
		Channels:         channels,
		Format:           audio.PCM24LE,
		FrameBytes:       4800 * 3,
		CoverageDegrees:  360,
		Smoothing:        0.8,
		SilenceThreshold: doa.DefaultSilenceThreshold,
		PollInterval:     DefaultPollInterval,
		StallTimeout:     2 * time.Second,
	}
}

// Backend emits raw chunks per channel. The pipeline installs its handler
// with SetHandler and drives Start/Stop.
type Backend interface {
	Name() string
	SetHandler(func(audio.RawChunk))
	Start(ctx context.Context) error
	Stop() error
}

// Estimate is a bearing computed from one frame set.
type Estimate struct {
	Angle          float64   `json:"angle"`
	RawAngle       float64   `json:"raw_angle"`
	Energies       []float64 `json:"energies"`
	MaxEnergy      float64   `json:"max_energy"`
	FrameTimestamp int64     `json:"frame_timestamp"`
}

// FrameSetFunc consumes a synchronized frame set.
type FrameSetFunc func(audio.FrameSet)

// AngleFunc consumes a bearing in degrees with the largest channel energy.
type AngleFunc func(angle, maxEnergy float64)

// EstimateFunc consumes a full bearing estimate.
type EstimateFunc func(Estimate)

// StallFunc is told when a channel starts or stops starving the barrier.
type StallFunc func(channel int, stalled bool)

var (
	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid pipeline config")
)

type channelState struct {
	mu        sync.Mutex
	acc       *audio.Accumulator
	lastFrame atomic.Int64 // unix nanos
	stalled   atomic.Bool
}

// Pipeline turns raw per-channel chunks into frame sets and bearings.
type Pipeline struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
	metrics Recorder

	channels  []*channelState
	barrier   *audio.Barrier
	estimator *doa.Estimator

	lifeMu  sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	cbMu       sync.RWMutex
	onFrameSet []FrameSetFunc
	onAngle    []AngleFunc
	onEstimate []EstimateFunc
	onStall    []StallFunc

	statsMu      sync.RWMutex
	lastEstimate Estimate
	hasEstimate  bool

	frameSets      atomic.Uint64
	chunksDropped  atomic.Uint64
	consumerPanics atomic.Uint64
}

// New validates cfg and builds a stopped pipeline. backend may be nil when
// chunks are pushed with HandleChunk directly.
func New(cfg Config, backend Backend, logger *slog.Logger, rec Recorder) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, audio.ErrInvalidChannelCount)
	}

	barrier, err := audio.NewBarrier(cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	estimator, err := doa.NewEstimator(doa.EstimatorConfig{
		Channels:         cfg.Channels,
		CoverageDegrees:  cfg.CoverageDegrees,
		Smoothing:        cfg.Smoothing,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	channels := make([]*channelState, cfg.Channels)
	for ch := range channels {
		acc, err := audio.NewAccumulator(ch, cfg.Format, cfg.FrameBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		channels[ch] = &channelState{acc: acc}
	}
	if aligned := channels[0].acc.FrameBytes(); aligned != cfg.FrameBytes {
		logger.Warn("frame size truncated to sample alignment",
			"configured", cfg.FrameBytes,
			"aligned", aligned,
			"format", cfg.Format.String(),
		)
		cfg.FrameBytes = aligned
	}

	p := &Pipeline{
		cfg:       cfg,
		backend:   backend,
		logger:    logger.With("component", "pipeline"),
		metrics:   rec,
		channels:  channels,
		barrier:   barrier,
		estimator: estimator,
	}

	if backend != nil {
		backend.SetHandler(p.HandleChunk)
	}

	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Bearings returns the bearing assigned to each channel.
func (p *Pipeline) Bearings() []float64 { return p.estimator.Bearings() }

// State returns the lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// OnFrameSet registers a frame set consumer.
func (p *Pipeline) OnFrameSet(fn FrameSetFunc) {
	p.cbMu.Lock()
	p.onFrameSet = append(p.onFrameSet, fn)
	p.cbMu.Unlock()
}

// OnAngle registers a bearing consumer.
func (p *Pipeline) OnAngle(fn AngleFunc) {
	p.cbMu.Lock()
	p.onAngle = append(p.onAngle, fn)
	p.cbMu.Unlock()
}

// OnEstimate registers a consumer of full bearing estimates.
func (p *Pipeline) OnEstimate(fn EstimateFunc) {
	p.cbMu.Lock()
	p.onEstimate = append(p.onEstimate, fn)
	p.cbMu.Unlock()
}

// OnStall registers a stall observer.
func (p *Pipeline) OnStall(fn StallFunc) {
	p.cbMu.Lock()
	p.onStall = append(p.onStall, fn)
	p.cbMu.Unlock()
}

// Start moves the pipeline to Running, launches the drain loop and starts
// the backend. Starting a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.State() == Running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = time.Now()
	for _, cs := range p.channels {
		cs.lastFrame.Store(0)
	}
	p.state.Store(int32(Running))

	go p.drainLoop(ctx, p.done)

	if p.backend != nil {
		if err := p.backend.Start(ctx); err != nil {
			p.stopLocked()
			return fmt.Errorf("start backend %s: %w", p.backend.Name(), err)
		}
	}

	p.logger.Info("pipeline started",
		"channels", p.cfg.Channels,
		"format", p.cfg.Format.String(),
		"frame_bytes", p.cfg.FrameBytes,
		"poll_interval", p.cfg.PollInterval,
		"backend", p.backendName(),
	)
	return nil
}

// Stop stops the backend, joins the drain loop and resets every
// accumulator and the barrier. Stopping a stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.State() == Stopped {
		return nil
	}
	err := p.stopLocked()

	p.logger.Info("pipeline stopped",
		"framesets", p.frameSets.Load(),
		"consumer_panics", p.consumerPanics.Load(),
	)
	return err
}

func (p *Pipeline) stopLocked() error {
	p.state.Store(int32(Stopped))

	var err error
	if p.backend != nil {
		if stopErr := p.backend.Stop(); stopErr != nil {
			err = fmt.Errorf("stop backend %s: %w", p.backend.Name(), stopErr)
		}
	}

	p.cancel()
	<-p.done

	for _, cs := range p.channels {
		cs.mu.Lock()
		cs.acc.Reset()
		cs.mu.Unlock()
	}
	p.barrier.Clear()
	p.estimator.Reset()
	p.metrics.SetQueueDepths(p.barrier.QueueDepths(), 0)

	for ch, cs := range p.channels {
		if cs.stalled.Swap(false) {
			p.metrics.SetStalled(ch, false)
		}
	}

	return err
}

// HandleChunk is the backend callback. Chunks arriving while stopped, or for
// an unknown channel, are dropped.
func (p *Pipeline) HandleChunk(chunk audio.RawChunk) {
	if chunk.Channel < 0 || chunk.Channel >= len(p.channels) {
		p.chunksDropped.Add(1)
		p.logger.Debug("chunk for unknown channel", "channel", chunk.Channel)
		return
	}

	cs := p.channels[chunk.Channel]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if p.State() != Running {
		p.chunksDropped.Add(1)
		return
	}

	p.metrics.RecordChunk(chunk.Channel, len(chunk.Data), chunk.Discontinuity)

	before := cs.acc.Stats()
	frames := cs.acc.Ingest(chunk)
	after := cs.acc.Stats()

	if n := after.Rebaselines - before.Rebaselines; n > 0 {
		p.metrics.RecordRebaselines(chunk.Channel, int(n))
		p.logger.Debug("timestamp re-baselined",
			"channel", chunk.Channel,
			"timestamp", chunk.Timestamp,
		)
	}
	if n := after.DroppedBytes - before.DroppedBytes; n > 0 {
		p.metrics.RecordDroppedBytes(chunk.Channel, int(n))
	}
	if len(frames) == 0 {
		return
	}

	p.metrics.RecordFrames(chunk.Channel, len(frames))
	cs.lastFrame.Store(time.Now().UnixNano())

	for _, f := range frames {
		// channel is range-checked above
		_, _ = p.barrier.Put(chunk.Channel, f)
	}
}

func (p *Pipeline) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.drain(ctx)
			p.checkStalls(now)
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for ctx.Err() == nil {
		set, ok := p.barrier.TryTake()
		if !ok {
			break
		}
		p.dispatch(set)
	}
	p.metrics.SetQueueDepths(p.barrier.QueueDepths(), p.barrier.Completed())
}

func (p *Pipeline) dispatch(set audio.FrameSet) {
	p.frameSets.Add(1)

	p.cbMu.RLock()
	onFrameSet := p.onFrameSet
	onAngle := p.onAngle
	onEstimate := p.onEstimate
	p.cbMu.RUnlock()

	for _, fn := range onFrameSet {
		p.safeCall("frameset", func() { fn(set) })
	}

	energies := set.Energies()
	p.metrics.RecordFrameSet(energies)

	angle, ok := p.estimator.Estimate(energies)
	if !ok {
		p.metrics.RecordSilence()
		return
	}

	est := Estimate{
		Angle:          angle,
		RawAngle:       p.estimator.State().Raw,
		Energies:       energies,
		MaxEnergy:      audio.MaxEnergy(energies),
		FrameTimestamp: set[0].Timestamp,
	}

	p.statsMu.Lock()
	p.lastEstimate = est
	p.hasEstimate = true
	p.statsMu.Unlock()

	for _, fn := range onAngle {
		p.safeCall("angle", func() { fn(est.Angle, est.MaxEnergy) })
	}
	for _, fn := range onEstimate {
		p.safeCall("estimate", func() { fn(est) })
	}
}

// safeCall runs a consumer callback, recovering and logging any panic so
// one failing consumer cannot stop the drain loop.
func (p *Pipeline) safeCall(consumer string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.consumerPanics.Add(1)
			p.metrics.RecordConsumerPanic(consumer)
			p.logger.Error("consumer callback panicked",
				"consumer", consumer,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

func (p *Pipeline) checkStalls(now time.Time) {
	if p.cfg.StallTimeout <= 0 || len(p.channels) < 2 {
		return
	}

	var newest int64
	for _, cs := range p.channels {
		if t := cs.lastFrame.Load(); t > newest {
			newest = t
		}
	}
	if newest == 0 {
		return
	}

	for ch, cs := range p.channels {
		last := cs.lastFrame.Load()
		if last == 0 {
			last = p.started.UnixNano()
		}
		stalled := newest-last > int64(p.cfg.StallTimeout) &&
			now.UnixNano()-last > int64(p.cfg.StallTimeout)
		if cs.stalled.Swap(stalled) == stalled {
			continue
		}
		p.metrics.SetStalled(ch, stalled)

		if stalled {
			p.logger.Warn("channel stalled",
				"channel", ch,
				"silent_for", time.Duration(now.UnixNano()-last),
				"queue_depths", p.barrier.QueueDepths(),
			)
		} else {
			p.logger.Info("channel recovered", "channel", ch)
		}

		p.cbMu.RLock()
		onStall := p.onStall
		p.cbMu.RUnlock()
		for _, fn := range onStall {
			p.safeCall("stall", func() { fn(ch, stalled) })
		}
	}
}

func (p *Pipeline) backendName() string {
	if p.backend == nil {
		return "none"
	}
	return p.backend.Name()
}
