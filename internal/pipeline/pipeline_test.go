package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend records lifecycle calls and exposes the installed handler
type fakeBackend struct {
	mu       sync.Mutex
	handler  func(audio.RawChunk)
	starts   int
	stops    int
	startErr error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) SetHandler(h func(audio.RawChunk)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeBackend) emit(c audio.RawChunk) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(c)
}

const testSamples = 4

func testConfig(channels int) Config {
	cfg := DefaultConfig(channels)
	cfg.Format = audio.Float32LE
	cfg.FrameBytes = testSamples * 4
	cfg.PollInterval = 2 * time.Millisecond
	cfg.StallTimeout = 0
	return cfg
}

func constFrame(v float32) []byte {
	s := make([]float32, testSamples)
	for i := range s {
		s[i] = v
	}
	return audio.EncodeFloat32(s)
}

func startPipeline(t *testing.T, cfg Config, b Backend) *Pipeline {
	t.Helper()
	p, err := New(cfg, b, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(0)
	_, err := New(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, audio.ErrInvalidChannelCount)

	cfg = testConfig(2)
	cfg.Format = audio.SampleFormat(99)
	_, err = New(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	cfg = testConfig(2)
	cfg.FrameBytes = 3
	_, err = New(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, audio.ErrInvalidFrameSize)

	cfg = testConfig(2)
	cfg.Smoothing = 2
	_, err = New(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewTruncatesFrameSize(t *testing.T) {
	cfg := testConfig(2)
	cfg.Format = audio.PCM24LE
	cfg.FrameBytes = 100

	p, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 99, p.Config().FrameBytes)
}

func TestStartStopIdempotent(t *testing.T) {
	b := &fakeBackend{}
	p, err := New(testConfig(2), b, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, Stopped, p.State())
	require.NoError(t, p.Stop())

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, Running, p.State())

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, Stopped, p.State())

	assert.Equal(t, 1, b.starts)
	assert.Equal(t, 1, b.stops)
}

func TestStartBackendError(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("no device")}
	p, err := New(testConfig(2), b, nil, nil)
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device")
	assert.Equal(t, Stopped, p.State())
}

func TestEndToEndBearing(t *testing.T) {
	b := &fakeBackend{}
	p := startPipeline(t, testConfig(2), b)

	type bearing struct{ angle, energy float64 }
	got := make(chan bearing, 4)
	p.OnAngle(func(angle, maxEnergy float64) {
		got <- bearing{angle, maxEnergy}
	})

	b.emit(audio.RawChunk{Channel: 0, Data: constFrame(1)})
	b.emit(audio.RawChunk{Channel: 1, Data: constFrame(0)})

	select {
	case r := <-got:
		assert.InDelta(t, 0, r.angle, 1e-9)
		assert.InDelta(t, float64(testSamples), r.energy, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no bearing delivered")
	}

	stats := p.Stats()
	require.NotNil(t, stats.LastEstimate)
	assert.Equal(t, uint64(1), stats.FrameSets)
	assert.Equal(t, []float64{0, 180}, []float64{stats.Channels[0].Bearing, stats.Channels[1].Bearing})
}

func TestFrameSetsDeliveredInOrder(t *testing.T) {
	const perChannel = 50
	p := startPipeline(t, testConfig(3), nil)

	var (
		mu   sync.Mutex
		sets []audio.FrameSet
	)
	p.OnFrameSet(func(fs audio.FrameSet) {
		mu.Lock()
		sets = append(sets, fs)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for ch := 0; ch < 3; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for i := 0; i < perChannel; i++ {
				p.HandleChunk(audio.RawChunk{
					Channel:      ch,
					Data:         constFrame(0.1),
					Timestamp:    int64(i * testSamples),
					HasTimestamp: true,
				})
			}
		}(ch)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == perChannel
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, fs := range sets {
		require.Len(t, fs, 3)
		for ch, f := range fs {
			assert.Equal(t, ch, f.Channel)
			assert.Equal(t, int64(i*testSamples), f.Timestamp)
		}
	}
}

func TestConsumerPanicIsContained(t *testing.T) {
	p := startPipeline(t, testConfig(1), nil)

	delivered := make(chan int64, 4)
	p.OnFrameSet(func(audio.FrameSet) { panic("consumer bug") })
	p.OnFrameSet(func(fs audio.FrameSet) { delivered <- fs[0].Timestamp })

	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0.5)})
	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0.5)})

	for want := int64(0); want <= testSamples; want += testSamples {
		select {
		case ts := <-delivered:
			assert.Equal(t, want, ts)
		case <-time.After(time.Second):
			t.Fatal("drain loop stopped after panic")
		}
	}

	assert.Eventually(t, func() bool {
		return p.Stats().ConsumerPanics == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, p.State())
}

func TestStopResetsState(t *testing.T) {
	p, err := New(testConfig(2), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	sets := make(chan audio.FrameSet, 4)
	p.OnFrameSet(func(fs audio.FrameSet) { sets <- fs })

	// one full frame waits in the barrier, plus a partial sample pending
	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0.2)})
	p.HandleChunk(audio.RawChunk{Channel: 1, Data: []byte{1, 2, 3}})

	stats := p.Stats()
	assert.Equal(t, 1, stats.Channels[0].QueueDepth)
	assert.Equal(t, 3, stats.Channels[1].Pending)

	require.NoError(t, p.Stop())

	stats = p.Stats()
	assert.Equal(t, "stopped", stats.State)
	assert.Equal(t, 0, stats.Channels[0].QueueDepth)
	assert.Equal(t, 0, stats.Channels[1].Pending)

	// chunks while stopped are dropped
	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0.2)})
	assert.Equal(t, 0, p.Stats().Channels[0].QueueDepth)
	assert.Equal(t, uint64(1), p.Stats().ChunksDropped)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// channel 0's stale frame is gone, so channel 1 alone completes nothing
	p.HandleChunk(audio.RawChunk{Channel: 1, Data: constFrame(0.2)})
	select {
	case <-sets:
		t.Fatal("frame set built from pre-stop data")
	case <-time.After(20 * time.Millisecond):
	}

	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0.2)})
	select {
	case fs := <-sets:
		assert.Len(t, fs, 2)
	case <-time.After(time.Second):
		t.Fatal("no frame set after restart")
	}
}

func TestUnknownChannelDropped(t *testing.T) {
	p := startPipeline(t, testConfig(2), nil)

	p.HandleChunk(audio.RawChunk{Channel: 5, Data: constFrame(1)})
	p.HandleChunk(audio.RawChunk{Channel: -1, Data: constFrame(1)})

	assert.Equal(t, uint64(2), p.Stats().ChunksDropped)
}

func TestSilenceProducesNoBearing(t *testing.T) {
	p := startPipeline(t, testConfig(2), nil)

	angles := make(chan float64, 4)
	sets := make(chan struct{}, 4)
	p.OnAngle(func(angle, _ float64) { angles <- angle })
	p.OnFrameSet(func(audio.FrameSet) { sets <- struct{}{} })

	p.HandleChunk(audio.RawChunk{Channel: 0, Data: constFrame(0)})
	p.HandleChunk(audio.RawChunk{Channel: 1, Data: constFrame(0)})

	select {
	case <-sets:
	case <-time.After(time.Second):
		t.Fatal("no frame set")
	}
	select {
	case a := <-angles:
		t.Fatalf("unexpected bearing %v for silence", a)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Nil(t, p.Stats().LastEstimate)
}

func TestStallDetection(t *testing.T) {
	cfg := testConfig(2)
	cfg.StallTimeout = 30 * time.Millisecond
	p := startPipeline(t, cfg, nil)

	events := make(chan [2]any, 8)
	p.OnStall(func(ch int, stalled bool) { events <- [2]any{ch, stalled} })

	feed := func(ch int, d time.Duration) {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			p.HandleChunk(audio.RawChunk{Channel: ch, Data: constFrame(0.1)})
			time.Sleep(5 * time.Millisecond)
		}
	}

	feed(0, 100*time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, [2]any{1, true}, ev)
	case <-time.After(time.Second):
		t.Fatal("stall not reported")
	}
	assert.True(t, p.Stats().Channels[1].Stalled)
	assert.Greater(t, p.QueueDepths()[0], 0)

	feed(1, 20*time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, [2]any{1, false}, ev)
	case <-time.After(time.Second):
		t.Fatal("recovery not reported")
	}
}
