package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

type chunkLog struct {
	mu     sync.Mutex
	chunks []audio.RawChunk
}

func (l *chunkLog) add(c audio.RawChunk) {
	l.mu.Lock()
	l.chunks = append(l.chunks, c)
	l.mu.Unlock()
}

func (l *chunkLog) snapshot() []audio.RawChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audio.RawChunk(nil), l.chunks...)
}

func TestNewMockValidation(t *testing.T) {
	_, err := NewMock(DefaultMockConfig(0), nil)
	assert.ErrorIs(t, err, ErrNoChannels)

	cfg := DefaultMockConfig(2)
	cfg.Format = audio.SampleFormat(0)
	_, err = NewMock(cfg, nil)
	assert.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

func TestMockLoudestChannelFacesSource(t *testing.T) {
	cfg := DefaultMockConfig(4)
	cfg.SweepDegPerSec = 0
	cfg.StartBearing = 90
	cfg.Noise = 0
	cfg.ChunkDuration = 5 * time.Millisecond

	m, err := NewMock(cfg, nil)
	require.NoError(t, err)

	energy := make([]float64, 4)
	m.SetHandler(func(c audio.RawChunk) {
		energy[c.Channel] += audio.Energy(audio.Decode(c.Data, cfg.Format))
	})

	// drive the generator directly for a deterministic run
	for i := 0; i < 4; i++ {
		m.emitChunk(240, i == 0)
	}

	assert.Greater(t, energy[1], energy[0])
	assert.Greater(t, energy[1], energy[2])
	assert.InDelta(t, energy[0], energy[2], energy[0]*1e-3)
	assert.Less(t, energy[3], energy[0])
}

func TestMockTimestampsAndStall(t *testing.T) {
	cfg := DefaultMockConfig(3)
	cfg.Format = audio.Float32LE
	cfg.ChunkDuration = 2 * time.Millisecond
	cfg.Stalled = []int{2}

	m, err := NewMock(cfg, nil)
	require.NoError(t, err)

	var log chunkLog
	m.SetHandler(log.add)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Stats().Running)

	require.Eventually(t, func() bool { return len(log.snapshot()) >= 10 }, time.Second, 2*time.Millisecond)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.Stats().Running)

	next := map[int]int64{}
	for i, c := range log.snapshot() {
		assert.NotEqual(t, 2, c.Channel, "stalled channel emitted")
		assert.True(t, c.HasTimestamp)
		assert.Equal(t, i < 2, c.Discontinuity, "chunk %d", i)
		assert.Equal(t, next[c.Channel], c.Timestamp)
		next[c.Channel] = c.Timestamp + int64(len(c.Data)/4)
	}
}

func TestMockBearingSweep(t *testing.T) {
	cfg := DefaultMockConfig(4)
	cfg.StartBearing = 350
	cfg.SweepDegPerSec = 20

	m, err := NewMock(cfg, nil)
	require.NoError(t, err)

	assert.InDelta(t, 350, m.BearingAt(0), 1e-9)
	assert.InDelta(t, 10, m.BearingAt(int64(cfg.SampleRate)), 1e-9)
}
