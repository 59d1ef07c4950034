package audio

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm24Ramp(samples int) []byte {
	in := make([]float32, samples)
	for i := range in {
		in[i] = float32(i%100) / 128
	}
	return EncodePCM24(in)
}

func TestNewAccumulatorValidation(t *testing.T) {
	_, err := NewAccumulator(0, PCM24LE, 2)
	assert.ErrorIs(t, err, ErrInvalidFrameSize)

	_, err = NewAccumulator(0, SampleFormat(7), 12)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	acc, err := NewAccumulator(3, PCM24LE, 10)
	require.NoError(t, err)
	assert.Equal(t, 9, acc.FrameBytes())
	assert.Equal(t, 3, acc.FrameSamples())
	assert.Equal(t, 3, acc.Channel())
}

func TestAccumulatorSlicingIndependentOfChunking(t *testing.T) {
	const frameBytes = 48
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		k := rng.Intn(20)
		r := rng.Intn(frameBytes/3) * 3
		data := pcm24Ramp((k*frameBytes + r) / 3)

		acc, err := NewAccumulator(0, PCM24LE, frameBytes)
		require.NoError(t, err)

		var frames []Frame
		for off := 0; off < len(data); {
			n := 3 * (1 + rng.Intn(frameBytes))
			if off+n > len(data) {
				n = len(data) - off
			}
			frames = append(frames, acc.Ingest(RawChunk{Data: data[off : off+n]})...)
			off += n
		}

		require.Len(t, frames, k, "trial %d", trial)
		assert.Equal(t, r, acc.Pending(), "trial %d", trial)

		want := Decode(data[:k*frameBytes], PCM24LE)
		var got []float32
		for i, f := range frames {
			assert.Equal(t, int64(i*frameBytes/3), f.Timestamp)
			assert.Len(t, f.Samples, frameBytes/3)
			got = append(got, f.Samples...)
		}
		if k > 0 {
			assert.Equal(t, want, got)
		}
	}
}

func TestAccumulatorLargeChunk(t *testing.T) {
	acc, err := NewAccumulator(1, Float32LE, 16)
	require.NoError(t, err)

	frames := acc.Ingest(RawChunk{Channel: 1, Data: EncodeFloat32(make([]float32, 4*10+1))})
	assert.Len(t, frames, 10)
	assert.Equal(t, 4, acc.Pending())
	for _, f := range frames {
		assert.Equal(t, 1, f.Channel)
	}
}

func TestAccumulatorDiscontinuityDiscardsFragment(t *testing.T) {
	acc, err := NewAccumulator(0, PCM24LE, 6)
	require.NoError(t, err)

	stale := EncodePCM24([]float32{0.5})
	assert.Empty(t, acc.Ingest(RawChunk{Data: stale, Timestamp: 10, HasTimestamp: true}))
	assert.Equal(t, 3, acc.Pending())

	fresh := EncodePCM24([]float32{-0.25, 0.25})
	frames := acc.Ingest(RawChunk{Data: fresh, Discontinuity: true, Timestamp: 500, HasTimestamp: true})
	require.Len(t, frames, 1)
	assert.Equal(t, []float32{-0.25, 0.25}, frames[0].Samples)
	assert.Equal(t, int64(500), frames[0].Timestamp)
	assert.Equal(t, 0, acc.Pending())

	stats := acc.Stats()
	assert.Equal(t, uint64(1), stats.Discontinuities)
	assert.Equal(t, uint64(3), stats.DroppedBytes)
}

func TestAccumulatorTruncatesMisalignedChunk(t *testing.T) {
	acc, err := NewAccumulator(0, PCM24LE, 6)
	require.NoError(t, err)

	first := append(EncodePCM24([]float32{0.5}), 0xAA)
	assert.Empty(t, acc.Ingest(RawChunk{Data: first}))
	assert.Equal(t, 3, acc.Pending())

	frames := acc.Ingest(RawChunk{Data: EncodePCM24([]float32{0.25, -0.25})})
	frames = append(frames, acc.Ingest(RawChunk{Data: EncodePCM24([]float32{0.1, 0.1})})...)
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{0.5, 0.25}, frames[0].Samples)
	assert.InDeltaSlice(t, []float32{-0.25, 0.1}, frames[1].Samples, 1e-6)
	assert.Equal(t, int64(2), frames[1].Timestamp)
	assert.Equal(t, 3, acc.Pending())

	stats := acc.Stats()
	assert.Equal(t, uint64(1), stats.Misaligned)
	assert.Equal(t, uint64(1), stats.DroppedBytes)
	assert.Equal(t, uint64(16), stats.BytesIn)
}

func TestAccumulatorTimestampRebaseline(t *testing.T) {
	acc, err := NewAccumulator(0, PCM24LE, 6)
	require.NoError(t, err)
	sample := EncodePCM24([]float32{0.1})

	assert.Empty(t, acc.Ingest(RawChunk{Data: sample, Timestamp: 100, HasTimestamp: true}))
	frames := acc.Ingest(RawChunk{Data: sample, Timestamp: 101, HasTimestamp: true})
	require.Len(t, frames, 1)
	assert.Equal(t, int64(100), frames[0].Timestamp)
	assert.Equal(t, uint64(0), acc.Stats().Rebaselines)

	// contiguous with the pending byte count
	assert.Empty(t, acc.Ingest(RawChunk{Data: sample, Timestamp: 102, HasTimestamp: true}))

	// backend jumped ahead: keep the pending sample contiguous with the new chunk
	frames = acc.Ingest(RawChunk{Data: sample, Timestamp: 150, HasTimestamp: true})
	require.Len(t, frames, 1)
	assert.Equal(t, int64(149), frames[0].Timestamp)
	assert.Equal(t, uint64(1), acc.Stats().Rebaselines)

	next, ok := acc.Expected()
	assert.True(t, ok)
	assert.Equal(t, int64(151), next)
}

func TestAccumulatorWithoutTimestamps(t *testing.T) {
	acc, err := NewAccumulator(0, Float32LE, 8)
	require.NoError(t, err)

	frames := acc.Ingest(RawChunk{Data: EncodeFloat32([]float32{1, 2, 3, 4, 5, 6})})
	require.Len(t, frames, 3)
	assert.Equal(t, int64(0), frames[0].Timestamp)
	assert.Equal(t, int64(2), frames[1].Timestamp)
	assert.Equal(t, int64(4), frames[2].Timestamp)
}

func TestAccumulatorReset(t *testing.T) {
	acc, err := NewAccumulator(0, PCM24LE, 6)
	require.NoError(t, err)

	acc.Ingest(RawChunk{Data: make([]byte, 4), Timestamp: 7, HasTimestamp: true})
	acc.Reset()

	assert.Equal(t, 0, acc.Pending())
	_, ok := acc.Expected()
	assert.False(t, ok)
}
