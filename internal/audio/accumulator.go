package audio

import (
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// ErrInvalidFrameSize is returned when the aligned frame size is not positive.
var ErrInvalidFrameSize = errors.New("invalid frame size")

// AccumulatorStats counts events seen by one accumulator.
type AccumulatorStats struct {
	Frames          uint64 `json:"frames"`
	BytesIn         uint64 `json:"bytes_in"`
	Discontinuities uint64 `json:"discontinuities"`
	Rebaselines     uint64 `json:"rebaselines"`
	Misaligned      uint64 `json:"misaligned"`
	DroppedBytes    uint64 `json:"dropped_bytes"`
}

// Accumulator reassembles one channel's byte stream into fixed-size frames.
//
// It is not safe for concurrent use; callers must serialize Ingest per channel.
type Accumulator struct {
	channel    int
	format     SampleFormat
	frameBytes int

	pending *ringbuffer.RingBuffer
	scratch []byte

	expected    int64
	expectedSet bool

	stats AccumulatorStats
}

// NewAccumulator creates an accumulator for channel. frameBytes is truncated
// down to a multiple of the format alignment.
func NewAccumulator(channel int, format SampleFormat, frameBytes int) (*Accumulator, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, int(format))
	}
	aligned := format.AlignDown(frameBytes)
	if aligned <= 0 {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrInvalidFrameSize, frameBytes, format)
	}

	return &Accumulator{
		channel:    channel,
		format:     format,
		frameBytes: aligned,
		pending:    ringbuffer.New(2 * aligned),
		scratch:    make([]byte, aligned),
	}, nil
}

// Channel returns the channel id this accumulator serves.
func (a *Accumulator) Channel() int { return a.channel }

// FrameBytes returns the aligned frame size in bytes.
func (a *Accumulator) FrameBytes() int { return a.frameBytes }

// FrameSamples returns the number of samples per emitted frame.
func (a *Accumulator) FrameSamples() int { return a.frameBytes / a.format.Alignment() }

// Pending returns the number of buffered bytes not yet emitted as a frame.
func (a *Accumulator) Pending() int { return a.pending.Length() }

// Expected returns the timestamp the next frame will carry.
func (a *Accumulator) Expected() (int64, bool) { return a.expected, a.expectedSet }

// Stats returns a copy of the accumulator counters.
func (a *Accumulator) Stats() AccumulatorStats { return a.stats }

// Ingest appends chunk to the pending buffer and returns every complete frame
// now available, oldest first.
func (a *Accumulator) Ingest(chunk RawChunk) []Frame {
	if chunk.Discontinuity {
		a.stats.Discontinuities++
		a.stats.DroppedBytes += uint64(a.pending.Length())
		a.Reset()
	}

	a.stats.BytesIn += uint64(len(chunk.Data))
	data := chunk.Data
	// a partial trailing sample would shift every later sample boundary
	if aligned := a.format.AlignDown(len(data)); aligned != len(data) {
		a.stats.Misaligned++
		a.stats.DroppedBytes += uint64(len(data) - aligned)
		data = data[:aligned]
	}

	a.rebaseline(chunk)

	var frames []Frame
	for len(data) > 0 {
		n := a.pending.Free()
		if n > len(data) {
			n = len(data)
		}
		written, err := a.pending.Write(data[:n])
		data = data[written:]
		if err != nil && written == 0 {
			// the buffer never holds a full frame between drains
			a.stats.DroppedBytes += uint64(len(data))
			break
		}
		frames = a.drain(frames)
	}
	return frames
}

// rebaseline applies the chunk timestamp to the expected-timestamp
// bookkeeping. Bytes already pending keep their contiguity.
func (a *Accumulator) rebaseline(chunk RawChunk) {
	if !chunk.HasTimestamp {
		if !a.expectedSet {
			a.expected = 0
			a.expectedSet = true
		}
		return
	}
	if !a.expectedSet {
		a.expected = chunk.Timestamp
		a.expectedSet = true
		return
	}

	pendingSamples := int64(a.pending.Length() / a.format.Alignment())
	if implied := a.expected + pendingSamples; implied != chunk.Timestamp {
		a.expected = chunk.Timestamp - pendingSamples
		a.stats.Rebaselines++
	}
}

func (a *Accumulator) drain(frames []Frame) []Frame {
	for a.pending.Length() >= a.frameBytes {
		n, err := a.pending.Read(a.scratch)
		if err != nil || n != a.frameBytes {
			break
		}
		frames = append(frames, Frame{
			Channel:   a.channel,
			Timestamp: a.expected,
			Samples:   Decode(a.scratch, a.format),
		})
		a.expected += int64(a.FrameSamples())
		a.stats.Frames++
	}
	return frames
}

// Reset drops pending bytes and forgets the expected timestamp.
func (a *Accumulator) Reset() {
	a.pending.Reset()
	a.expected = 0
	a.expectedSet = false
}
