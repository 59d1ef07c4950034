// Package capture provides the audio backends that feed raw per-channel
// chunks into the detection pipeline.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-sentinel/internal/audio"
)

// Backend emits raw chunks for a fixed set of channels. Implementations
// deliver at most one in-flight chunk per channel at a time.
type Backend interface {
	Name() string
	Channels() int
	Format() audio.SampleFormat
	SetHandler(func(audio.RawChunk))
	Start(ctx context.Context) error
	Stop() error
}

// ErrNoChannels is returned when a backend is configured with no channels
var ErrNoChannels = errors.New("capture backend needs at least one channel")

// Stats contains backend statistics
type Stats struct {
	Chunks          uint64 `json:"chunks"`
	Bytes           uint64 `json:"bytes"`
	Discontinuities uint64 `json:"discontinuities"`
	Errors          uint64 `json:"errors"`
	Running         bool   `json:"running"`
}

// emitter holds the handler and counters shared by every backend
type emitter struct {
	handlerMu sync.RWMutex
	handler   func(audio.RawChunk)

	running         atomic.Bool
	chunks          atomic.Uint64
	bytes           atomic.Uint64
	discontinuities atomic.Uint64
	errors          atomic.Uint64
}

// SetHandler installs the chunk callback
func (e *emitter) SetHandler(h func(audio.RawChunk)) {
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
}

func (e *emitter) emit(c audio.RawChunk) {
	e.chunks.Add(1)
	e.bytes.Add(uint64(len(c.Data)))
	if c.Discontinuity {
		e.discontinuities.Add(1)
	}

	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()

	if h != nil {
		h(c)
	}
}

// Stats returns backend statistics
func (e *emitter) Stats() Stats {
	return Stats{
		Chunks:          e.chunks.Load(),
		Bytes:           e.bytes.Load(),
		Discontinuities: e.discontinuities.Load(),
		Errors:          e.errors.Load(),
		Running:         e.running.Load(),
	}
}

// Deinterleave splits interleaved frames into one byte slice per channel.
// Trailing bytes that do not form a whole frame are ignored.
func Deinterleave(data []byte, channels, sampleBytes int) [][]byte {
	out := make([][]byte, channels)
	if channels < 1 || sampleBytes < 1 {
		return out
	}

	frame := channels * sampleBytes
	frames := len(data) / frame
	for ch := range out {
		out[ch] = make([]byte, frames*sampleBytes)
	}

	for i := 0; i < frames; i++ {
		src := data[i*frame:]
		for ch := 0; ch < channels; ch++ {
			copy(out[ch][i*sampleBytes:(i+1)*sampleBytes], src[ch*sampleBytes:(ch+1)*sampleBytes])
		}
	}
	return out
}
