package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidChannelCount is returned for a channel count below one.
var ErrInvalidChannelCount = errors.New("invalid channel count")

// ErrUnknownChannel is returned by Put for a channel id outside 0..C-1.
var ErrUnknownChannel = errors.New("unknown channel")

// Barrier collects one frame per channel and releases a FrameSet once every
// channel has contributed. It is safe for concurrent use.
//
// Pairing is one-per-channel in arrival order; timestamps are not compared.
// Per-channel queues are unbounded, use QueueDepths to watch for a stalled
// channel.
type Barrier struct {
	mu       sync.Mutex
	queues   [][]Frame
	complete []FrameSet
}

// NewBarrier creates a barrier for channels channels.
func NewBarrier(channels int) (*Barrier, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannelCount, channels)
	}
	return &Barrier{queues: make([][]Frame, channels)}, nil
}

// Channels returns the channel count.
func (b *Barrier) Channels() int { return len(b.queues) }

// Put queues frame for channel and, when every channel has a frame waiting,
// moves one frame per channel into a completed FrameSet. It reports whether
// a FrameSet was completed.
func (b *Barrier) Put(channel int, frame Frame) (bool, error) {
	if channel < 0 || channel >= len(b.queues) {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[channel] = append(b.queues[channel], frame)

	for _, q := range b.queues {
		if len(q) == 0 {
			return false, nil
		}
	}

	set := make(FrameSet, len(b.queues))
	for ch, q := range b.queues {
		set[ch] = q[0]
		q[0] = Frame{}
		b.queues[ch] = q[1:]
	}
	b.complete = append(b.complete, set)
	return true, nil
}

// TryTake pops the oldest completed FrameSet without blocking.
func (b *Barrier) TryTake() (FrameSet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.complete) == 0 {
		return nil, false
	}
	set := b.complete[0]
	b.complete[0] = nil
	b.complete = b.complete[1:]
	return set, true
}

// Clear drops every queued frame and completed FrameSet.
func (b *Barrier) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.queues {
		b.queues[ch] = nil
	}
	b.complete = nil
}

// QueueDepths returns the number of frames waiting per channel.
func (b *Barrier) QueueDepths() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, len(b.queues))
	for ch, q := range b.queues {
		out[ch] = len(q)
	}
	return out
}

// Completed returns the number of FrameSets waiting to be taken.
func (b *Barrier) Completed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.complete)
}
