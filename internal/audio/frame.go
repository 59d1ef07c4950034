package audio

// RawChunk is one delivery of raw bytes for a single channel from a capture
// backend.
type RawChunk struct {
	Channel       int
	Data          []byte
	Discontinuity bool
	// Timestamp is the sample index of the first byte in Data. It is only
	// trusted when HasTimestamp is set.
	Timestamp    int64
	HasTimestamp bool
}

// Frame is a fixed-length block of decoded samples for one channel.
type Frame struct {
	Channel   int       `json:"channel"`
	Timestamp int64     `json:"timestamp"`
	Samples   []float32 `json:"samples"`
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int {
	return len(f.Samples)
}

// FrameSet holds exactly one Frame per channel, indexed by channel id.
type FrameSet []Frame

// Energies returns the energy of each frame in channel order.
func (fs FrameSet) Energies() []float64 {
	out := make([]float64, len(fs))
	for i, f := range fs {
		out[i] = Energy(f.Samples)
	}
	return out
}
