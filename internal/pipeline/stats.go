package pipeline

import "github.com/teslashibe/go-sentinel/internal/audio"

// Recorder receives pipeline measurements. *metrics.Metrics implements it.
type Recorder interface {
	RecordChunk(channel, bytes int, discontinuity bool)
	RecordFrames(channel, n int)
	RecordRebaselines(channel, n int)
	RecordDroppedBytes(channel, n int)
	SetQueueDepths(depths []int, pending int)
	SetStalled(channel int, stalled bool)
	RecordFrameSet(energies []float64)
	RecordSilence()
	RecordConsumerPanic(consumer string)
}

type nopRecorder struct{}

func (nopRecorder) RecordChunk(int, int, bool)  {}
func (nopRecorder) RecordFrames(int, int)       {}
func (nopRecorder) RecordRebaselines(int, int)  {}
func (nopRecorder) RecordDroppedBytes(int, int) {}
func (nopRecorder) SetQueueDepths([]int, int)   {}
func (nopRecorder) SetStalled(int, bool)        {}
func (nopRecorder) RecordFrameSet([]float64)    {}
func (nopRecorder) RecordSilence()              {}
func (nopRecorder) RecordConsumerPanic(string)  {}

// ChannelStats describes one input channel.
type ChannelStats struct {
	Channel    int                    `json:"channel"`
	Bearing    float64                `json:"bearing"`
	QueueDepth int                    `json:"queue_depth"`
	Pending    int                    `json:"pending_bytes"`
	Stalled    bool                   `json:"stalled"`
	Counters   audio.AccumulatorStats `json:"counters"`
}

// Stats is a snapshot of pipeline state.
type Stats struct {
	State            string         `json:"state"`
	Backend          string         `json:"backend"`
	Format           string         `json:"format"`
	FrameBytes       int            `json:"frame_bytes"`
	FrameSets        uint64         `json:"framesets"`
	PendingFrameSets int            `json:"pending_framesets"`
	ChunksDropped    uint64         `json:"chunks_dropped"`
	ConsumerPanics   uint64         `json:"consumer_panics"`
	Channels         []ChannelStats `json:"channels"`
	LastEstimate     *Estimate      `json:"last_estimate,omitempty"`
}

// Stats returns a snapshot of the pipeline counters and queues.
func (p *Pipeline) Stats() Stats {
	depths := p.barrier.QueueDepths()
	bearings := p.estimator.Bearings()

	channels := make([]ChannelStats, len(p.channels))
	for ch, cs := range p.channels {
		cs.mu.Lock()
		pending := cs.acc.Pending()
		counters := cs.acc.Stats()
		cs.mu.Unlock()

		channels[ch] = ChannelStats{
			Channel:    ch,
			Bearing:    bearings[ch],
			QueueDepth: depths[ch],
			Pending:    pending,
			Stalled:    cs.stalled.Load(),
			Counters:   counters,
		}
	}

	stats := Stats{
		State:            p.State().String(),
		Backend:          p.backendName(),
		Format:           p.cfg.Format.String(),
		FrameBytes:       p.cfg.FrameBytes,
		FrameSets:        p.frameSets.Load(),
		PendingFrameSets: p.barrier.Completed(),
		ChunksDropped:    p.chunksDropped.Load(),
		ConsumerPanics:   p.consumerPanics.Load(),
		Channels:         channels,
	}

	p.statsMu.RLock()
	if p.hasEstimate {
		est := p.lastEstimate
		stats.LastEstimate = &est
	}
	p.statsMu.RUnlock()

	return stats
}

// QueueDepths returns the barrier backlog per channel.
func (p *Pipeline) QueueDepths() []int {
	return p.barrier.QueueDepths()
}
