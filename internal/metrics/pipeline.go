// Package metrics provides Prometheus collectors for the detection pipeline
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by go-sentinel
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	chunksTotal          *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	framesTotal          *prometheus.CounterVec
	discontinuitiesTotal *prometheus.CounterVec
	rebaselinesTotal     *prometheus.CounterVec
	droppedBytesTotal    *prometheus.CounterVec

	// Barrier
	queueDepth       *prometheus.GaugeVec
	channelStalled   *prometheus.GaugeVec
	framesetsTotal   prometheus.Counter
	framesetsPending prometheus.Gauge

	// Bearing
	bearingDegrees    prometheus.Gauge
	bearingConfidence prometheus.Gauge
	channelEnergy     *prometheus.GaugeVec
	silentFramesets   prometheus.Counter

	// Consumers and sinks
	consumerPanicsTotal *prometheus.CounterVec
	sinkPublishTotal    *prometheus.CounterVec
	wsClients           prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()

	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := m.registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	channel := []string{"channel"}

	m.chunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_capture_chunks_total",
		Help: "Raw chunks received from the capture backend",
	}, channel)
	m.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_capture_bytes_total",
		Help: "Raw bytes received from the capture backend",
	}, channel)
	m.framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_frames_total",
		Help: "Decoded frames emitted by channel accumulators",
	}, channel)
	m.discontinuitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_discontinuities_total",
		Help: "Discontinuities signalled by the capture backend",
	}, channel)
	m.rebaselinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_timestamp_rebaselines_total",
		Help: "Times a channel timestamp was re-baselined to the backend clock",
	}, channel)
	m.droppedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_dropped_bytes_total",
		Help: "Pending bytes discarded on discontinuity",
	}, channel)

	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_barrier_queue_depth",
		Help: "Frames waiting in the synchronization barrier per channel",
	}, channel)
	m.channelStalled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_channel_stalled",
		Help: "1 when a channel has stopped producing frames while others continue",
	}, channel)
	m.framesetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_framesets_total",
		Help: "Frame sets delivered to consumers",
	})
	m.framesetsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_framesets_pending",
		Help: "Completed frame sets waiting for the drain loop",
	})

	m.bearingDegrees = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_bearing_degrees",
		Help: "Current smoothed bearing",
	})
	m.bearingConfidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_bearing_confidence",
		Help: "Confidence of the current bearing",
	})
	m.channelEnergy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_channel_energy",
		Help: "Energy of the last frame per channel",
	}, channel)
	m.silentFramesets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_silent_framesets_total",
		Help: "Frame sets below the silence threshold",
	})

	m.consumerPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_consumer_panics_total",
		Help: "Panics recovered from downstream consumer callbacks",
	}, []string{"consumer"})
	m.sinkPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_sink_publish_total",
		Help: "Bearing publications per sink",
	}, []string{"sink", "result"})
	m.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_websocket_clients",
		Help: "Connected bearing stream clients",
	})
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.chunksTotal.Describe(ch)
	m.bytesTotal.Describe(ch)
	m.framesTotal.Describe(ch)
	m.discontinuitiesTotal.Describe(ch)
	m.rebaselinesTotal.Describe(ch)
	m.droppedBytesTotal.Describe(ch)
	m.queueDepth.Describe(ch)
	m.channelStalled.Describe(ch)
	m.framesetsTotal.Describe(ch)
	m.framesetsPending.Describe(ch)
	m.bearingDegrees.Describe(ch)
	m.bearingConfidence.Describe(ch)
	m.channelEnergy.Describe(ch)
	m.silentFramesets.Describe(ch)
	m.consumerPanicsTotal.Describe(ch)
	m.sinkPublishTotal.Describe(ch)
	m.wsClients.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.chunksTotal.Collect(ch)
	m.bytesTotal.Collect(ch)
	m.framesTotal.Collect(ch)
	m.discontinuitiesTotal.Collect(ch)
	m.rebaselinesTotal.Collect(ch)
	m.droppedBytesTotal.Collect(ch)
	m.queueDepth.Collect(ch)
	m.channelStalled.Collect(ch)
	m.framesetsTotal.Collect(ch)
	m.framesetsPending.Collect(ch)
	m.bearingDegrees.Collect(ch)
	m.bearingConfidence.Collect(ch)
	m.channelEnergy.Collect(ch)
	m.silentFramesets.Collect(ch)
	m.consumerPanicsTotal.Collect(ch)
	m.sinkPublishTotal.Collect(ch)
	m.wsClients.Collect(ch)
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func label(channel int) string {
	return strconv.Itoa(channel)
}

// RecordChunk counts one raw chunk for channel
func (m *Metrics) RecordChunk(channel, bytes int, discontinuity bool) {
	l := label(channel)
	m.chunksTotal.WithLabelValues(l).Inc()
	m.bytesTotal.WithLabelValues(l).Add(float64(bytes))
	if discontinuity {
		m.discontinuitiesTotal.WithLabelValues(l).Inc()
	}
}

// RecordFrames counts frames emitted for channel
func (m *Metrics) RecordFrames(channel, n int) {
	m.framesTotal.WithLabelValues(label(channel)).Add(float64(n))
}

// RecordRebaselines counts timestamp re-baselines for channel
func (m *Metrics) RecordRebaselines(channel, n int) {
	m.rebaselinesTotal.WithLabelValues(label(channel)).Add(float64(n))
}

// RecordDroppedBytes counts pending bytes discarded for channel
func (m *Metrics) RecordDroppedBytes(channel, n int) {
	m.droppedBytesTotal.WithLabelValues(label(channel)).Add(float64(n))
}

// SetQueueDepths publishes barrier queue depths, indexed by channel
func (m *Metrics) SetQueueDepths(depths []int, pending int) {
	for ch, d := range depths {
		m.queueDepth.WithLabelValues(label(ch)).Set(float64(d))
	}
	m.framesetsPending.Set(float64(pending))
}

// SetStalled flags channel as stalled or healthy
func (m *Metrics) SetStalled(channel int, stalled bool) {
	v := 0.0
	if stalled {
		v = 1
	}
	m.channelStalled.WithLabelValues(label(channel)).Set(v)
}

// RecordFrameSet counts a delivered frame set and its channel energies
func (m *Metrics) RecordFrameSet(energies []float64) {
	m.framesetsTotal.Inc()
	for ch, e := range energies {
		m.channelEnergy.WithLabelValues(label(ch)).Set(e)
	}
}

// RecordSilence counts a frame set below the silence threshold
func (m *Metrics) RecordSilence() {
	m.silentFramesets.Inc()
}

// SetBearing publishes the current bearing
func (m *Metrics) SetBearing(angle, confidence float64) {
	m.bearingDegrees.Set(angle)
	m.bearingConfidence.Set(confidence)
}

// RecordConsumerPanic counts a recovered consumer panic
func (m *Metrics) RecordConsumerPanic(consumer string) {
	m.consumerPanicsTotal.WithLabelValues(consumer).Inc()
}

// RecordPublish counts a sink publication attempt
func (m *Metrics) RecordPublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkPublishTotal.WithLabelValues(sink, result).Inc()
}

// SetWSClients publishes the number of stream clients
func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}
