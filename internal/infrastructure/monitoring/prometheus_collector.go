package monitoring

import (
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	streamsActive   prometheus.Gauge
	framesCaptured  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	readFailures    *prometheus.CounterVec
	addFailures     *prometheus.CounterVec
	framesEncoded   prometheus.Counter
	encodedBytes    prometheus.Counter
	wsSubscriptions *prometheus.GaugeVec

	// Histograms
	sourceOpenDuration prometheus.Histogram
	composeDuration    prometheus.Histogram

	// Stream metrics, refreshed by StatsPoller
	streamFPS      *prometheus.GaugeVec
	streamBuffered *prometheus.GaugeVec
	streamRunning  *prometheus.GaugeVec
}

var (
	_ ports.RegistryMetrics  = (*PrometheusCollector)(nil)
	_ ports.TransportMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers all collectors with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camgrid_streams_active",
			Help: "Number of registered streams",
		}),

		framesCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camgrid_frames_captured_total",
			Help: "Frames read from sources and admitted to their buffers",
		}, []string{"stream_id"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camgrid_frames_dropped_total",
			Help: "Unread frames evicted from full buffers",
		}, []string{"stream_id"}),

		readFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camgrid_frame_read_failures_total",
			Help: "Failed frame reads from sources",
		}, []string{"stream_id"}),

		addFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camgrid_stream_add_failures_total",
			Help: "Rejected add_stream calls by reason",
		}, []string{"reason"}),

		framesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "camgrid_frames_encoded_total",
			Help: "Frames encoded to JPEG for clients",
		}),

		encodedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "camgrid_encoded_bytes_total",
			Help: "JPEG bytes produced for clients",
		}),

		wsSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camgrid_websocket_subscribers",
			Help: "Open WebSocket frame subscriptions per stream",
		}, []string{"stream_id"}),

		sourceOpenDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camgrid_source_open_duration_seconds",
			Help:    "Time taken to open a source, successful or not",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		composeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camgrid_compose_duration_seconds",
			Help:    "Duration of grid compositions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),

		streamFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camgrid_stream_fps",
			Help: "Measured capture rate per stream",
		}, []string{"stream_id"}),

		streamBuffered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camgrid_stream_buffered_frames",
			Help: "Frames waiting in each stream buffer",
		}, []string{"stream_id"}),

		streamRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camgrid_stream_running",
			Help: "1 while the stream's capture loop runs",
		}, []string{"stream_id"}),
	}
}

func (p *PrometheusCollector) RecordFrameCaptured(id domain.StreamID) {
	p.framesCaptured.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) RecordFrameDropped(id domain.StreamID) {
	p.framesDropped.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) RecordReadFailure(id domain.StreamID) {
	p.readFailures.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) RecordStreamAdded(id domain.StreamID) {
	p.streamsActive.Inc()
	p.streamRunning.WithLabelValues(string(id)).Set(1)
}

func (p *PrometheusCollector) RecordStreamRemoved(id domain.StreamID) {
	p.streamsActive.Dec()

	label := string(id)
	p.framesCaptured.DeleteLabelValues(label)
	p.framesDropped.DeleteLabelValues(label)
	p.readFailures.DeleteLabelValues(label)
	p.streamFPS.DeleteLabelValues(label)
	p.streamBuffered.DeleteLabelValues(label)
	p.streamRunning.DeleteLabelValues(label)
}

func (p *PrometheusCollector) RecordAddFailure(reason string) {
	p.addFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordOpenDuration(d time.Duration) {
	p.sourceOpenDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordCompose(d time.Duration) {
	p.composeDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordFrameEncoded(size int) {
	p.framesEncoded.Inc()
	p.encodedBytes.Add(float64(size))
}

func (p *PrometheusCollector) RecordSubscriberJoined(id domain.StreamID) {
	p.wsSubscriptions.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) RecordSubscriberLeft(id domain.StreamID) {
	p.wsSubscriptions.WithLabelValues(string(id)).Dec()
}

// UpdateStreamStats refreshes the per-stream gauges from a stats snapshot.
func (p *PrometheusCollector) UpdateStreamStats(stats map[domain.StreamID]domain.StreamStats) {
	for id, s := range stats {
		label := string(id)
		p.streamFPS.WithLabelValues(label).Set(s.FPS)
		p.streamBuffered.WithLabelValues(label).Set(float64(s.Buffered))
		running := 0.0
		if s.Running {
			running = 1
		}
		p.streamRunning.WithLabelValues(label).Set(running)
	}
	p.streamsActive.Set(float64(len(stats)))
}
