package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture and encode pipeline
	FramesCaptured  atomic.Uint64 // Raw buffers delivered by the capture source
	FramesDropped   atomic.Uint64 // Raw buffers overwritten before the encoder took them
	FramesEncoded   atomic.Uint64
	FramesPublished atomic.Uint64
	EncodeErrors    atomic.Uint64

	EncodeLatencyMs atomic.Uint64 // Last encode duration in ms
	FrameBytes      atomic.Uint64 // Size of the last published frame

	// Stream sessions
	ActiveSessions    atomic.Int64
	TotalSessions     atomic.Uint64
	StreamFramesSent  atomic.Uint64
	StreamWriteErrors atomic.Uint64

	// Snapshot endpoint
	SnapshotRequests atomic.Uint64
	SnapshotEmpty    atomic.Uint64

	registry *prometheus.Registry
}

type gaugeSpec struct {
	name  string
	help  string
	value func() float64
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	specs := []gaugeSpec{
		{"screenshare_frames_captured_total", "Total raw buffers delivered by the capture source", u(&m.FramesCaptured)},
		{"screenshare_frames_dropped_total", "Total raw buffers replaced before encoding", u(&m.FramesDropped)},
		{"screenshare_frames_encoded_total", "Total frames encoded to JPEG", u(&m.FramesEncoded)},
		{"screenshare_frames_published_total", "Total frames published to the frame sink", u(&m.FramesPublished)},
		{"screenshare_encode_errors_total", "Total frames skipped because encoding failed", u(&m.EncodeErrors)},
		{"screenshare_encode_latency_ms", "Duration of the last encode in milliseconds", u(&m.EncodeLatencyMs)},
		{"screenshare_frame_bytes", "Size of the last published frame in bytes", u(&m.FrameBytes)},
		{"screenshare_stream_sessions_active", "Number of connected stream clients", func() float64 { return float64(m.ActiveSessions.Load()) }},
		{"screenshare_stream_sessions_total", "Total stream clients attached", u(&m.TotalSessions)},
		{"screenshare_stream_frames_sent_total", "Total frames written to stream clients", u(&m.StreamFramesSent)},
		{"screenshare_stream_write_errors_total", "Total stream sessions ended by a write failure", u(&m.StreamWriteErrors)},
		{"screenshare_snapshot_requests_total", "Total snapshot requests", u(&m.SnapshotRequests)},
		{"screenshare_snapshot_empty_total", "Snapshot requests answered before the first frame", u(&m.SnapshotEmpty)},
	}

	for _, s := range specs {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: s.name, Help: s.help},
			s.value,
		))
	}
}

// ObserveEncode records a successful encode of n bytes that took d.
func (m *Metrics) ObserveEncode(d time.Duration, n int) {
	m.FramesEncoded.Add(1)
	m.EncodeLatencyMs.Store(uint64(d.Milliseconds()))
	m.FrameBytes.Store(uint64(n))
}

// SessionOpened records a new stream client.
func (m *Metrics) SessionOpened() {
	m.TotalSessions.Add(1)
	m.ActiveSessions.Add(1)
}

// SessionClosed records a stream client leaving.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Add(-1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
