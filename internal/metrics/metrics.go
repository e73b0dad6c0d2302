// Package metrics exposes uvkit counters through Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesCaptured *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	// Compression metrics
	CompressDuration *prometheus.HistogramVec
	CompressedBytes  *prometheus.CounterVec
	KeyFrames        prometheus.Counter
	EncoderRestarts  prometheus.Counter

	// Audio metrics
	AudioFrames     *prometheus.CounterVec
	AudioUnderflows prometheus.Counter

	// Transport metrics
	RTPPackets *prometheus.CounterVec
	RTPBytes   *prometheus.CounterVec

	// Reflector metrics
	ReflectorReceived   prometheus.Counter
	ReflectorReplicated prometheus.Counter
	ReflectorDropped    prometheus.Counter
	ReflectorReplicas   prometheus.Gauge

	// Recorder metrics
	SegmentsWritten prometheus.Counter
	SegmentBytes    prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_frames_captured_total",
			Help: "Video frames delivered by capture devices",
		}, []string{"device"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_frames_dropped_total",
			Help: "Frames discarded because a downstream queue was full",
		}, []string{"stage"}),

		CompressDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uvkit_compress_duration_seconds",
			Help:    "Time spent compressing one frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"codec"}),
		CompressedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_compressed_bytes_total",
			Help: "Bytes produced by the compressor",
		}, []string{"codec"}),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_keyframes_total",
			Help: "Compressed keyframes produced",
		}),
		EncoderRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_encoder_restarts_total",
			Help: "Encoder reconfigurations caused by format changes",
		}),

		AudioFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_audio_frames_total",
			Help: "Audio frames captured or played",
		}, []string{"direction"}),
		AudioUnderflows: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_audio_underflows_total",
			Help: "Playback render callbacks that found too little data",
		}),

		RTPPackets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_rtp_packets_sent_total",
			Help: "RTP packets sent",
		}, []string{"media"}),
		RTPBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_rtp_bytes_sent_total",
			Help: "RTP bytes sent including headers",
		}, []string{"media"}),

		ReflectorReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_reflector_received_total",
			Help: "Datagrams received by the reflector",
		}),
		ReflectorReplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_reflector_replicated_total",
			Help: "Datagrams sent to replicas",
		}),
		ReflectorDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_reflector_dropped_total",
			Help: "Datagrams dropped because the queue was full",
		}),
		ReflectorReplicas: f.NewGauge(prometheus.GaugeOpts{
			Name: "uvkit_reflector_replicas",
			Help: "Number of configured replicas",
		}),

		SegmentsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_segments_written_total",
			Help: "Recorded segments stored",
		}),
		SegmentBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "uvkit_segment_bytes_total",
			Help: "Bytes written to recorded segments",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uvkit_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrameCaptured counts a frame from a capture device.
func (m *Metrics) RecordFrameCaptured(device string) {
	if m == nil {
		return
	}
	m.FramesCaptured.WithLabelValues(device).Inc()
}

// RecordFrameDropped counts a frame discarded at a stage.
func (m *Metrics) RecordFrameDropped(stage string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(stage).Inc()
}

// RecordCompress records one compressed frame.
func (m *Metrics) RecordCompress(codec string, seconds float64, size int, keyframe bool) {
	if m == nil {
		return
	}
	m.CompressDuration.WithLabelValues(codec).Observe(seconds)
	m.CompressedBytes.WithLabelValues(codec).Add(float64(size))
	if keyframe {
		m.KeyFrames.Inc()
	}
}

// RecordEncoderRestart counts an encoder reconfiguration.
func (m *Metrics) RecordEncoderRestart() {
	if m == nil {
		return
	}
	m.EncoderRestarts.Inc()
}

// RecordAudioFrame counts an audio frame; direction is "capture" or
// "playback".
func (m *Metrics) RecordAudioFrame(direction string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction).Inc()
}

// RecordAudioUnderflow counts a playback underflow.
func (m *Metrics) RecordAudioUnderflow() {
	if m == nil {
		return
	}
	m.AudioUnderflows.Inc()
}

// RecordRTP counts a sent RTP packet.
func (m *Metrics) RecordRTP(media string, size int) {
	if m == nil {
		return
	}
	m.RTPPackets.WithLabelValues(media).Inc()
	m.RTPBytes.WithLabelValues(media).Add(float64(size))
}

// RecordReflectorReceived counts an incoming datagram.
func (m *Metrics) RecordReflectorReceived() {
	if m == nil {
		return
	}
	m.ReflectorReceived.Inc()
}

// RecordReflectorReplicated counts datagrams sent to replicas.
func (m *Metrics) RecordReflectorReplicated(n int) {
	if m == nil {
		return
	}
	m.ReflectorReplicated.Add(float64(n))
}

// RecordReflectorDropped counts a datagram dropped on a full queue.
func (m *Metrics) RecordReflectorDropped() {
	if m == nil {
		return
	}
	m.ReflectorDropped.Inc()
}

// SetReflectorReplicas sets the replica gauge.
func (m *Metrics) SetReflectorReplicas(n int) {
	if m == nil {
		return
	}
	m.ReflectorReplicas.Set(float64(n))
}

// RecordSegment counts a stored segment.
func (m *Metrics) RecordSegment(size int64) {
	if m == nil {
		return
	}
	m.SegmentsWritten.Inc()
	m.SegmentBytes.Add(float64(size))
}

// RecordHTTPRequest counts an API request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
