package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordFrameCaptured("testcard")
	m.RecordFrameCaptured("testcard")
	m.RecordFrameDropped("compress")
	m.RecordCompress("H.264", 0.004, 1500, true)
	m.RecordCompress("H.264", 0.002, 500, false)
	m.RecordRTP("video", 1200)
	m.RecordReflectorReplicated(3)
	m.SetReflectorReplicas(2)
	m.RecordSegment(4096)
	m.RecordAudioUnderflow()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesCaptured.WithLabelValues("testcard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("compress")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.CompressedBytes.WithLabelValues("H.264")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyFrames))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.RTPBytes.WithLabelValues("video")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReflectorReplicated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReflectorReplicas))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.SegmentBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioUnderflows))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFrameCaptured("x")
		m.RecordCompress("x", 1, 1, true)
		m.RecordHTTPRequest("GET", "/", 200)
		m.SetReflectorReplicas(1)
	})
	assert.Nil(t, m.Registry())
}

func TestIndependentRegistries(t *testing.T) {
	// each instance registers its own collectors
	a, b := New(), New()
	a.RecordEncoderRestart()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.EncoderRestarts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EncoderRestarts))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/api/ping", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `uvkit_http_requests_total{method="GET",path="/api/ping",status="200"} 1`)
}
