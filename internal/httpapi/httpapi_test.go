package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/pipeline"
	"github.com/thesyncim/uvkit/pkg/reflector"
)

type fakeViewers struct {
	mu  sync.Mutex
	ids []string
}

func (v *fakeViewers) Subscribe(_ context.Context, offer string) (string, string, error) {
	if !strings.HasPrefix(offer, "v=0") {
		return "", "", errors.New("invalid offer")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ids = append(v.ids, "viewer-1")
	return "v=0\r\nanswer", "viewer-1", nil
}

func (v *fakeViewers) Unsubscribe(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, have := range v.ids {
		if have == id {
			v.ids = append(v.ids[:i], v.ids[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (v *fakeViewers) Subscribers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.ids...)
}

type fakeRecordings struct{}

func (fakeRecordings) Session() string    { return "sess" }
func (fakeRecordings) Segments() []string { return []string{"uvkit/sess/000000.h264"} }

func newReflector(t *testing.T) *reflector.Reflector {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	r := reflector.New(conn, reflector.Config{})
	t.Cleanup(func() { r.Close() })
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPingAndStatus(t *testing.T) {
	m := metrics.New()
	s := New(Config{
		Stats:   func() pipeline.Stats { return pipeline.Stats{Captured: 7, Sent: 5} },
		Metrics: m,
	})
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")

	w = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Pipeline pipeline.Stats `json:"pipeline"`
		Replicas *int           `json:"replicas"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, uint64(7), status.Pipeline.Captured)
	assert.Equal(t, uint64(5), status.Pipeline.Sent)
	assert.Nil(t, status.Replicas)

	// routes for absent components are not registered
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/replicas", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/ping", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestReplicas(t *testing.T) {
	r := newReflector(t)
	h := New(Config{Replicas: r}).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/replicas", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"replicas":[],"total":0}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/v1/replicas", `{"addr":"127.0.0.1:6000"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var rep reflector.Replica
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "127.0.0.1:6000", rep.Addr)
	assert.NotEmpty(t, rep.ID)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"addr":"127.0.0.1:6000"}`, http.StatusConflict},
		{"missing addr", `{}`, http.StatusBadRequest},
		{"bad json", `{"addr":`, http.StatusBadRequest},
		{"unresolvable", `{"addr":"no-port"}`, http.StatusBadRequest},
		{"unknown codec", `{"addr":"127.0.0.1:6002","compression":"codec=nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, h, http.MethodPost, "/api/v1/replicas", tt.body).Code)
		})
	}

	w = do(t, h, http.MethodPost, "/api/v1/replicas", `{"addr":"127.0.0.1:6003","compression":"codec=VP9"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var vp9 reflector.Replica
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vp9))
	assert.Contains(t, vp9.Compression, "codec=VP9")

	w = do(t, h, http.MethodGet, "/api/v1/status", "")
	assert.Contains(t, w.Body.String(), `"replicas":2`)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/replicas/"+vp9.ID, "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/replicas/"+rep.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/v1/replicas/"+rep.ID, "").Code)
	assert.Empty(t, r.Replicas())

	require.NoError(t, r.Close())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/v1/replicas", `{"addr":"127.0.0.1:6001"}`).Code)
}

func TestViewers(t *testing.T) {
	v := &fakeViewers{}
	h := New(Config{Viewers: v, Recordings: fakeRecordings{}}).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/viewers", "v=0\r\noffer")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/sdp", w.Header().Get("Content-Type"))
	assert.Equal(t, "/api/v1/viewers/viewer-1", w.Header().Get("Location"))
	assert.Equal(t, "v=0\r\nanswer", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/viewers", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/viewers", "garbage").Code)

	w = do(t, h, http.MethodGet, "/api/v1/viewers", "")
	assert.JSONEq(t, `{"viewers":["viewer-1"],"total":1}`, w.Body.String())

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/viewers/viewer-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/v1/viewers/viewer-1", "").Code)

	w = do(t, h, http.MethodGet, "/api/v1/recordings", "")
	assert.JSONEq(t, `{"session":"sess","segments":["uvkit/sess/000000.h264"]}`, w.Body.String())
}

func TestViewerSocket(t *testing.T) {
	v := &fakeViewers{}
	srv := httptest.NewServer(New(Config{Viewers: v}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/viewers/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	tests := []struct {
		send SignalingMessage
		want SignalingMessage
	}{
		{SignalingMessage{Type: "offer", SDP: "v=0\r\noffer"}, SignalingMessage{Type: "answer", SDP: "v=0\r\nanswer", ID: "viewer-1"}},
		{SignalingMessage{Type: "offer", SDP: "garbage"}, SignalingMessage{Type: "error", Error: "invalid offer"}},
		{SignalingMessage{Type: "candidate"}, SignalingMessage{Type: "error", Error: "unknown message type candidate"}},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteJSON(tt.send))
		var got SignalingMessage
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, []string{"viewer-1"}, v.Subscribers())

	// closing the socket removes its viewers
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return len(v.Subscribers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RecordFrameCaptured("testcard")
	h := New(Config{Metrics: m, ServeMetrics: true}).Handler()

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "uvkit_frames_captured_total")
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/api/ping")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
