package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

func videoFrame(c codec.Type, i int, period time.Duration, key bool) *frame.VideoFrame {
	return &frame.VideoFrame{
		VideoDesc:  frame.VideoDesc{Width: 320, Height: 240, FPS: 25, Codec: c, TileCount: 1},
		Tiles:      []frame.Tile{{Width: 320, Height: 240, Data: []byte{0, 0, 0, 1, 0x41, byte(i)}}},
		Timestamp:  time.Duration(i) * period,
		IsKeyframe: key,
	}
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "rec/b.h264", []byte("b")))
	require.NoError(t, s.Write(ctx, "rec/a.h264", []byte("a")))
	require.NoError(t, s.Write(ctx, "rec/sub/c.h264", []byte("c")))

	files, err := s.List(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.h264", "b.h264"}, files)

	data, err := os.ReadFile(s.Path("rec/a.h264"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	require.NoError(t, s.Delete(ctx, "rec/a.h264"))
	require.NoError(t, s.Delete(ctx, "rec/a.h264"), "deleting twice is fine")
	files, err = s.List(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.h264"}, files)

	_, err = s.List(ctx, "missing")
	assert.Error(t, err)
}

func TestRecorderRotation(t *testing.T) {
	m := metrics.New()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := New(store, Config{SegmentDuration: 300 * time.Millisecond, Prefix: "cams/1"}, WithMetrics(m))
	assert.Equal(t, "cams/1/"+r.Session(), r.Dir())

	// keyframe every 10 frames at 25 fps
	var want [3]bytes.Buffer
	for i := 0; i < 25; i++ {
		f := videoFrame(codec.H264, i, 40*time.Millisecond, i%10 == 0)
		require.NoError(t, r.WriteVideo(f))
		want[i/10].Write(f.Data())
	}
	assert.Len(t, r.Segments(), 2, "cut on the keyframes at 400 ms and 800 ms")
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	segs := r.Segments()
	require.Len(t, segs, 3)
	for i, name := range segs {
		assert.Equal(t, path.Join(r.Dir(), []string{"000000.h264", "000001.h264", "000002.h264"}[i]), name)
		data, err := os.ReadFile(store.Path(name))
		require.NoError(t, err)
		assert.Equal(t, want[i].Bytes(), data, "segment %d", i)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SegmentsWritten))

	assert.ErrorIs(t, r.WriteVideo(videoFrame(codec.H264, 30, 40*time.Millisecond, true)), ErrRecorderClosed)
}

func TestRecorderForcedCut(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := New(store, Config{SegmentDuration: 100 * time.Millisecond})

	// no keyframe after the first: cut at twice the duration
	for i := 0; i < 6; i++ {
		require.NoError(t, r.WriteVideo(videoFrame(codec.H265, i, 40*time.Millisecond, i == 0)))
	}
	assert.Len(t, r.Segments(), 1)
	assert.True(t, strings.HasSuffix(r.Segments()[0], "000000.h265"))

	// a codec change always starts a new segment
	require.NoError(t, r.WriteVideo(videoFrame(codec.MJPG, 6, 40*time.Millisecond, true)))
	require.Len(t, r.Segments(), 2)
	assert.True(t, strings.HasSuffix(r.Segments()[1], "000001.h265"))
	require.NoError(t, r.Close())
	assert.True(t, strings.HasSuffix(r.Segments()[2], "000002.mjpeg"))
}

func TestRecorderIVF(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := New(store, Config{})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.WriteVideo(videoFrame(codec.VP8, i, 40*time.Millisecond, i == 0)))
	}
	require.NoError(t, r.Close())
	require.Len(t, r.Segments(), 1)

	data, err := os.ReadFile(store.Path(r.Segments()[0]))
	require.NoError(t, err)
	require.Len(t, data, ivfHeaderSize+3*(ivfFrameHeaderSize+6))
	assert.Equal(t, "DKIF", string(data[0:4]))
	assert.Equal(t, "VP80", string(data[8:12]))
	assert.Equal(t, uint16(320), binary.LittleEndian.Uint16(data[12:14]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[24:28]))

	second := data[ivfHeaderSize+ivfFrameHeaderSize+6:]
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(second[0:4]))
	assert.Equal(t, uint64(40), binary.LittleEndian.Uint64(second[4:12]), "millisecond timestamps")
}

func TestRecorderErrors(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := New(store, Config{})
	defer r.Close()

	raw := videoFrame(codec.UYVY, 0, time.Millisecond, true)
	assert.ErrorIs(t, r.WriteVideo(raw), ErrNotCompressed)
	assert.ErrorIs(t, r.WriteVideo(videoFrame(codec.J2K, 0, time.Millisecond, true)), ErrNoContainer)
	assert.Empty(t, r.Segments())
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a/000001.h264":  "video/h264",
		"a/000001.h265":  "video/h265",
		"a/000001.mjpeg": "video/x-motion-jpeg",
		"a/000001.ivf":   "video/x-ivf",
		"a/notes.txt":    "application/octet-stream",
	}
	for p, want := range tests {
		assert.Equal(t, want, ContentType(p), p)
	}
}

// fakeGCS serves the subset of the JSON API the storage client uses here.
type fakeGCS struct {
	mu      sync.Mutex
	uploads [][]byte
	deleted []string
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads = append(f.uploads, body)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"bucket": "bkt", "name": "uploaded"})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/bkt"):
		json.NewEncoder(w).Encode(map[string]any{"name": "bkt"})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/bkt/o"):
		prefix := r.URL.Query().Get("prefix")
		json.NewEncoder(w).Encode(map[string]any{
			"kind": "storage#objects",
			"items": []map[string]any{
				{"bucket": "bkt", "name": prefix + "000001.h264"},
				{"bucket": "bkt", "name": prefix + "000000.h264"},
			},
		})
	case r.Method == http.MethodDelete:
		f.mu.Lock()
		f.deleted = append(f.deleted, r.URL.Path)
		f.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 404, "message": "No such object"}})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
	}
}

func TestGCSStorage(t *testing.T) {
	fake := &fakeGCS{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	s, err := NewGCSStorage(ctx, "bkt", "/recordings/", option.WithEndpoint(srv.URL+"/storage/v1/"), option.WithoutAuthentication())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "recordings/x", s.fullPath("x"))

	require.NoError(t, s.Write(ctx, "sess/000000.h264", []byte("segment-bytes")))
	fake.mu.Lock()
	require.Len(t, fake.uploads, 1)
	assert.True(t, bytes.Contains(fake.uploads[0], []byte("segment-bytes")))
	assert.True(t, bytes.Contains(fake.uploads[0], []byte("video/h264")))
	fake.mu.Unlock()

	files, err := s.List(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []string{"000000.h264", "000001.h264"}, files)

	require.NoError(t, s.Delete(ctx, "sess/000000.h264"))
	require.NoError(t, s.Delete(ctx, "sess/missing"))

	_, err = NewGCSStorage(ctx, "other", "", option.WithEndpoint(srv.URL+"/storage/v1/"), option.WithoutAuthentication())
	assert.Error(t, err)
}
