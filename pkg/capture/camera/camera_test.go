package camera

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/internal/metrics"
	tu "github.com/thesyncim/uvkit/internal/testutil"
	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

func testFrame(ts time.Duration, released *int) *frame.VideoFrame {
	f := tu.CreateUYVYFrame(4, 2, 30)
	f.Timestamp = ts
	if released != nil {
		f.Dispose = func(*frame.VideoFrame) { *released++ }
	}
	return f
}

func TestDropQueue(t *testing.T) {
	drops := 0
	q := NewDropQueue(2, func() { drops++ })

	released := 0
	assert.True(t, q.Push(testFrame(1, &released)))
	assert.True(t, q.Push(testFrame(2, &released)))
	assert.False(t, q.Push(testFrame(3, &released)))
	assert.Equal(t, 1, released, "the dropped frame is released")
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 1, drops)
	assert.Equal(t, 2, q.Len())

	f, err := q.Pop(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1), f.Timestamp)

	q.Drain()
	assert.Equal(t, 2, released)

	start := time.Now()
	f, err = q.Pop(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig("device=/dev/video2:size=640x480:fps=25:codec=YUYV:timeout=250")
	require.NoError(t, err)
	assert.Equal(t, Config{Device: "/dev/video2", Width: 640, Height: 480, FPS: 25, Codec: codec.YUYV, Timeout: 250 * time.Millisecond}, cfg)

	for _, bad := range []string{"size=640", "fps=0", "codec=H.264", "codec=nope", "timeout=x", "color=red"} {
		_, err := ParseConfig(bad)
		assert.ErrorIs(t, err, capture.ErrInvalidOptions, bad)
	}
}

func TestFFmpegArgs(t *testing.T) {
	cfg := Config{Width: 640, Height: 480, FPS: 30, Codec: codec.UYVY}
	tests := []struct {
		goos  string
		input []string
	}{
		{"darwin", []string{"-f", "avfoundation", "-framerate", "30", "-video_size", "640x480", "-i", "0:none"}},
		{"linux", []string{"-f", "v4l2", "-framerate", "30", "-video_size", "640x480", "-i", "/dev/video0"}},
		{"windows", []string{"-f", "dshow", "-framerate", "30", "-video_size", "640x480", "-i", "video=Integrated Camera"}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			assert.Equal(t, tt.input, InputArgs(tt.goos, cfg))
			args := FFmpegArgs(tt.goos, cfg)
			assert.Equal(t, []string{"-f", "rawvideo", "-pix_fmt", "uyvy422", "pipe:1"}, args[len(args)-5:])
		})
	}

	cfg.Device = "FaceTime HD Camera"
	assert.Contains(t, InputArgs("darwin", cfg), "FaceTime HD Camera:none")
}

// chanSource delivers frames pushed on a channel from its own goroutine.
type chanSource struct {
	frames  chan *frame.VideoFrame
	wg      sync.WaitGroup
	stopped bool
}

func (s *chanSource) Start(sink Sink) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for f := range s.frames {
			sink(f)
		}
	}()
	return nil
}

func (s *chanSource) Stop() error {
	close(s.frames)
	s.wg.Wait()
	s.stopped = true
	return nil
}

func TestCamera(t *testing.T) {
	m := metrics.New()
	src := &chanSource{frames: make(chan *frame.VideoFrame)}
	cam, err := New(src, Config{Timeout: 20 * time.Millisecond}, zerolog.Nop(), m)
	require.NoError(t, err)

	v, a, err := cam.Grab(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v, "timeout yields no frame")
	assert.Nil(t, a)

	for i := 1; i <= 5; i++ {
		src.frames <- testFrame(time.Duration(i), nil)
	}
	require.Eventually(t, func() bool { return cam.Dropped() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("camera")))

	v, _, err = cam.Grab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1), v.Timestamp, "the oldest queued frame comes first")

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Close())
	assert.True(t, src.stopped)
	_, _, err = cam.Grab(context.Background())
	assert.ErrorIs(t, err, capture.ErrDeviceClosed)
}

func TestFFmpegSource(t *testing.T) {
	// three paced 4x2 UYVY frames, then wait to be killed
	ffmpeg := tu.FakeBinary(t, "ffmpeg", "for i in 1 2 3; do head -c 16 /dev/zero; sleep 0.1; done; exec sleep 10")

	dev, err := capture.Open("camera:size=4x2:fps=30:timeout=1s", capture.Params{FFmpegPath: ffmpeg})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, _, err := dev.Grab(context.Background())
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, 4, v.Width)
		assert.Equal(t, codec.UYVY, v.Codec)
		assert.Len(t, v.Data(), 16)
		v.Release()
	}

	done := make(chan struct{})
	go func() {
		assert.NoError(t, dev.Close())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the capture process")
	}
}

func TestFFmpegSourceMissingBinary(t *testing.T) {
	_, err := capture.Open("camera:size=4x2", capture.Params{FFmpegPath: "/nonexistent/ffmpeg"})
	assert.Error(t, err)
}

func TestHelp(t *testing.T) {
	var help bytes.Buffer
	_, err := capture.Open("camera:help", capture.Params{Help: &help})
	assert.ErrorIs(t, err, capture.ErrHelpShown)
	assert.Contains(t, help.String(), "size=WxH")
}
