package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/internal/metrics"
	tu "github.com/thesyncim/uvkit/internal/testutil"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// jpegFrame returns a UYVY frame whose raw bytes form a JPEG picture, so a
// pass-through "encoder" produces a splittable MJPEG stream.
func jpegFrame(width, height int, ts time.Duration) *frame.VideoFrame {
	f := frame.NewVideoFrame(frame.VideoDesc{Width: width, Height: height, FPS: 25, Codec: codec.UYVY})
	copy(f.Data(), jpeg(len(f.Data()), 0x11))
	f.Timestamp = ts
	return f
}

// compressUntil feeds frames until the compressor emits one.
func compressUntil(t *testing.T, c VideoCompressor, mk func(i int) *frame.VideoFrame) *frame.VideoFrame {
	t.Helper()
	for i := 0; i < 200; i++ {
		out, err := c.Compress(context.Background(), mk(i))
		require.NoError(t, err)
		if out != nil {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("compressor produced no output")
	return nil
}

func TestExecCompressor(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", "exec cat")
	m := metrics.New()

	c, err := New(configFor(codec.MJPG), WithFFmpegPath(ffmpeg), WithMetrics(m))
	require.NoError(t, err)
	defer c.Close()

	out := compressUntil(t, c, func(i int) *frame.VideoFrame {
		return jpegFrame(16, 16, time.Duration(i)*40*time.Millisecond)
	})
	assert.Equal(t, codec.MJPG, out.Codec)
	assert.Equal(t, 16, out.Width)
	assert.Equal(t, 16, out.Height)
	assert.True(t, out.IsKeyframe)
	assert.Equal(t, time.Duration(0), out.Timestamp, "first output carries the first input's timestamp")
	assert.Equal(t, jpegFrame(16, 16, 0).Data(), out.Data())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.KeyFrames), 1.0)

	// a new size restarts the encoder
	out = compressUntil(t, c, func(int) *frame.VideoFrame { return jpegFrame(32, 16, time.Second) })
	assert.Equal(t, 32, out.Width)
	assert.Len(t, out.Data(), codec.UYVY.FrameSize(32, 16))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncoderRestarts))
}

func TestExecCompressorFallback(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", `for a in "$@"; do
  if [ "$a" = "yuvj444p" ]; then
    echo "Incompatible pixel format 'yuvj444p' for codec 'mjpeg'" >&2
    exit 1
  fi
done
exec cat`)

	cfg := configFor(codec.MJPG)
	cfg.Subsampling = 4440
	c, err := New(cfg, WithFFmpegPath(ffmpeg))
	require.NoError(t, err)
	defer c.Close()

	out := compressUntil(t, c, func(int) *frame.VideoFrame { return jpegFrame(16, 16, 0) })
	require.NotNil(t, out)

	ec := c.(*execCompressor)
	ec.mu.Lock()
	defer ec.mu.Unlock()
	assert.True(t, ec.fallback)
	assert.Equal(t, FallbackPixFmt, ec.pixFmt)
}

func TestExecCompressorFailure(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", `echo "Unknown encoder 'mjpeg'" >&2; exit 1`)

	c, err := New(configFor(codec.MJPG), WithFFmpegPath(ffmpeg))
	require.NoError(t, err)
	defer c.Close()

	var lastErr error
	for i := 0; i < 100 && lastErr == nil; i++ {
		_, lastErr = c.Compress(context.Background(), jpegFrame(16, 16, 0))
		time.Sleep(10 * time.Millisecond)
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrEncodeFailed)
	assert.Contains(t, lastErr.Error(), "Unknown encoder")
}

func TestExecCompressorMissingBinary(t *testing.T) {
	c, err := New(configFor(codec.MJPG), WithFFmpegPath("/nonexistent/ffmpeg"))
	require.NoError(t, err, "the encoder starts lazily")

	_, err = c.Compress(context.Background(), jpegFrame(16, 16, 0))
	assert.ErrorIs(t, err, ErrEncodeFailed)
	require.NoError(t, c.Close())
}

func TestCompressorInvalidInput(t *testing.T) {
	c, err := New(configFor(codec.MJPG), WithFFmpegPath("/nonexistent/ffmpeg"))
	require.NoError(t, err)

	compressed := frame.NewVideoFrame(frame.VideoDesc{Width: 16, Height: 16, FPS: 25, Codec: codec.H264})
	short := frame.NewVideoFrame(frame.VideoDesc{Width: 16, Height: 16, FPS: 25, Codec: codec.UYVY})
	short.Tiles[0].Data = short.Tiles[0].Data[:10]

	for name, f := range map[string]*frame.VideoFrame{"nil": nil, "compressed": compressed, "short": short} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Compress(context.Background(), f)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Compress(ctx, jpegFrame(16, 16, 0))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Compress(context.Background(), jpegFrame(16, 16, 0))
	assert.ErrorIs(t, err, ErrEncoderClosed)
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(configFor(codec.UYVY))
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	_, err = New(configFor(codec.FFV1))
	assert.ErrorIs(t, err, ErrUnsupportedCodec, "the exec backend cannot split FFV1")

	_, err = New(configFor(codec.H264), WithBackend("nope"))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	assert.Contains(t, Backends(), BackendExec)
}
