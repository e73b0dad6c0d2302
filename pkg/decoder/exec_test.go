package decoder

import (
	"bytes"
	"context"
	"fmt"
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

// y4mFrame returns an MJPEG frame whose bytes continue a YUV4MPEG2 stream,
// so a pass-through "decoder" emits a readable picture. The first frame of
// a stream carries the header.
func y4mFrame(width, height int, first bool, fill byte, ts time.Duration) *frame.VideoFrame {
	var b bytes.Buffer
	if first {
		fmt.Fprintf(&b, "YUV4MPEG2 W%d H%d F25:1 Ip A1:1 C420jpeg XYSCSS=420JPEG\n", width, height)
	}
	b.WriteString("FRAME\n")
	b.Write(bytes.Repeat([]byte{fill}, codec.I420.FrameSize(width, height)))
	return &frame.VideoFrame{
		VideoDesc: frame.VideoDesc{Width: width, Height: height, FPS: 25, Codec: codec.MJPG, TileCount: 1},
		Tiles:     []frame.Tile{{Width: width, Height: height, Data: b.Bytes()}},
		Timestamp: ts,
	}
}

// decompressUntil feeds frames until the decompressor emits one.
func decompressUntil(t *testing.T, d VideoDecompressor, mk func(i int) *frame.VideoFrame) *frame.VideoFrame {
	t.Helper()
	for i := 0; i < 200; i++ {
		out, err := d.Decompress(context.Background(), mk(i))
		require.NoError(t, err)
		if out != nil {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("decompressor produced no output")
	return nil
}

func TestExecDecompressor(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", "exec cat")
	d, err := New(codec.MJPG, WithFFmpegPath(ffmpeg))
	require.NoError(t, err)
	defer d.Close()

	out := decompressUntil(t, d, func(i int) *frame.VideoFrame {
		return y4mFrame(4, 2, i == 0, byte(i+1), time.Duration(i)*40*time.Millisecond)
	})
	assert.Equal(t, OutputCodec, out.Codec)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, 2, out.Height)
	assert.Equal(t, 25.0, out.FPS)
	assert.Equal(t, time.Duration(0), out.Timestamp, "first output carries the first input's timestamp")
	assert.Equal(t, bytes.Repeat([]byte{1}, 12), out.Data())

	// a new size restarts the decoder
	first := true
	out = decompressUntil(t, d, func(int) *frame.VideoFrame {
		f := y4mFrame(2, 2, first, 9, time.Second)
		first = false
		return f
	})
	assert.Equal(t, 2, out.Width)
	assert.Equal(t, bytes.Repeat([]byte{9}, 6), out.Data())
	assert.Equal(t, time.Second, out.Timestamp)
}

func TestExecDecompressorWaitsForKeyframe(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", "exec cat")
	m := metrics.New()
	d, err := New(codec.H264, WithFFmpegPath(ffmpeg), WithMetrics(m))
	require.NoError(t, err)
	defer d.Close()

	inter := &frame.VideoFrame{
		VideoDesc: frame.VideoDesc{Width: 4, Height: 2, Codec: codec.H264, TileCount: 1},
		Tiles:     []frame.Tile{{Width: 4, Height: 2, Data: []byte{0, 0, 0, 1, 0x41, 0x9a}}},
	}
	for range 3 {
		out, err := d.Decompress(context.Background(), inter)
		require.NoError(t, err)
		assert.Nil(t, out)
	}
	assert.Nil(t, d.(*execDecompressor).proc, "no decoder before a keyframe")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("decompress")))
}

func TestExecDecompressorExit(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", `echo "pipe:0: Invalid data found when processing input" >&2
exit 1`)
	d, err := New(codec.MJPG, WithFFmpegPath(ffmpeg))
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 200; i++ {
		_, err = d.Decompress(context.Background(), y4mFrame(4, 2, true, 0, 0))
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.ErrorIs(t, err, ErrDecodeFailed)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Nil(t, d.(*execDecompressor).proc)
}

func TestExecDecompressorErrors(t *testing.T) {
	ffmpeg := tu.FakeBinary(t, "ffmpeg", "exec cat")
	d, err := New(codec.MJPG, WithFFmpegPath(ffmpeg))
	require.NoError(t, err)

	_, err = d.Decompress(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)
	_, err = d.Decompress(context.Background(), tu.CreateTestVideoFrame(4, 2))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decompress(ctx, y4mFrame(4, 2, true, 0, 0))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err = d.Decompress(context.Background(), y4mFrame(4, 2, true, 0, 0))
	assert.ErrorIs(t, err, ErrDecoderClosed)
}
