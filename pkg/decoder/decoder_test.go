package decoder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/encoder"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		codec codec.Type
		input string
	}{
		{codec.H264, "h264"},
		{codec.H265, "hevc"},
		{codec.VP8, "ivf"},
		{codec.VP9, "ivf"},
		{codec.AV1, "ivf"},
		{codec.MJPG, "mjpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			args, err := BuildArgs(tt.codec)
			require.NoError(t, err)
			assert.Contains(t, args, tt.input)
			assert.Equal(t, []string{"-i", "pipe:0"}, args[indexOf(args, "-i"):indexOf(args, "-i")+2])
			assert.Equal(t, []string{"-pix_fmt", "yuv420p", "-f", "yuv4mpegpipe", "pipe:1"}, args[len(args)-5:])
		})
	}

	_, err := BuildArgs(codec.ProRes)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func TestNewErrors(t *testing.T) {
	_, err := New(codec.UYVY)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	_, err = New(codec.H264, WithBackend("nope"))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	assert.Contains(t, Backends(), BackendExec)
}

func TestIVFWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &ivfWriter{w: &buf}
	require.NoError(t, w.writeHeader(codec.VP9, 640, 360, 29.97))
	frames := [][]byte{{0x82, 0x49, 0x83}, {0x86, 0x00}}
	for _, f := range frames {
		require.NoError(t, w.writeFrame(f))
	}

	r := encoder.NewIVFReader(&buf, codec.VP9)
	for i, want := range frames {
		p, err := r.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, want, p.Data)
		assert.Equal(t, i == 0, p.Keyframe)
	}
	assert.Equal(t, "VP90", r.FourCC)
	assert.Equal(t, 640, r.Width)
	assert.Equal(t, 360, r.Height)
}
