package hdstation

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

const testMode = 4 // 176x144

func grab(t *testing.T, d *Device, timeout time.Duration) (*frame.VideoFrame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	f, a, err := d.Grab(ctx)
	assert.Nil(t, a)
	return f, err
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		in      string
		want    Config
		wantErr bool
	}{
		{in: "0:8", want: Config{Mode: 0, ColorDepth: 8, BytesPerPixel: 2}},
		{in: "3:10", want: Config{Mode: 3, ColorDepth: 10, BytesPerPixel: 3}},
		{in: "3:12", wantErr: true},
		{in: "3", wantErr: true},
		{in: "x:8", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConfig(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, capture.ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDoubleBuffer(t *testing.T) {
	board := NewTestBoard()
	board.Period = time.Millisecond
	d, err := New(board, Config{Mode: testMode, ColorDepth: 8, BytesPerPixel: 2}, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 176, d.Config().Width)
	assert.Equal(t, 144, d.Config().Height)
	assert.Equal(t, 100.0, d.Config().FPS)

	first, err := grab(t, d, time.Second)
	require.NoError(t, err)
	second, err := grab(t, d, time.Second)
	require.NoError(t, err)

	assert.Equal(t, codec.UYVY, first.Codec)
	assert.Len(t, first.Data(), 176*144*2)
	assert.NotEqual(t, first.Data()[0], second.Data()[0], "each buffer holds a different frame")
	assert.NotSame(t, &first.Data()[0], &second.Data()[0])

	// both buffers are held by the reader, so the producer cannot fill
	_, err = grab(t, d, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	firstBuf := &first.Data()[0]
	first.Release()
	third, err := grab(t, d, time.Second)
	require.NoError(t, err)
	assert.Same(t, firstBuf, &third.Data()[0], "the released buffer is reused")

	second.Release()
	third.Release()
}

func TestTenBit(t *testing.T) {
	board := NewTestBoard()
	board.Period = time.Millisecond
	d, err := New(board, Config{Mode: testMode, ColorDepth: 10, BytesPerPixel: 3}, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	f, err := grab(t, d, time.Second)
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, codec.V210, f.Codec)
	assert.Len(t, f.Data(), codec.V210.FrameSize(176, 144))
	assert.Equal(t, 176*144*3, d.Config().BufferSize())
}

func TestFillErrorsAreSkipped(t *testing.T) {
	board := NewTestBoard()
	board.Period = time.Millisecond
	var failures atomic.Int32
	board.FillErr = func() error {
		if failures.Add(1) <= 3 {
			return errors.New("dma timeout")
		}
		return nil
	}
	d, err := New(board, Config{Mode: testMode, ColorDepth: 8, BytesPerPixel: 2}, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	f, err := grab(t, d, time.Second)
	require.NoError(t, err)
	f.Release()
	assert.GreaterOrEqual(t, failures.Load(), int32(4))
}

func TestClose(t *testing.T) {
	board := NewTestBoard()
	board.Period = time.Millisecond
	d, err := New(board, Config{Mode: testMode, ColorDepth: 8, BytesPerPixel: 2}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err = grab(t, d, time.Second)
	assert.ErrorIs(t, err, capture.ErrDeviceClosed)
	assert.True(t, board.closed.Load())
}

func TestNewErrors(t *testing.T) {
	_, err := New(NewTestBoard(), Config{Mode: 99, ColorDepth: 8, BytesPerPixel: 2}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoSuchMode)

	board := NewTestBoard()
	require.NoError(t, board.Close())
	_, err = New(board, Config{Mode: 0, ColorDepth: 8, BytesPerPixel: 2}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrBoardClosed)
}

func TestDriver(t *testing.T) {
	dev, err := capture.Open("hdstation:4:8", capture.Params{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, _, err := dev.Grab(ctx)
	require.NoError(t, err)
	assert.Equal(t, 176, f.Width)
	f.Release()
	require.NoError(t, dev.Close())

	var help bytes.Buffer
	_, err = capture.Open("hdstation:help", capture.Params{Help: &help})
	assert.ErrorIs(t, err, capture.ErrHelpShown)
	assert.Contains(t, help.String(), "mode:0  SMPTE274_25I")

	_, err = capture.Open("hdstation:0:12", capture.Params{})
	assert.ErrorIs(t, err, capture.ErrInvalidOptions)
}
