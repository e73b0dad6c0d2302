package reflector

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/decoder"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/frame"
	"github.com/thesyncim/uvkit/pkg/packetizer"
)

// passDecoder "decodes" by relabeling the compressed data as I420.
type passDecoder struct {
	closed atomic.Bool
}

func (d *passDecoder) Decompress(_ context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if d.closed.Load() {
		return nil, decoder.ErrDecoderClosed
	}
	data := append([]byte(nil), f.Data()...)
	return &frame.VideoFrame{
		VideoDesc: frame.VideoDesc{Width: 4, Height: 2, FPS: f.FPS, Codec: codec.I420, TileCount: 1},
		Tiles:     []frame.Tile{{Width: 4, Height: 2, Data: data}},
		Timestamp: f.Timestamp,
	}, nil
}

func (d *passDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

// passEncoder "compresses" by relabeling the raw data as cfg.Codec.
type passEncoder struct {
	codec  codec.Type
	closed atomic.Bool
}

func (e *passEncoder) Compress(_ context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if e.closed.Load() {
		return nil, encoder.ErrEncoderClosed
	}
	return &frame.VideoFrame{
		VideoDesc:  frame.VideoDesc{Width: f.Width, Height: f.Height, FPS: f.FPS, Codec: e.codec, TileCount: 1},
		Tiles:      []frame.Tile{{Width: f.Width, Height: f.Height, Data: f.Data()}},
		Timestamp:  f.Timestamp,
		IsKeyframe: true,
	}, nil
}

func (e *passEncoder) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeCodecs struct {
	mu       sync.Mutex
	decoders []*passDecoder
	encoders []*passEncoder
}

func (fc *fakeCodecs) options() []Option {
	return []Option{
		WithDecoderFactory(func(codec.Type) (decoder.VideoDecompressor, error) {
			fc.mu.Lock()
			defer fc.mu.Unlock()
			d := &passDecoder{}
			fc.decoders = append(fc.decoders, d)
			return d, nil
		}),
		WithEncoderFactory(func(cfg *codec.CompressConfig) (encoder.VideoCompressor, error) {
			fc.mu.Lock()
			defer fc.mu.Unlock()
			e := &passEncoder{codec: cfg.Codec}
			fc.encoders = append(fc.encoders, e)
			return e, nil
		}),
	}
}

func TestTranscodedReplica(t *testing.T) {
	var fc fakeCodecs
	r := New(listen(t), Config{InputCodec: codec.MJPG, FPS: 25}, fc.options()...)

	plain, tc := listen(t), listen(t)
	_, err := r.AddReplica(plain.LocalAddr().String(), "")
	require.NoError(t, err)
	rep, err := r.AddReplica(tc.LocalAddr().String(), "codec=MJPEG")
	require.NoError(t, err)
	assert.Contains(t, rep.Compression, "MJPEG")
	require.Len(t, fc.decoders, 1)
	require.Len(t, fc.encoders, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	src := listen(t)
	pk, err := packetizer.New(packetizer.Config{Codec: codec.MJPG, SSRC: 42})
	require.NoError(t, err)

	frames := [][]byte{bytes.Repeat([]byte{1}, 2000), bytes.Repeat([]byte{2}, 2000)}
	var tsFirst uint32
	for i, data := range frames {
		pkts, err := pk.Packetize(data, time.Duration(i)*40*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, pkts, 2)
		for _, p := range pkts {
			b, err := p.Marshal()
			require.NoError(t, err)
			_, err = src.WriteTo(b, r.Addr())
			require.NoError(t, err)

			// forwarded unchanged
			assert.Equal(t, b, read(t, plain))
		}

		var payloads [][]byte
		var got rtp.Packet
		for !got.Marker {
			require.NoError(t, got.Unmarshal(read(t, tc)))
			payloads = append(payloads, append([]byte(nil), got.Payload...))
		}
		assert.NotEqual(t, uint32(42), got.SSRC, "compressed replicas get their own stream")
		out, ok := packetizer.Reassemble(payloads)
		require.True(t, ok)
		assert.Equal(t, data, out)
		if i == 0 {
			tsFirst = got.Timestamp
		} else {
			assert.Equal(t, uint32(3600), got.Timestamp-tsFirst)
		}
	}

	require.NoError(t, r.RemoveReplica(rep.ID))
	assert.True(t, fc.encoders[0].closed.Load())

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, fc.decoders[0].closed.Load())
}

func TestTranscodedReplicaErrors(t *testing.T) {
	var fc fakeCodecs
	r := New(listen(t), Config{}, fc.options()...)
	defer r.Close()

	_, err := r.AddReplica("127.0.0.1:7000", "codec=nope")
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)

	_, err = r.AddReplica("127.0.0.1:7000", "codec=H.264:bitrate=2M")
	require.NoError(t, err)
	_, err = r.AddReplica("127.0.0.1:7001", "codec=VP9")
	require.NoError(t, err)
	assert.Len(t, fc.decoders, 1, "one decoder serves every compressed replica")

	raw := New(listen(t), Config{InputCodec: codec.UYVY}, fc.options()...)
	defer raw.Close()
	_, err = raw.AddReplica("127.0.0.1:7000", "codec=H.264")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	failing := New(listen(t), Config{}, WithDecoderFactory(func(codec.Type) (decoder.VideoDecompressor, error) {
		return nil, errors.New("no decoder")
	}))
	defer failing.Close()
	_, err = failing.AddReplica("127.0.0.1:7000", "codec=H.264")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = failing.AddReplica("127.0.0.1:7000", "")
	assert.NoError(t, err, "forwarding replicas need no decoder")
}

func TestRTPClock(t *testing.T) {
	tests := []struct {
		name string
		ts   []uint32
		want []time.Duration
	}{
		{"steady", []uint32{1000, 4600, 8200}, []time.Duration{0, 40 * time.Millisecond, 80 * time.Millisecond}},
		{"wrap", []uint32{0xffffff00, 0xffffff00 + 3600 - 1<<32, 0xffffff00 + 7200 - 1<<32}, []time.Duration{0, 40 * time.Millisecond, 80 * time.Millisecond}},
		{"reordered", []uint32{90000, 180000, 90000 + 3600}, []time.Duration{0, time.Second, 40 * time.Millisecond}},
		{"before start", []uint32{90000, 0}, []time.Duration{0, 0}},
		// five hour steps, wrapping after about 13 hours
		{"hours", []uint32{0, 1620000000, 3240000000, 565032704}, []time.Duration{0, 5 * time.Hour, 10 * time.Hour, 15 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c rtpClock
			for i, ts := range tt.ts {
				assert.Equal(t, tt.want[i], c.unwrap(ts))
			}
		})
	}
}
