//go:build astiav

package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/frame"
)

func init() {
	registerBackend(BackendAstiav, newAstiavDecompressor)
}

// astiavDecompressor drives libavcodec in-process.
type astiavDecompressor struct {
	codec   codec.Type
	log     zerolog.Logger
	metrics *metrics.Metrics

	closed atomic.Bool
	mu     sync.Mutex

	ctx     *astiav.CodecContext
	pkt     *astiav.Packet
	src     *astiav.Frame
	dst     *astiav.Frame
	scale   *astiav.SoftwareScaleContext
	fps     float64
	pending []time.Duration
	ready   []*frame.VideoFrame
}

func newAstiavDecompressor(t codec.Type, o *options) (VideoDecompressor, error) {
	return &astiavDecompressor{
		codec:   t,
		log:     o.log,
		metrics: o.metrics,
	}, nil
}

func (d *astiavDecompressor) Decompress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if d.closed.Load() {
		return nil, ErrDecoderClosed
	}
	if !validFrame(d.codec, f) {
		return nil, ErrInvalidFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data := f.Data()
	if d.ctx == nil {
		if !f.IsKeyframe && !encoder.IsKeyframe(d.codec, data) {
			d.metrics.RecordFrameDropped("decompress")
			return nil, nil
		}
		if err := d.open(); err != nil {
			return nil, err
		}
	}
	d.fps = f.FPS

	if err := d.pkt.FromData(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	err := d.ctx.SendPacket(d.pkt)
	d.pkt.Unref()
	if err != nil && !errors.Is(err, astiav.ErrEagain) {
		d.log.Error().Err(err).Msg("avcodec_send_packet failed")
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	d.pending = append(d.pending, f.Timestamp)
	if err := d.receive(); err != nil {
		return nil, err
	}

	if len(d.ready) == 0 {
		return nil, nil
	}
	out := d.ready[0]
	d.ready = d.ready[1:]
	return out, nil
}

func (d *astiavDecompressor) open() error {
	avc := astiav.FindDecoderByName(d.codec.FFmpegCodec())
	if avc == nil {
		return fmt.Errorf("%w: decoder %q not found", ErrUnsupportedCodec, d.codec.FFmpegCodec())
	}
	d.ctx = astiav.AllocCodecContext(avc)
	if d.ctx == nil {
		return fmt.Errorf("%w: could not allocate codec context", ErrDecodeFailed)
	}
	if err := d.ctx.Open(avc, nil); err != nil {
		d.free()
		d.log.Error().Err(err).Msg("could not open decoder")
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	d.pkt = astiav.AllocPacket()
	d.src = astiav.AllocFrame()
	d.log.Info().Str("decoder", avc.Name()).Msg("decoder opened")
	return nil
}

func (d *astiavDecompressor) receive() error {
	for {
		err := d.ctx.ReceiveFrame(d.src)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			d.log.Error().Err(err).Msg("avcodec_receive_frame failed")
			return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}

		data, err := d.toI420()
		w, h := d.src.Width(), d.src.Height()
		d.src.Unref()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}

		var ts time.Duration
		if len(d.pending) > 0 {
			ts = d.pending[0]
			d.pending = d.pending[1:]
		}
		d.ready = append(d.ready, rawFrame(w, h, d.fps, data, ts))
	}
}

// toI420 copies the decoded picture, converting it when the decoder
// outputs another pixel format.
func (d *astiavDecompressor) toI420() ([]byte, error) {
	if d.src.PixelFormat() == astiav.PixelFormatYuv420P {
		return d.src.Data().Bytes(1)
	}
	w, h := d.src.Width(), d.src.Height()
	if d.dst == nil || d.dst.Width() != w || d.dst.Height() != h {
		d.freeScale()
		d.dst = astiav.AllocFrame()
		d.dst.SetWidth(w)
		d.dst.SetHeight(h)
		d.dst.SetPixelFormat(astiav.PixelFormatYuv420P)
		if err := d.dst.AllocBuffer(1); err != nil {
			return nil, err
		}
		scale, err := astiav.CreateSoftwareScaleContext(
			w, h, d.src.PixelFormat(),
			w, h, astiav.PixelFormatYuv420P,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, err
		}
		d.scale = scale
	}
	if err := d.scale.ScaleFrame(d.src, d.dst); err != nil {
		return nil, err
	}
	return d.dst.Data().Bytes(1)
}

func (d *astiavDecompressor) freeScale() {
	if d.scale != nil {
		d.scale.Free()
		d.scale = nil
	}
	if d.dst != nil {
		d.dst.Free()
		d.dst = nil
	}
}

func (d *astiavDecompressor) free() {
	d.freeScale()
	if d.src != nil {
		d.src.Free()
		d.src = nil
	}
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	d.pending = nil
	d.ready = nil
}

func (d *astiavDecompressor) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free()
	return nil
}
