//go:build astiav

package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

func init() {
	registerBackend(BackendAstiav, newAstiavCompressor)
}

// ffQP2Lambda converts a qscale into AVCodecContext.global_quality.
const ffQP2Lambda = 118

// astiavCompressor drives libavcodec in-process.
type astiavCompressor struct {
	cfg     *codec.CompressConfig
	log     zerolog.Logger
	metrics *metrics.Metrics

	closed atomic.Bool
	mu     sync.Mutex

	ctx     *astiav.CodecContext
	scale   *astiav.SoftwareScaleContext
	src     *astiav.Frame
	dst     *astiav.Frame
	pkt     *astiav.Packet
	desc    frame.VideoDesc
	pts     int64
	pending []pendingFrame
	ready   []*frame.VideoFrame
}

func newAstiavCompressor(cfg *codec.CompressConfig, o *options) (VideoCompressor, error) {
	return &astiavCompressor{
		cfg:     cfg,
		log:     o.log,
		metrics: o.metrics,
	}, nil
}

func (c *astiavCompressor) Compress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if c.closed.Load() {
		return nil, ErrEncoderClosed
	}
	if !validFrame(f) {
		return nil, ErrInvalidFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	desc := f.Desc()
	if c.ctx != nil && !c.desc.Equal(desc) {
		c.log.Info().Stringer("from", c.desc).Stringer("to", desc).Msg("input format changed, reconfiguring encoder")
		c.free()
		c.metrics.RecordEncoderRestart()
	}
	if c.ctx == nil {
		if err := c.open(desc); err != nil {
			return nil, err
		}
	}

	if err := c.src.Data().SetBytes(f.Data(), 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	in := c.src
	if c.scale != nil {
		if err := c.scale.ScaleFrame(c.src, c.dst); err != nil {
			return nil, fmt.Errorf("%w: scale: %v", ErrEncodeFailed, err)
		}
		in = c.dst
	}
	in.SetPts(c.pts)
	c.pts++

	if err := c.ctx.SendFrame(in); err != nil {
		c.log.Error().Err(err).Msg("avcodec_send_frame failed")
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	c.pending = append(c.pending, pendingFrame{ts: f.Timestamp, at: time.Now()})
	if err := c.receive(); err != nil {
		return nil, err
	}

	if len(c.ready) == 0 {
		return nil, nil
	}
	out := c.ready[0]
	c.ready = c.ready[1:]
	return out, nil
}

func (c *astiavCompressor) receive() error {
	for {
		err := c.ctx.ReceivePacket(c.pkt)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			c.log.Error().Err(err).Msg("avcodec_receive_packet failed")
			return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
		}

		p := Packet{
			Data:     append([]byte(nil), c.pkt.Data()...),
			Keyframe: c.pkt.Flags().Has(astiav.PacketFlagKey),
		}
		c.pkt.Unref()

		var pf pendingFrame
		if len(c.pending) > 0 {
			pf = c.pending[0]
			c.pending = c.pending[1:]
		}
		if !pf.at.IsZero() {
			c.metrics.RecordCompress(c.cfg.Codec.String(), time.Since(pf.at).Seconds(), len(p.Data), p.Keyframe)
		}
		c.ready = append(c.ready, compressedFrame(c.desc, c.cfg.Codec, p, pf.ts))
	}
}

func (c *astiavCompressor) open(desc frame.VideoDesc) error {
	enc := EncoderFor(c.cfg, desc.Codec)
	if codec.IsVAAPI(enc) {
		return fmt.Errorf("%w: %s needs hardware frames, use the exec backend", ErrUnsupportedCodec, enc)
	}
	avc := astiav.FindEncoderByName(enc)
	if avc == nil {
		c.log.Error().Str("encoder", enc).Msg("encoder not found")
		return fmt.Errorf("%w: encoder %q not found", ErrUnsupportedCodec, enc)
	}

	pixFmt := OutputPixFmt(c.cfg, desc, enc)
	err := c.openCodec(avc, desc, enc, pixFmt)
	if err != nil && pixFmt != FallbackPixFmt {
		c.log.Warn().Err(err).Str("pix_fmt", pixFmt).Str("fallback", FallbackPixFmt).Msg("encoder rejected pixel format, retrying")
		c.free()
		pixFmt = FallbackPixFmt
		err = c.openCodec(avc, desc, enc, pixFmt)
	}
	if err != nil {
		c.log.Error().Err(err).Str("encoder", enc).Msg("could not open encoder")
		c.free()
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	c.log.Info().
		Str("encoder", enc).
		Str("pix_fmt", pixFmt).
		Stringer("input", desc).
		Str("options", c.cfg.String()).
		Msg("encoder opened")
	c.desc = desc
	return nil
}

func (c *astiavCompressor) openCodec(avc *astiav.Codec, desc frame.VideoDesc, enc, pixFmt string) error {
	inFmt := astiav.FindPixelFormatByName(desc.Codec.PixFmt())
	outFmt := astiav.FindPixelFormatByName(pixFmt)
	if outFmt == astiav.PixelFormatNone {
		return fmt.Errorf("unknown pixel format %q", pixFmt)
	}

	c.ctx = astiav.AllocCodecContext(avc)
	if c.ctx == nil {
		return errors.New("could not allocate codec context")
	}
	rate := astiav.NewRational(int(math.Round(desc.FPS*1000)), 1000)
	c.ctx.SetWidth(desc.Width)
	c.ctx.SetHeight(desc.Height)
	c.ctx.SetPixelFormat(outFmt)
	c.ctx.SetFramerate(rate)
	c.ctx.SetTimeBase(astiav.NewRational(rate.Den(), rate.Num()))

	dict := astiav.NewDictionary()
	defer dict.Free()
	if err := c.applyArgs(dict, EncoderArgs(c.cfg, desc, enc)); err != nil {
		return err
	}
	if err := c.ctx.Open(avc, dict); err != nil {
		return err
	}

	c.src = astiav.AllocFrame()
	c.src.SetWidth(desc.Width)
	c.src.SetHeight(desc.Height)
	c.src.SetPixelFormat(inFmt)
	if err := c.src.AllocBuffer(1); err != nil {
		return err
	}
	if inFmt != outFmt {
		c.dst = astiav.AllocFrame()
		c.dst.SetWidth(desc.Width)
		c.dst.SetHeight(desc.Height)
		c.dst.SetPixelFormat(outFmt)
		if err := c.dst.AllocBuffer(1); err != nil {
			return err
		}
		scale, err := astiav.CreateSoftwareScaleContext(
			desc.Width, desc.Height, inFmt,
			desc.Width, desc.Height, outFmt,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return err
		}
		c.scale = scale
	}
	c.pkt = astiav.AllocPacket()
	c.pts = 0
	return nil
}

// applyArgs maps "-key value" pairs onto AVOptions.
func (c *astiavCompressor) applyArgs(dict *astiav.Dictionary, args []string) error {
	for i := 0; i+1 < len(args); i += 2 {
		key := strings.TrimPrefix(args[i], "-")
		value := args[i+1]
		switch key {
		case "q:v":
			q, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: q:v=%s", ErrInvalidConfig, value)
			}
			c.ctx.SetFlags(c.ctx.Flags().Add(astiav.CodecContextFlagQscale))
			c.ctx.SetGlobalQuality(q * ffQP2Lambda)
			continue
		case "b:v":
			key = "b"
		}
		if err := dict.Set(key, value, astiav.NewDictionaryFlags()); err != nil {
			return err
		}
	}
	return nil
}

func (c *astiavCompressor) free() {
	if c.scale != nil {
		c.scale.Free()
		c.scale = nil
	}
	if c.dst != nil {
		c.dst.Free()
		c.dst = nil
	}
	if c.src != nil {
		c.src.Free()
		c.src = nil
	}
	if c.pkt != nil {
		c.pkt.Free()
		c.pkt = nil
	}
	if c.ctx != nil {
		c.ctx.Free()
		c.ctx = nil
	}
	c.pending = nil
	c.ready = nil
}

func (c *astiavCompressor) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free()
	return nil
}
