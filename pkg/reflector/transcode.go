package reflector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/decoder"
	"github.com/thesyncim/uvkit/pkg/depacketizer"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/frame"
	"github.com/thesyncim/uvkit/pkg/packetizer"
)

// transcodeQueue is the number of datagrams buffered for decoding.
const transcodeQueue = 1024

// transcoder decodes the incoming RTP video once and hands every picture
// to the compressed replicas.
type transcoder struct {
	r     *Reflector
	log   zerolog.Logger
	queue chan []byte

	mu     sync.Mutex
	depack depacketizer.Depacketizer
	dec    decoder.VideoDecompressor
	clock  rtpClock
}

func newTranscoder(r *Reflector) *transcoder {
	return &transcoder{
		r:     r,
		log:   r.log.With().Str("input", r.cfg.InputCodec.String()).Logger(),
		queue: make(chan []byte, transcodeQueue),
	}
}

// ensureTranscoderLocked opens the depacketizer and decoder of the
// incoming video. r.mu must be held.
func (r *Reflector) ensureTranscoderLocked() error {
	if r.tx == nil {
		r.tx = newTranscoder(r)
	}
	return r.tx.open()
}

func (t *transcoder) open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dec != nil {
		return nil
	}
	in := t.r.cfg.InputCodec
	depack, err := depacketizer.New(in, depacketizer.WithLogger(t.r.log), depacketizer.WithMetrics(t.r.metrics))
	if err != nil {
		return fmt.Errorf("%w: input codec: %v", ErrInvalidConfig, err)
	}
	dec, err := t.r.newDecoder(in)
	if err != nil {
		_ = depack.Close()
		return fmt.Errorf("%w: input codec: %v", ErrInvalidConfig, err)
	}
	t.depack, t.dec = depack, dec
	t.log.Info().Float64("fps", t.r.cfg.FPS).Msg("transcoding enabled")
	return nil
}

// push queues a copy of pkt, dropping it when decoding falls behind.
func (t *transcoder) push(pkt []byte) {
	select {
	case t.queue <- append([]byte(nil), pkt...):
	default:
		t.r.metrics.RecordReflectorDropped()
		t.log.Debug().Int("size", len(pkt)).Msg("transcode queue full, datagram dropped")
	}
}

func (t *transcoder) run(ctx context.Context) {
	for pkt := range t.queue {
		pictures := t.decode(ctx, pkt)
		if len(pictures) == 0 {
			continue
		}
		outs := t.r.outputs()
		for _, f := range pictures {
			for _, o := range outs {
				o.send(ctx, t.r, f)
			}
		}
	}
}

func (t *transcoder) decode(ctx context.Context, pkt []byte) []*frame.VideoFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dec == nil {
		return nil
	}
	if err := t.depack.Push(pkt); err != nil {
		t.log.Debug().Err(err).Msg("not an RTP packet")
		return nil
	}

	var out []*frame.VideoFrame
	for {
		data, info, err := t.depack.Pop()
		if err != nil {
			return out
		}
		in := &frame.VideoFrame{
			VideoDesc:  frame.VideoDesc{FPS: t.r.cfg.FPS, Codec: t.r.cfg.InputCodec, TileCount: 1},
			Tiles:      []frame.Tile{{Data: data}},
			Timestamp:  t.clock.unwrap(info.Timestamp),
			IsKeyframe: info.IsKeyframe,
		}
		raw, err := t.dec.Decompress(ctx, in)
		if err != nil {
			t.log.Warn().Err(err).Msg("decompress failed")
			continue
		}
		if raw != nil {
			out = append(out, raw)
		}
	}
}

func (t *transcoder) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.depack != nil {
		_ = t.depack.Close()
	}
	if t.dec != nil {
		_ = t.dec.Close()
	}
}

// output compresses and packetizes pictures for one replica.
type output struct {
	enc  encoder.VideoCompressor
	pk   packetizer.Packetizer
	addr *net.UDPAddr
	log  zerolog.Logger
}

func (r *Reflector) newOutput(cfg *codec.CompressConfig, addr *net.UDPAddr) (*output, error) {
	if !cfg.Codec.IsCompressed() {
		return nil, fmt.Errorf("%w: %s is not a compressed codec", ErrInvalidConfig, cfg.Codec)
	}
	enc, err := r.newEncoder(cfg)
	if err != nil {
		return nil, err
	}
	pk, err := packetizer.New(packetizer.Config{Codec: cfg.Codec, SSRC: rand.Uint32(), MTU: r.cfg.MTU})
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &output{
		enc:  enc,
		pk:   pk,
		addr: addr,
		log:  r.log.With().Str("replica", addr.String()).Str("codec", cfg.Codec.String()).Logger(),
	}, nil
}

// outputs returns the compressed replicas.
func (r *Reflector) outputs() []*output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*output
	for _, rep := range r.replicas {
		if rep.out != nil {
			out = append(out, rep.out)
		}
	}
	return out
}

func (o *output) send(ctx context.Context, r *Reflector, f *frame.VideoFrame) {
	c, err := o.enc.Compress(ctx, f)
	if err != nil {
		o.log.Debug().Err(err).Msg("compress failed")
		return
	}
	if c == nil {
		return
	}
	pkts, err := o.pk.Packetize(c.Data(), c.Timestamp)
	if err != nil {
		o.log.Debug().Err(err).Msg("packetize failed")
		return
	}
	for _, p := range pkts {
		b, err := p.Marshal()
		if err != nil {
			continue
		}
		if _, err := r.conn.WriteTo(b, o.addr); err != nil {
			o.log.Debug().Err(err).Msg("send failed")
			continue
		}
		r.metrics.RecordRTP("video", len(b))
	}
}

func (o *output) close() {
	_ = o.enc.Close()
	_ = o.pk.Close()
}

// rtpClock extends 32-bit 90 kHz RTP timestamps into a stream time
// starting at zero.
type rtpClock struct {
	set   bool
	last  uint32
	ticks int64
}

func (c *rtpClock) unwrap(ts uint32) time.Duration {
	if !c.set {
		c.set = true
		c.last = ts
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	if c.ticks < 0 {
		c.ticks = 0
	}
	const rate = 90000
	return time.Duration(c.ticks/rate)*time.Second + time.Duration(c.ticks%rate)*time.Second/rate
}
