// Package packetizer splits compressed video and PCM audio into RTP packets
// using pion/rtp payloaders.
package packetizer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Errors
var (
	ErrPacketizerClosed = errors.New("packetizer is closed")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidConfig    = errors.New("invalid packetizer configuration")
)

// Defaults
const (
	DefaultMTU     = 1200
	DefaultVideoPT = 96
	DefaultAudioPT = 97

	// FragmentHeaderSize is the size of the FragmentPayloader header.
	FragmentHeaderSize = 8

	rtpHeaderSize = 12
)

// Config configures an RTP packetizer.
type Config struct {
	Codec       codec.Type
	SSRC        uint32
	PayloadType uint8
	MTU         uint16 // Maximum transmission unit (typically 1200)
	ClockRate   uint32 // RTP clock rate (90000 for video, the sample rate for L16)
}

// Packetizer converts frames into RTP packets.
type Packetizer interface {
	// Packetize splits one frame into packets carrying the RTP timestamp
	// of ts. The last packet has the marker bit set.
	Packetize(data []byte, ts time.Duration) ([]*rtp.Packet, error)

	// MaxPacketSize returns the maximum size of a single RTP packet.
	MaxPacketSize() int

	// SequenceNumber returns the sequence number of the last packet.
	SequenceNumber() uint16

	// Close releases resources.
	Close() error
}

type packetizer struct {
	config    Config
	rtp       rtp.Packetizer
	base      uint32
	baseSet   bool
	lastSeq   uint16
	closed    atomic.Bool
	mu        sync.Mutex
	transform func([]byte) []byte
	// sampleBytes is the size of one PCM sample frame; packets of an
	// audio frame advance the timestamp by the samples before them.
	sampleBytes int
}

// New creates a video packetizer. H.264, H.265, VP8, VP9 and AV1 use their
// RTP payload formats; other codecs are fragmented with FragmentPayloader.
func New(cfg Config) (Packetizer, error) {
	if !cfg.Codec.IsCompressed() {
		return nil, fmt.Errorf("%w: %s is not a compressed codec", ErrInvalidConfig, cfg.Codec)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultVideoPT
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = cfg.Codec.ClockRate()
	}
	return newPacketizer(cfg, payloaderFor(cfg.Codec), nil)
}

// NewL16 creates a packetizer for linear 16-bit big-endian PCM. Input
// frames use desc's little-endian sample width and are converted.
func NewL16(cfg Config, desc frame.AudioDesc) (Packetizer, error) {
	if !desc.Valid() {
		return nil, fmt.Errorf("%w: audio %s", ErrInvalidConfig, desc)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultAudioPT
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = uint32(desc.SampleRate)
	}
	payloader := &L16Payloader{Channels: desc.Channels}
	toL16 := func(in []byte) []byte {
		out := make([]byte, len(in)/desc.BPS*2)
		n := frame.ChangeBPS(out, 2, in, desc.BPS)
		out = out[:n]
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
		return out
	}
	pk, err := newPacketizer(cfg, payloader, toL16)
	if err != nil {
		return nil, err
	}
	pk.(*packetizer).sampleBytes = 2 * desc.Channels
	return pk, nil
}

func newPacketizer(cfg Config, payloader rtp.Payloader, transform func([]byte) []byte) (Packetizer, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if int(cfg.MTU) <= rtpHeaderSize+FragmentHeaderSize {
		return nil, fmt.Errorf("%w: MTU %d", ErrInvalidConfig, cfg.MTU)
	}

	p := &packetizer{config: cfg, transform: transform}
	p.rtp = rtp.NewPacketizerWithOptions(
		cfg.MTU,
		payloader,
		rtp.NewRandomSequencer(),
		cfg.ClockRate,
		rtp.WithSSRC(cfg.SSRC),
		rtp.WithPayloadType(cfg.PayloadType),
	)
	return p, nil
}

func payloaderFor(t codec.Type) rtp.Payloader {
	switch t {
	case codec.H264:
		return &codecs.H264Payloader{}
	case codec.H265:
		return &codecs.H265Payloader{}
	case codec.VP8:
		return &codecs.VP8Payloader{EnablePictureID: true}
	case codec.VP9:
		return &codecs.VP9Payloader{}
	case codec.AV1:
		return &codecs.AV1Payloader{}
	default:
		return &FragmentPayloader{}
	}
}

func (p *packetizer) Packetize(data []byte, ts time.Duration) ([]*rtp.Packet, error) {
	if p.closed.Load() {
		return nil, ErrPacketizerClosed
	}
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transform != nil {
		data = p.transform(data)
	}
	packets := p.rtp.Packetize(data, 0)
	if len(packets) == 0 {
		return nil, ErrInvalidData
	}

	// the pion packetizer keeps its random initial timestamp since no
	// samples are ever added; use it as the stream origin
	if !p.baseSet {
		p.base = packets[0].Timestamp
		p.baseSet = true
	}
	rtpTS := p.base + MediaTimestamp(ts, p.config.ClockRate)
	var samples uint32
	for _, pkt := range packets {
		pkt.Timestamp = rtpTS + samples
		if p.sampleBytes > 0 {
			samples += uint32(len(pkt.Payload) / p.sampleBytes)
		}
	}
	p.lastSeq = packets[len(packets)-1].SequenceNumber
	return packets, nil
}

// MediaTimestamp converts a stream time into RTP clock units.
func MediaTimestamp(ts time.Duration, clockRate uint32) uint32 {
	if ts < 0 {
		return 0
	}
	sec := int64(ts / time.Second)
	rem := int64(ts % time.Second)
	return uint32(sec*int64(clockRate) + rem*int64(clockRate)/int64(time.Second))
}

func (p *packetizer) MaxPacketSize() int {
	return int(p.config.MTU)
}

func (p *packetizer) SequenceNumber() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}

func (p *packetizer) Close() error {
	p.closed.Store(true)
	return nil
}

// FragmentPayloader splits a frame into MTU-sized fragments for codecs
// without an RTP payload format. Each fragment starts with an 8-byte
// header: the big-endian offset of the fragment in the frame and the
// frame length.
type FragmentPayloader struct{}

// Payload implements rtp.Payloader.
func (f *FragmentPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	chunk := int(mtu) - FragmentHeaderSize
	if chunk <= 0 || len(payload) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(payload)+chunk-1)/chunk)
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		pkt := make([]byte, FragmentHeaderSize+end-off)
		binary.BigEndian.PutUint32(pkt[0:4], uint32(off))
		binary.BigEndian.PutUint32(pkt[4:8], uint32(len(payload)))
		copy(pkt[FragmentHeaderSize:], payload[off:end])
		out = append(out, pkt)
	}
	return out
}

// Reassemble rebuilds a frame from FragmentPayloader payloads. It reports
// false if fragments are missing.
func Reassemble(payloads [][]byte) ([]byte, bool) {
	if len(payloads) == 0 || len(payloads[0]) < FragmentHeaderSize {
		return nil, false
	}
	total := int(binary.BigEndian.Uint32(payloads[0][4:8]))
	buf := make([]byte, total)
	got := 0
	for _, p := range payloads {
		if len(p) < FragmentHeaderSize {
			return nil, false
		}
		off := int(binary.BigEndian.Uint32(p[0:4]))
		n := copy(buf[min(off, total):], p[FragmentHeaderSize:])
		got += n
	}
	return buf, got == total
}

// L16Payloader splits big-endian PCM on sample-frame boundaries.
type L16Payloader struct {
	Channels int
}

// Payload implements rtp.Payloader.
func (l *L16Payloader) Payload(mtu uint16, payload []byte) [][]byte {
	frameBytes := 2 * max(l.Channels, 1)
	chunk := int(mtu) / frameBytes * frameBytes
	if chunk <= 0 || len(payload) == 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		out = append(out, append([]byte(nil), payload[off:end]...))
	}
	return out
}
