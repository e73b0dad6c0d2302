// Package depacketizer reassembles RTP packets into compressed frames
// using pion/rtp depacketizers.
package depacketizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/packetizer"
)

// Errors
var (
	ErrDepacketizerClosed = errors.New("depacketizer is closed")
	ErrNeedMoreData       = errors.New("need more data")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrInvalidPacket      = errors.New("invalid RTP packet")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
)

// Defaults
const (
	// DefaultMaxPackets bounds the packets buffered for one frame.
	DefaultMaxPackets = 4096
	// DefaultQueueSize is the number of complete frames kept until popped.
	DefaultQueueSize = 8

	// Older timestamps are late packets, anything further back is a
	// restarted stream. Ten seconds at 90 kHz.
	maxLateness = 10 * 90000
)

// FrameInfo contains metadata about a reassembled frame.
type FrameInfo struct {
	Size       int
	Timestamp  uint32
	IsKeyframe bool
}

// Depacketizer reassembles RTP packets into complete frames.
type Depacketizer interface {
	// Push adds an RTP packet to the reassembly buffer. The packet is
	// copied.
	Push(packet []byte) error

	// PopInto copies the oldest complete frame into dst. It returns
	// ErrNeedMoreData if no frame is complete and ErrBufferTooSmall,
	// keeping the frame, if dst cannot hold it.
	PopInto(dst []byte) (FrameInfo, error)

	// Pop returns the oldest complete frame in a new buffer.
	Pop() ([]byte, FrameInfo, error)

	// Close releases resources.
	Close() error
}

type options struct {
	log        zerolog.Logger
	metrics    *metrics.Metrics
	maxPackets int
	queueSize  int
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. Depacketizers log under module "depacketizer".
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics counts discarded frames under stage "depacketize".
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithQueueSize sets how many complete frames are kept. The oldest frame
// is dropped when the queue is full.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithMaxPackets bounds the packets of a single frame.
func WithMaxPackets(n int) Option {
	return func(o *options) { o.maxPackets = n }
}

type readyFrame struct {
	data []byte
	info FrameInfo
}

type depacketizer struct {
	codecType codec.Type
	log       zerolog.Logger
	metrics   *metrics.Metrics
	opts      options

	mu      sync.Mutex
	closed  atomic.Bool
	pkts    []*rtp.Packet
	ts      uint32
	active  bool
	marker  bool
	done    bool // current timestamp already emitted or discarded
	ready   []readyFrame
	dropped uint64
}

// New creates a depacketizer for t. H.264, H.265, VP8, VP9 and AV1 use
// their RTP payload formats; other compressed codecs expect the fragments
// of packetizer.FragmentPayloader.
func New(t codec.Type, opts ...Option) (Depacketizer, error) {
	if !t.IsCompressed() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, t)
	}
	o := options{
		log:        zerolog.Nop(),
		maxPackets: DefaultMaxPackets,
		queueSize:  DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	if o.maxPackets <= 0 {
		o.maxPackets = DefaultMaxPackets
	}
	return &depacketizer{
		codecType: t,
		log:       o.log.With().Str("module", "depacketizer").Str("codec", t.String()).Logger(),
		metrics:   o.metrics,
		opts:      o,
	}, nil
}

func (d *depacketizer) Push(packet []byte) error {
	if d.closed.Load() {
		return ErrDepacketizerClosed
	}
	if len(packet) == 0 {
		return nil
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	// Unmarshal aliases the input
	pkt.Payload = append([]byte(nil), pkt.Payload...)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrDepacketizerClosed
	}

	if !d.active || pkt.Timestamp != d.ts {
		if delta := int32(pkt.Timestamp - d.ts); d.active && delta < 0 && delta > -maxLateness {
			// late packet of a frame already emitted or discarded
			return nil
		}
		if d.active && !d.done {
			d.drop("incomplete")
		}
		d.ts = pkt.Timestamp
		d.active = true
		d.done = false
		d.marker = false
		d.pkts = d.pkts[:0]
	}
	if d.done {
		return nil
	}
	for _, p := range d.pkts {
		if p.SequenceNumber == pkt.SequenceNumber {
			return nil
		}
	}
	if len(d.pkts) >= d.opts.maxPackets {
		d.drop("too many packets")
		d.done = true
		return nil
	}
	d.pkts = append(d.pkts, &pkt)
	if pkt.Marker {
		d.marker = true
	}
	if d.marker {
		d.tryComplete()
	}
	return nil
}

// tryComplete emits the current frame once its packets form a contiguous
// run from a partition head to the marker.
func (d *depacketizer) tryComplete() {
	sort.Slice(d.pkts, func(i, j int) bool {
		return int16(d.pkts[i].SequenceNumber-d.pkts[j].SequenceNumber) < 0
	})
	for i := 1; i < len(d.pkts); i++ {
		if d.pkts[i].SequenceNumber != d.pkts[i-1].SequenceNumber+1 {
			return
		}
	}
	if !d.pkts[len(d.pkts)-1].Marker {
		return
	}
	if !d.isHead(d.pkts[0].Payload) {
		return
	}

	data, err := d.assemble()
	d.done = true
	if err != nil {
		d.log.Debug().Err(err).Uint32("timestamp", d.ts).Msg("cannot assemble frame")
		d.drop("assemble")
		return
	}
	if len(d.ready) >= d.opts.queueSize {
		d.ready = d.ready[1:]
		d.drop("queue full")
	}
	d.ready = append(d.ready, readyFrame{
		data: data,
		info: FrameInfo{
			Size:       len(data),
			Timestamp:  d.ts,
			IsKeyframe: encoder.IsKeyframe(d.codecType, data),
		},
	})
}

func (d *depacketizer) drop(reason string) {
	d.dropped++
	d.metrics.RecordFrameDropped("depacketize")
	d.log.Debug().Str("reason", reason).Uint32("timestamp", d.ts).Msg("frame dropped")
}

func (d *depacketizer) isHead(payload []byte) bool {
	if dp := rtpDepacketizer(d.codecType); dp != nil {
		return dp.IsPartitionHead(payload)
	}
	return len(payload) >= packetizer.FragmentHeaderSize &&
		payload[0]|payload[1]|payload[2]|payload[3] == 0
}

func (d *depacketizer) assemble() ([]byte, error) {
	dp := rtpDepacketizer(d.codecType)
	if dp == nil {
		payloads := make([][]byte, len(d.pkts))
		for i, p := range d.pkts {
			payloads[i] = p.Payload
		}
		data, ok := packetizer.Reassemble(payloads)
		if !ok {
			return nil, errors.New("missing fragments")
		}
		return data, nil
	}

	var out []byte
	for _, p := range d.pkts {
		b, err := dp.Unmarshal(p.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if len(out) == 0 {
		return nil, errors.New("empty frame")
	}
	return out, nil
}

// rtpDepacketizer returns a fresh pion depacketizer, or nil for codecs
// carried in fragments.
func rtpDepacketizer(t codec.Type) rtp.Depacketizer {
	switch t {
	case codec.H264:
		return &codecs.H264Packet{}
	case codec.H265:
		return &codecs.H265Packet{}
	case codec.VP8:
		return &codecs.VP8Packet{}
	case codec.VP9:
		return &codecs.VP9Packet{}
	case codec.AV1:
		return &codecs.AV1Depacketizer{}
	}
	return nil
}

func (d *depacketizer) PopInto(dst []byte) (FrameInfo, error) {
	if d.closed.Load() {
		return FrameInfo{}, ErrDepacketizerClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ready) == 0 {
		return FrameInfo{}, ErrNeedMoreData
	}
	f := d.ready[0]
	if len(dst) < len(f.data) {
		return f.info, ErrBufferTooSmall
	}
	copy(dst, f.data)
	d.ready = d.ready[1:]
	return f.info, nil
}

func (d *depacketizer) Pop() ([]byte, FrameInfo, error) {
	if d.closed.Load() {
		return nil, FrameInfo{}, ErrDepacketizerClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ready) == 0 {
		return nil, FrameInfo{}, ErrNeedMoreData
	}
	f := d.ready[0]
	d.ready = d.ready[1:]
	return f.data, f.info, nil
}

func (d *depacketizer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pkts = nil
	d.ready = nil
	return nil
}
