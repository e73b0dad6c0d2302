// Package reflector receives UDP datagrams and replicates each one to a
// set of replica addresses. Replicas with a compression receive the video
// decoded and compressed again instead of the original packets.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/decoder"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/packetizer"
)

// Errors
var (
	ErrReflectorClosed = errors.New("reflector is closed")
	ErrReplicaNotFound = errors.New("replica not found")
	ErrReplicaExists   = errors.New("replica already exists")
	ErrAlreadyRunning  = errors.New("reflector already running")
	ErrInvalidConfig   = errors.New("invalid reflector configuration")
)

// Defaults
const (
	// DefaultQueueSize is the number of datagrams buffered between the
	// receiver and the writer.
	DefaultQueueSize = 5000
	// DefaultMaxDatagram is the receive buffer size. Longer datagrams are
	// truncated.
	DefaultMaxDatagram = 10000
	DefaultInputCodec  = codec.H264
	DefaultFPS         = 30
)

// Replica is a destination receiving a copy of every datagram, or with a
// compression set, the video compressed again.
type Replica struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Compression string `json:"compression,omitempty"`

	addr *net.UDPAddr
	out  *output
}

// Config configures a Reflector.
type Config struct {
	QueueSize   int
	MaxDatagram int

	// InputCodec and FPS describe the incoming video. They are used only
	// when a replica has a compression.
	InputCodec codec.Type
	FPS        float64
	// MTU of the packets sent to compressed replicas.
	MTU uint16
}

// DecoderFactory creates the decoder of the incoming video.
type DecoderFactory func(t codec.Type) (decoder.VideoDecompressor, error)

// EncoderFactory creates the compressor of a replica.
type EncoderFactory func(cfg *codec.CompressConfig) (encoder.VideoCompressor, error)

// Reflector replicates datagrams received on conn. Reads and writes run
// on separate goroutines connected by a bounded queue; datagrams arriving
// while the queue is full are dropped.
type Reflector struct {
	conn    net.PacketConn
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	queue   chan []byte
	pool    sync.Pool

	ffmpegPath string
	newDecoder DecoderFactory
	newEncoder EncoderFactory

	mu       sync.RWMutex
	replicas map[string]*Replica
	tx       *transcoder

	running atomic.Bool
	closed  atomic.Bool
}

// Option configures a Reflector.
type Option func(*Reflector)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reflector) { r.log = log }
}

// WithMetrics records received, replicated and dropped datagrams.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reflector) { r.metrics = m }
}

// WithFFmpegPath sets the ffmpeg binary used to transcode.
func WithFFmpegPath(path string) Option {
	return func(r *Reflector) { r.ffmpegPath = path }
}

// WithDecoderFactory replaces the FFmpeg decoder of the incoming video.
func WithDecoderFactory(f DecoderFactory) Option {
	return func(r *Reflector) { r.newDecoder = f }
}

// WithEncoderFactory replaces the FFmpeg compressor of replicas.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(r *Reflector) { r.newEncoder = f }
}

// Listen opens a UDP socket on addr and returns a Reflector using it.
func Listen(addr string, cfg Config, opts ...Option) (*Reflector, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return New(conn, cfg, opts...), nil
}

// New creates a Reflector on conn. The reflector owns conn.
func New(conn net.PacketConn, cfg Config, opts ...Option) *Reflector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultMaxDatagram
	}
	if cfg.InputCodec == codec.None {
		cfg.InputCodec = DefaultInputCodec
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.MTU == 0 {
		cfg.MTU = packetizer.DefaultMTU
	}
	r := &Reflector{
		conn:       conn,
		cfg:        cfg,
		log:        zerolog.Nop(),
		queue:      make(chan []byte, cfg.QueueSize),
		replicas:   make(map[string]*Replica),
		ffmpegPath: "ffmpeg",
	}
	r.pool.New = func() any {
		b := make([]byte, cfg.MaxDatagram)
		return &b
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("module", "reflector").Logger()
	if r.newDecoder == nil {
		r.newDecoder = func(t codec.Type) (decoder.VideoDecompressor, error) {
			return decoder.New(t, decoder.WithLogger(r.log), decoder.WithMetrics(r.metrics), decoder.WithFFmpegPath(r.ffmpegPath))
		}
	}
	if r.newEncoder == nil {
		r.newEncoder = func(cfg *codec.CompressConfig) (encoder.VideoCompressor, error) {
			return encoder.New(cfg, encoder.WithLogger(r.log), encoder.WithMetrics(r.metrics), encoder.WithFFmpegPath(r.ffmpegPath))
		}
	}
	return r
}

// Addr returns the address the reflector receives on.
func (r *Reflector) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// AddReplica resolves addr ("host:port") and starts replicating to it.
// With a non-empty compression (the -c option syntax, e.g.
// "codec=H.264:bitrate=2M") the replica receives the video decoded and
// compressed again.
func (r *Reflector) AddReplica(addr, compression string) (Replica, error) {
	if r.closed.Load() {
		return Replica{}, ErrReflectorClosed
	}
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Replica{}, fmt.Errorf("resolve replica %q: %w", addr, err)
	}
	var ccfg *codec.CompressConfig
	if compression != "" {
		ccfg, err = codec.ParseCompressOptions(compression, r.log)
		if err != nil {
			return Replica{}, fmt.Errorf("replica %q: %w", addr, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.replicas {
		if rep.addr.String() == udp.String() {
			return Replica{}, fmt.Errorf("%w: %s", ErrReplicaExists, udp)
		}
	}
	rep := &Replica{ID: uuid.NewString(), Addr: udp.String(), addr: udp}
	if ccfg != nil {
		if err := r.ensureTranscoderLocked(); err != nil {
			return Replica{}, err
		}
		out, err := r.newOutput(ccfg, udp)
		if err != nil {
			return Replica{}, fmt.Errorf("replica %q: %w", addr, err)
		}
		rep.out = out
		rep.Compression = ccfg.String()
	}
	r.replicas[rep.ID] = rep
	r.metrics.SetReflectorReplicas(len(r.replicas))
	r.log.Info().Str("id", rep.ID).Str("addr", rep.Addr).Str("compression", rep.Compression).Msg("replica added")
	return *rep, nil
}

// ParseReplica splits a replica given as "host:port [compression]".
func ParseReplica(s string) (addr, compression string) {
	addr, compression, _ = strings.Cut(strings.TrimSpace(s), " ")
	return addr, strings.TrimSpace(compression)
}

// RemoveReplica stops replicating to the replica with the given ID.
func (r *Reflector) RemoveReplica(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplicaNotFound, id)
	}
	delete(r.replicas, id)
	if rep.out != nil {
		rep.out.close()
	}
	r.metrics.SetReflectorReplicas(len(r.replicas))
	r.log.Info().Str("id", id).Str("addr", rep.Addr).Msg("replica removed")
	return nil
}

// Replicas returns the current replicas ordered by address.
func (r *Reflector) Replicas() []Replica {
	r.mu.RLock()
	out := make([]Replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		out = append(out, *rep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr == out[j].Addr {
			return out[i].ID < out[j].ID
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// Run receives and replicates datagrams until ctx is done or the reflector
// is closed.
func (r *Reflector) Run(ctx context.Context) error {
	if r.closed.Load() {
		return ErrReflectorClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	r.log.Info().Stringer("addr", r.conn.LocalAddr()).Msg("reflector started")

	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	r.mu.Lock()
	if r.tx == nil {
		r.tx = newTranscoder(r)
	}
	tx := r.tx
	r.mu.Unlock()

	txDone := make(chan struct{})
	go func() {
		defer close(txDone)
		tx.run(ctx)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.writeLoop(tx)
	}()

	err := r.readLoop()
	close(r.queue)
	<-done
	close(tx.queue)
	<-txDone

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if r.closed.Load() {
		return nil
	}
	return err
}

func (r *Reflector) readLoop() error {
	for {
		bp := r.pool.Get().(*[]byte)
		n, _, err := r.conn.ReadFrom(*bp)
		if err != nil {
			r.pool.Put(bp)
			if r.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			r.log.Error().Err(err).Msg("receive failed")
			return fmt.Errorf("receive: %w", err)
		}
		r.metrics.RecordReflectorReceived()
		if n == len(*bp) {
			r.log.Debug().Int("max", n).Msg("datagram truncated")
		}

		pkt := (*bp)[:n]
		select {
		case r.queue <- pkt:
		default:
			r.pool.Put(bp)
			r.metrics.RecordReflectorDropped()
			r.log.Debug().Int("size", n).Msg("queue full, datagram dropped")
		}
	}
}

func (r *Reflector) writeLoop(tx *transcoder) {
	var targets []*net.UDPAddr
	for pkt := range r.queue {
		var transcode bool
		targets, transcode = r.targets(targets[:0])
		if transcode {
			tx.push(pkt)
		}
		sent := 0
		for _, addr := range targets {
			if _, err := r.conn.WriteTo(pkt, addr); err != nil {
				r.log.Debug().Err(err).Stringer("to", addr).Msg("replicate failed")
				continue
			}
			sent++
		}
		r.metrics.RecordReflectorReplicated(sent)
		pkt = pkt[:cap(pkt)]
		r.pool.Put(&pkt)
	}
}

// targets returns the forwarding replicas and whether any replica needs
// the video transcoded.
func (r *Reflector) targets(dst []*net.UDPAddr) ([]*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	transcode := false
	for _, rep := range r.replicas {
		if rep.out != nil {
			transcode = true
			continue
		}
		dst = append(dst, rep.addr)
	}
	return dst, transcode
}

// Close stops Run, closes the socket and releases the codecs of
// compressed replicas.
func (r *Reflector) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	for _, rep := range r.replicas {
		if rep.out != nil {
			rep.out.close()
		}
	}
	if r.tx != nil {
		r.tx.close()
	}
	r.mu.Unlock()
	return r.conn.Close()
}
