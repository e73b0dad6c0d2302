// Package transmit sends compressed video and PCM audio as RTP over UDP.
package transmit

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
	"github.com/thesyncim/uvkit/pkg/packetizer"
)

// Errors
var (
	ErrSenderClosed  = errors.New("sender is closed")
	ErrInvalidFrame  = errors.New("invalid frame")
	ErrInvalidTarget = errors.New("invalid target")
)

// Config configures a Sender.
type Config struct {
	MTU          uint16
	VideoPT      uint8
	AudioPT      uint8
	AudioPortOff int // audio goes to the video port plus this offset
}

// DefaultConfig returns the default transmit settings.
func DefaultConfig() Config {
	return Config{
		MTU:          packetizer.DefaultMTU,
		VideoPT:      packetizer.DefaultVideoPT,
		AudioPT:      packetizer.DefaultAudioPT,
		AudioPortOff: 2,
	}
}

// Sender packetizes frames and writes them to a packet connection.
type Sender struct {
	cfg     Config
	conn    net.PacketConn
	ownConn bool
	video   net.Addr
	audio   net.Addr
	log     zerolog.Logger
	metrics *metrics.Metrics

	closed atomic.Bool
	mu     sync.Mutex

	videoPkt   packetizer.Packetizer
	videoCodec codec.Type
	videoSSRC  uint32
	audioPkt   packetizer.Packetizer
	audioDesc  frame.AudioDesc
	audioSSRC  uint32
	buf        []byte
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// WithMetrics counts sent packets and bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// Dial resolves target ("host:port") and returns a Sender writing from an
// ephemeral UDP socket. Audio goes to the same host at port+AudioPortOff.
func Dial(target string, cfg Config, opts ...Option) (*Sender, error) {
	video, audio, err := resolve(target, cfg.AudioPortOff)
	if err != nil {
		return nil, err
	}
	network := "udp4"
	if video.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := New(conn, video, audio, cfg, opts...)
	s.ownConn = true
	return s, nil
}

func resolve(target string, audioOff int) (*net.UDPAddr, *net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port+audioOff > 65535 {
		return nil, nil, fmt.Errorf("%w: port %q", ErrInvalidTarget, portStr)
	}
	video, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, portStr))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	audio := &net.UDPAddr{IP: video.IP, Port: port + audioOff, Zone: video.Zone}
	return video, audio, nil
}

// New creates a Sender on an existing connection. A nil audio address
// disables audio.
func New(conn net.PacketConn, video, audio net.Addr, cfg Config, opts ...Option) *Sender {
	def := DefaultConfig()
	if cfg.MTU == 0 {
		cfg.MTU = def.MTU
	}
	if cfg.VideoPT == 0 {
		cfg.VideoPT = def.VideoPT
	}
	if cfg.AudioPT == 0 {
		cfg.AudioPT = def.AudioPT
	}
	s := &Sender{
		cfg:       cfg,
		conn:      conn,
		video:     video,
		audio:     audio,
		log:       zerolog.Nop(),
		videoSSRC: uuid.New().ID(),
		audioSSRC: uuid.New().ID(),
		buf:       make([]byte, cfg.MTU),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("module", "transmit").Logger()
	return s
}

// SendVideo sends one compressed frame. A codec change starts a new RTP
// stream state.
func (s *Sender) SendVideo(f *frame.VideoFrame) error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	if f == nil || !f.Codec.IsCompressed() || len(f.Data()) == 0 {
		return ErrInvalidFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoPkt == nil || s.videoCodec != f.Codec {
		p, err := packetizer.New(packetizer.Config{
			Codec:       f.Codec,
			SSRC:        s.videoSSRC,
			PayloadType: s.cfg.VideoPT,
			MTU:         s.cfg.MTU,
		})
		if err != nil {
			return err
		}
		if s.videoPkt != nil {
			_ = s.videoPkt.Close()
		}
		s.videoPkt = p
		s.videoCodec = f.Codec
		s.log.Info().Stringer("codec", f.Codec).Stringer("to", s.video).Uint32("ssrc", s.videoSSRC).Msg("video stream started")
	}

	for _, tile := range f.Tiles {
		if len(tile.Data) == 0 {
			continue
		}
		packets, err := s.videoPkt.Packetize(tile.Data, f.Timestamp)
		if err != nil {
			return err
		}
		if err := s.write(packets, s.video, "video"); err != nil {
			return err
		}
	}
	return nil
}

// SendAudio sends PCM as L16. A format change starts a new RTP stream
// state.
func (s *Sender) SendAudio(f *frame.AudioFrame) error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	if s.audio == nil {
		return nil
	}
	if f == nil || f.DataLen() == 0 {
		return ErrInvalidFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audioPkt == nil || s.audioDesc != f.Desc() {
		p, err := packetizer.NewL16(packetizer.Config{
			SSRC:        s.audioSSRC,
			PayloadType: s.cfg.AudioPT,
			MTU:         s.cfg.MTU,
		}, f.Desc())
		if err != nil {
			return err
		}
		if s.audioPkt != nil {
			_ = s.audioPkt.Close()
		}
		s.audioPkt = p
		s.audioDesc = f.Desc()
		s.log.Info().Stringer("format", f.Desc()).Stringer("to", s.audio).Uint32("ssrc", s.audioSSRC).Msg("audio stream started")
	}

	packets, err := s.audioPkt.Packetize(f.Data, f.Timestamp)
	if err != nil {
		return err
	}
	return s.write(packets, s.audio, "audio")
}

func (s *Sender) write(packets []*rtp.Packet, addr net.Addr, media string) error {
	for _, pkt := range packets {
		n, err := pkt.MarshalTo(s.buf)
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := s.conn.WriteTo(s.buf[:n], addr); err != nil {
			s.log.Debug().Err(err).Stringer("to", addr).Msg("send failed")
			return fmt.Errorf("send %s: %w", media, err)
		}
		s.metrics.RecordRTP(media, n)
	}
	return nil
}

// LocalAddr returns the address packets are sent from.
func (s *Sender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the sender. Connections passed to New are left open.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoPkt != nil {
		_ = s.videoPkt.Close()
	}
	if s.audioPkt != nil {
		_ = s.audioPkt.Close()
	}
	if s.ownConn {
		return s.conn.Close()
	}
	return nil
}
