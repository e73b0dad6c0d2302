// Package webrtc publishes compressed video to WebRTC viewers.
//
// A Sink owns one shared TrackLocalStaticSample. Every viewer gets its own
// PeerConnection carrying that track; the SDP offer/answer exchange is done
// by Subscribe, typically from an HTTP handler.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Errors
var (
	ErrSinkClosed         = errors.New("webrtc sink closed")
	ErrUnsupportedCodec   = errors.New("codec cannot be sent over webrtc")
	ErrCodecMismatch      = errors.New("frame codec does not match the track")
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// Config configures the peer connections created for viewers.
type Config struct {
	ICEServers []string
	// PortMin and PortMax restrict the UDP ports used for ICE. Zero means
	// any port.
	PortMin uint16
	PortMax uint16
}

// Sink writes frames into a WebRTC track shared by all subscribers.
type Sink struct {
	cfg   Config
	codec codec.Type
	fps   float64
	track *pionwebrtc.TrackLocalStaticSample
	api   *pionwebrtc.API
	log   zerolog.Logger

	mu     sync.Mutex
	last   time.Duration
	first  bool
	peers  map[string]*pionwebrtc.PeerConnection
	closed atomic.Bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sink) {
		s.log = log
	}
}

// Supported reports whether c can be carried in a WebRTC video track.
func Supported(c codec.Type) bool {
	switch c {
	case codec.H264, codec.H265, codec.VP8, codec.VP9, codec.AV1:
		return true
	}
	return false
}

// New creates a sink for a stream of c at fps.
func New(c codec.Type, fps float64, cfg Config, opts ...Option) (*Sink, error) {
	if !Supported(c) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	s := &Sink{
		cfg:   cfg,
		codec: c,
		fps:   fps,
		log:   zerolog.Nop(),
		first: true,
		peers: make(map[string]*pionwebrtc.PeerConnection),
	}
	for _, opt := range opts {
		opt(s)
	}

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: c.MimeType(), ClockRate: c.ClockRate()},
		"video-"+uuid.NewString(),
		"uvkit-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	s.track = track

	m := &pionwebrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	var se pionwebrtc.SettingEngine
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	s.api = pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(m), pionwebrtc.WithSettingEngine(se))

	s.log.Info().Str("codec", c.String()).Str("track", track.ID()).Msg("webrtc sink created")
	return s, nil
}

// Track returns the shared track.
func (s *Sink) Track() *pionwebrtc.TrackLocalStaticSample {
	return s.track
}

// duration returns how long f is displayed, derived from the distance to
// the previous frame's timestamp. The first frame lasts 1/fps.
func (s *Sink) duration(f *frame.VideoFrame) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	nominal := time.Duration(0)
	if s.fps > 0 {
		nominal = time.Duration(float64(time.Second) / s.fps)
	}
	if f.FPS > 0 {
		nominal = f.FrameDuration()
	}
	d := f.Timestamp - s.last
	if s.first || d <= 0 {
		d = nominal
	}
	s.first = false
	s.last = f.Timestamp
	return d
}

// WriteVideo sends every tile of f as one sample.
func (s *Sink) WriteVideo(f *frame.VideoFrame) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if f.Codec != s.codec {
		return fmt.Errorf("%w: %s, track is %s", ErrCodecMismatch, f.Codec, s.codec)
	}
	d := s.duration(f)
	for _, tile := range f.Tiles {
		if len(tile.Data) == 0 {
			continue
		}
		if err := s.track.WriteSample(media.Sample{Data: tile.Data, Duration: d}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		// later tiles share the frame time
		d = 0
	}
	return nil
}

// Subscribe answers a viewer's SDP offer with a new peer connection
// carrying the track. It returns the answer SDP and the subscriber ID.
func (s *Sink) Subscribe(ctx context.Context, offer string) (answer, id string, err error) {
	if s.closed.Load() {
		return "", "", ErrSinkClosed
	}
	var servers []pionwebrtc.ICEServer
	if len(s.cfg.ICEServers) > 0 {
		servers = []pionwebrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	pc, err := s.api.NewPeerConnection(pionwebrtc.Configuration{ICEServers: servers})
	if err != nil {
		return "", "", fmt.Errorf("create peer connection: %w", err)
	}

	// the peer is registered before any state change can fire
	id = uuid.NewString()
	log := s.log.With().Str("subscriber", id).Logger()
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		pc.Close()
		return "", "", ErrSinkClosed
	}
	s.peers[id] = pc
	s.mu.Unlock()
	defer func() {
		if err != nil {
			s.mu.Lock()
			delete(s.peers, id)
			s.mu.Unlock()
			pc.Close()
		}
	}()
	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		log.Info().Stringer("state", state).Msg("subscriber connection state")
		switch state {
		case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed:
			_ = s.Unsubscribe(id)
		}
	})

	sender, err := pc.AddTrack(s.track)
	if err != nil {
		return "", "", fmt.Errorf("add track: %w", err)
	}
	// drain RTCP so the sender's buffers do not fill up
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if err = pc.SetRemoteDescription(pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", "", fmt.Errorf("set remote description: %w", err)
	}
	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", "", fmt.Errorf("create answer: %w", err)
	}
	gathered := pionwebrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(desc); err != nil {
		return "", "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		err = ctx.Err()
		return "", "", err
	}

	s.mu.Lock()
	_, ok := s.peers[id]
	n := len(s.peers)
	s.mu.Unlock()
	if !ok {
		err = fmt.Errorf("%w: connection closed during negotiation", ErrSubscriberNotFound)
		return "", "", err
	}

	log.Info().Int("subscribers", n).Msg("subscriber added")
	return pc.LocalDescription().SDP, id, nil
}

// Unsubscribe closes a subscriber's peer connection.
func (s *Sink) Unsubscribe(id string) error {
	s.mu.Lock()
	pc, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if !ok {
		return ErrSubscriberNotFound
	}
	return pc.Close()
}

// Subscribers returns the IDs of connected viewers.
func (s *Sink) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every subscriber.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*pionwebrtc.PeerConnection)
	s.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}
