// Package encoder compresses raw video frames with FFmpeg encoders.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/lavc"
	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Common errors
var (
	ErrEncoderClosed      = errors.New("encoder is closed")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrEncodeFailed       = errors.New("encode failed")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrInvalidConfig      = errors.New("invalid encoder configuration")
	ErrUnsupportedBackend = errors.New("unsupported encoder backend")
)

// VideoCompressor turns raw frames into compressed ones.
type VideoCompressor interface {
	// Compress submits a raw frame. It returns the next compressed frame
	// if one is ready, or nil while the encoder is still buffering. The
	// first frame and every frame with a different description
	// (re)configure the encoder.
	Compress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error)

	// Close releases all encoder resources.
	Close() error
}

// Backend names
const (
	BackendExec   = "exec"
	BackendAstiav = "astiav"
)

type options struct {
	log        zerolog.Logger
	metrics    *metrics.Metrics
	ffmpegPath string
	backend    string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. Compressors log under module "lavc".
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records compress timings and sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFFmpegPath sets the ffmpeg binary used by the exec backend.
func WithFFmpegPath(path string) Option {
	return func(o *options) { o.ffmpegPath = path }
}

// WithBackend selects the backend by name.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

type backendFunc func(cfg *codec.CompressConfig, o *options) (VideoCompressor, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]backendFunc{}
)

func registerBackend(name string, fn backendFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = fn
}

// Backends lists the compiled-in backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a compressor for cfg. The encoder itself is opened lazily on
// the first frame.
func New(cfg *codec.CompressConfig, opts ...Option) (VideoCompressor, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if !cfg.Codec.IsCompressed() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cfg.Codec)
	}

	o := options{
		log:        zerolog.Nop(),
		ffmpegPath: "ffmpeg",
		backend:    BackendExec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.With().Str("module", "lavc").Logger()

	backendsMu.RLock()
	fn, ok := backends[o.backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, o.backend)
	}

	checkEncoder(cfg, o.log)
	return fn(cfg, &o)
}

// checkEncoder warns when libavcodec is present but lacks the preferred
// encoder. A missing library is not an error.
func checkEncoder(cfg *codec.CompressConfig, log zerolog.Logger) {
	name := cfg.EncoderName(false)
	if name == "" {
		return
	}
	if err := lavc.LoadLibrary(); err != nil {
		log.Debug().Err(err).Msg("libavcodec not available, skipping encoder check")
		return
	}
	ok, err := lavc.HasEncoder(name)
	if err != nil {
		return
	}
	if !ok {
		log.Warn().Str("encoder", name).Msg("encoder not found in libavcodec, FFmpeg may fall back to another")
	}
}

// compressedFrame wraps an encoded packet as a frame of desc's geometry.
func compressedFrame(desc frame.VideoDesc, t codec.Type, p Packet, ts time.Duration) *frame.VideoFrame {
	desc.Codec = t
	desc.TileCount = 1
	return &frame.VideoFrame{
		VideoDesc:  desc,
		Tiles:      []frame.Tile{{Width: desc.Width, Height: desc.Height, Data: p.Data}},
		Timestamp:  ts,
		IsKeyframe: p.Keyframe,
	}
}
