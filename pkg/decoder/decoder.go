// Package decoder decompresses video frames into I420 with FFmpeg.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Common errors
var (
	ErrDecoderClosed      = errors.New("decoder is closed")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrDecodeFailed       = errors.New("decode failed")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrUnsupportedBackend = errors.New("unsupported decoder backend")
)

// VideoDecompressor turns compressed frames into raw I420 frames.
type VideoDecompressor interface {
	// Decompress submits a compressed frame. It returns the next decoded
	// frame if one is ready, or nil while the decoder is buffering or
	// waiting for a keyframe.
	Decompress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error)

	// Close releases all decoder resources.
	Close() error
}

// OutputCodec is the pixel format of decoded frames.
const OutputCodec = codec.I420

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

// WithLogger sets the logger. Decompressors log under module "decoder".
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics counts frames dropped before the first keyframe.
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

type backendFunc func(t codec.Type, o *options) (VideoDecompressor, error)

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

// New creates a decompressor for frames of type t. The decoder itself is
// opened lazily on the first keyframe.
func New(t codec.Type, opts ...Option) (VideoDecompressor, error) {
	if _, err := demuxerArgs(t); err != nil {
		return nil, err
	}

	o := options{
		log:        zerolog.Nop(),
		ffmpegPath: "ffmpeg",
		backend:    BackendExec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.With().Str("module", "decoder").Str("codec", t.String()).Logger()

	backendsMu.RLock()
	fn, ok := backends[o.backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, o.backend)
	}
	return fn(t, &o)
}

// demuxerArgs returns the ffmpeg input format for a stream of t.
func demuxerArgs(t codec.Type) ([]string, error) {
	switch t {
	case codec.H264:
		return []string{"-f", "h264"}, nil
	case codec.H265:
		return []string{"-f", "hevc"}, nil
	case codec.VP8, codec.VP9, codec.AV1:
		return []string{"-f", "ivf"}, nil
	case codec.MJPG:
		return []string{"-f", "mjpeg"}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, t)
}

// BuildArgs returns the ffmpeg command line decoding t from stdin into a
// YUV4MPEG2 stream on stdout.
func BuildArgs(t codec.Type) ([]string, error) {
	in, err := demuxerArgs(t)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-fflags", "nobuffer", "-flags", "low_delay",
	}
	args = append(args, in...)
	args = append(args, "-i", "pipe:0",
		"-fps_mode", "passthrough",
		"-pix_fmt", OutputCodec.PixFmt(),
		"-f", "yuv4mpegpipe", "pipe:1",
	)
	return args, nil
}

func validFrame(t codec.Type, f *frame.VideoFrame) bool {
	return f != nil && f.Codec == t && len(f.Tiles) > 0 && len(f.Data()) > 0
}

// rawFrame wraps a decoded I420 picture.
func rawFrame(width, height int, fps float64, data []byte, ts time.Duration) *frame.VideoFrame {
	return &frame.VideoFrame{
		VideoDesc: frame.VideoDesc{
			Width:     width,
			Height:    height,
			FPS:       fps,
			Codec:     OutputCodec,
			TileCount: 1,
		},
		Tiles:     []frame.Tile{{Width: width, Height: height, Data: data}},
		Timestamp: ts,
	}
}
