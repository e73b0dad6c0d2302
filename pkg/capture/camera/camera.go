// Package camera captures from webcams and other system video devices.
//
// Frames are produced on the source's own goroutine and handed to a
// registered Sink, which queues them in a two-slot DropQueue. Grab waits
// for a queued frame with a timeout; frames arriving while the queue is
// full are dropped.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// DriverName is the name the driver registers under.
const DriverName = "camera"

// DefaultTimeout is how long Grab waits for a frame.
const DefaultTimeout = 100 * time.Millisecond

// ErrSourceStopped is returned when a source is started twice or after
// Stop.
var ErrSourceStopped = errors.New("source stopped")

// Sink receives frames on the source's goroutine. It takes ownership of
// the frame.
type Sink func(*frame.VideoFrame)

// Source is a frame producer that delivers frames to a Sink from its own
// goroutine.
type Source interface {
	Start(sink Sink) error
	Stop() error
}

// Config selects the device and format.
type Config struct {
	Device  string
	Width   int
	Height  int
	FPS     float64
	Codec   codec.Type
	Timeout time.Duration
}

// DefaultConfig returns the format used when no options are given.
func DefaultConfig() Config {
	return Config{
		Width:   1280,
		Height:  720,
		FPS:     30,
		Codec:   codec.UYVY,
		Timeout: DefaultTimeout,
	}
}

// Desc returns the description of captured frames.
func (c Config) Desc() frame.VideoDesc {
	return frame.VideoDesc{Width: c.Width, Height: c.Height, FPS: c.FPS, Codec: c.Codec, TileCount: 1}
}

// ParseConfig parses "device=<id>:size=WxH:fps=<n>:codec=<name>:timeout=<ms>".
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	for _, o := range opts.Parse(s) {
		var err error
		switch o.Key {
		case "device", "d":
			cfg.Device = o.Value
		case "size":
			cfg.Width, cfg.Height, err = opts.Size(o.Value)
		case "fps":
			cfg.FPS, err = opts.Float("fps", o.Value)
		case "codec":
			cfg.Codec = codec.Parse(o.Value)
			if cfg.Codec.IsCompressed() || cfg.Codec.PixFmt() == "" {
				err = fmt.Errorf("%w: codec %q", opts.ErrInvalidValue, o.Value)
			}
		case "timeout":
			cfg.Timeout, err = opts.Duration("timeout", o.Value)
		default:
			err = fmt.Errorf("unknown option %q", o.Key)
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
		}
	}
	return cfg, nil
}

// Camera is an open camera capture.
type Camera struct {
	src     Source
	queue   *DropQueue
	timeout time.Duration
	log     zerolog.Logger
	closed  atomic.Bool
}

// New starts src and returns a device reading from it.
func New(src Source, cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Camera, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Camera{
		src:     src,
		timeout: cfg.Timeout,
		log:     log,
	}
	c.queue = NewDropQueue(DefaultQueueSize, func() {
		m.RecordFrameDropped("camera")
		log.Debug().Msg("frame queue full, frame dropped")
	})
	if err := src.Start(func(f *frame.VideoFrame) { c.queue.Push(f) }); err != nil {
		return nil, err
	}
	return c, nil
}

// Grab waits for the next frame. It returns a nil frame if none arrived
// within the timeout.
func (c *Camera) Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error) {
	if c.closed.Load() {
		return nil, nil, capture.ErrDeviceClosed
	}
	f, err := c.queue.Pop(ctx, c.timeout)
	return f, nil, err
}

// Dropped returns the number of frames dropped because Grab was late.
func (c *Camera) Dropped() uint64 {
	return c.queue.Dropped()
}

// Close stops the source and releases queued frames.
func (c *Camera) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.src.Stop()
	c.queue.Drain()
	return err
}

// InputArgs returns the ffmpeg input arguments for the platform's capture
// framework.
func InputArgs(goos string, cfg Config) []string {
	rate := strconv.FormatFloat(cfg.FPS, 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	dev := cfg.Device
	switch goos {
	case "darwin":
		if dev == "" {
			dev = "0"
		}
		return []string{"-f", "avfoundation", "-framerate", rate, "-video_size", size, "-i", dev + ":none"}
	case "windows":
		if dev == "" {
			dev = "Integrated Camera"
		}
		return []string{"-f", "dshow", "-framerate", rate, "-video_size", size, "-i", "video=" + dev}
	default:
		if dev == "" {
			dev = "/dev/video0"
		}
		return []string{"-f", "v4l2", "-framerate", rate, "-video_size", size, "-i", dev}
	}
}

// FFmpegArgs returns the full ffmpeg command line: the platform input
// converted to raw frames of cfg's size and pixel format on stdout.
func FFmpegArgs(goos string, cfg Config) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, InputArgs(goos, cfg)...)
	return append(args,
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-f", "rawvideo", "-pix_fmt", cfg.Codec.PixFmt(),
		"pipe:1",
	)
}

// FFmpegSource reads raw frames from an ffmpeg subprocess.
type FFmpegSource struct {
	path string
	args []string
	desc frame.VideoDesc
	log  zerolog.Logger
	pool *frame.VideoFramePool

	mu      sync.Mutex
	cmd     *exec.Cmd
	stderr  *ringbuf.Tail
	started bool
	stopped atomic.Bool
	done    chan struct{}
}

// NewFFmpegSource returns a source running ffmpeg at path for cfg on the
// current platform.
func NewFFmpegSource(path string, cfg Config, log zerolog.Logger) *FFmpegSource {
	desc := cfg.Desc()
	return &FFmpegSource{
		path: path,
		args: FFmpegArgs(runtime.GOOS, cfg),
		desc: desc,
		log:  log,
		pool: frame.NewVideoFramePool(desc, DefaultQueueSize+2),
		done: make(chan struct{}),
	}
}

// Start implements Source.
func (s *FFmpegSource) Start(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped.Load() {
		return ErrSourceStopped
	}

	cmd := exec.Command(s.path, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	s.stderr = ringbuf.NewTail(4096)
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Str("ffmpeg", s.path).Msg("unable to start capture")
		return fmt.Errorf("start %s: %w", filepath.Base(s.path), err)
	}
	s.cmd = cmd
	s.started = true
	s.log.Info().Stringer("format", s.desc).Msg("capture started")

	go s.readLoop(stdout, sink)
	return nil
}

func (s *FFmpegSource) readLoop(r io.Reader, sink Sink) {
	defer close(s.done)
	start := time.Now()
	for {
		f := s.pool.Get()
		if _, err := io.ReadFull(r, f.Tiles[0].Data); err != nil {
			f.Release()
			break
		}
		f.Timestamp = time.Since(start)
		sink(f)
	}
	err := s.cmd.Wait()
	if !s.stopped.Load() {
		s.log.Error().Err(err).Str("stderr", s.stderr.String()).Msg("capture process exited")
	}
}

// Stop implements Source.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped.CompareAndSwap(false, true) || !s.started {
		return nil
	}
	_ = s.cmd.Process.Kill()
	<-s.done
	return nil
}

// Done is closed when the capture process has exited.
func (s *FFmpegSource) Done() <-chan struct{} {
	return s.done
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "camera options:")
	fmt.Fprintln(w, "\t-t camera[:device=<id>][:size=WxH][:fps=<n>][:codec=UYVY|YUYV|RGB|I420][:timeout=<ms>]")
	fmt.Fprintf(w, "\tdevices are %s inputs of ffmpeg\n", platformInput(runtime.GOOS))
	for _, d := range discover() {
		fmt.Fprintf(w, "\t\t%s\n", d.Name)
	}
}

func platformInput(goos string) string {
	switch goos {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

func discover() []capture.DeviceInfo {
	if runtime.GOOS != "linux" {
		return []capture.DeviceInfo{{Name: "default", Description: platformInput(runtime.GOOS) + " default device"}}
	}
	matches, _ := filepath.Glob("/dev/video*")
	out := make([]capture.DeviceInfo, 0, len(matches))
	for _, m := range matches {
		out = append(out, capture.DeviceInfo{Name: m, Description: "v4l2 device"})
	}
	return out
}

func open(options string, p capture.Params) (capture.Device, error) {
	if opts.IsHelp(options) {
		printHelp(p.Help)
		return nil, capture.ErrHelpShown
	}
	cfg, err := ParseConfig(options)
	if err != nil {
		return nil, err
	}
	path := p.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return New(NewFFmpegSource(path, cfg, p.Log), cfg, p.Log, p.Metrics)
}

func init() {
	capture.Register(DriverName, capture.Driver{
		Description: "system camera through the platform capture framework",
		Discover:    discover,
		Open:        open,
	})
}
