// Package testcard is a synthetic capture device producing a still
// picture at a fixed frame rate.
package testcard

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
	"github.com/thesyncim/uvkit/pkg/y4m"
)

// DriverName is the name the driver registers under.
const DriverName = "testcard"

// Config describes the generated stream.
type Config struct {
	Width   int
	Height  int
	FPS     float64
	Codec   codec.Type
	Pattern Pattern
	// File is a Y4M still used instead of the pattern.
	File string
}

// DefaultConfig returns the stream used when no options are given.
func DefaultConfig() Config {
	return Config{Width: 1280, Height: 720, FPS: 30, Codec: codec.UYVY, Pattern: Bars}
}

// ParseConfig parses "size=WxH:fps=<n>:codec=<name>:pattern=<p>:file=<path>".
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	for _, o := range opts.Parse(s) {
		var err error
		switch o.Key {
		case "size":
			cfg.Width, cfg.Height, err = opts.Size(o.Value)
		case "fps":
			cfg.FPS, err = opts.Float("fps", o.Value)
		case "codec":
			cfg.Codec = codec.Parse(o.Value)
			switch cfg.Codec {
			case codec.UYVY, codec.YUYV, codec.RGB, codec.BGR, codec.RGBA, codec.I420:
			default:
				err = fmt.Errorf("%w: codec %q", opts.ErrInvalidValue, o.Value)
			}
		case "pattern":
			cfg.Pattern = Pattern(o.Value)
			if !cfg.Pattern.valid() {
				err = fmt.Errorf("%w: pattern %q", opts.ErrInvalidValue, o.Value)
			}
		case "file":
			cfg.File = o.Value
		default:
			err = fmt.Errorf("unknown option %q", o.Key)
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
		}
	}
	return cfg, nil
}

// Testcard is an open synthetic device.
type Testcard struct {
	desc   frame.VideoDesc
	data   []byte
	pool   *frame.VideoFramePool
	period time.Duration
	ticker *time.Ticker

	mu     sync.Mutex
	count  int64
	closed atomic.Bool
	done   chan struct{}
}

// New renders the picture for cfg and starts the frame clock.
func New(cfg Config, log zerolog.Logger) (*Testcard, error) {
	var data []byte
	if cfg.File != "" {
		m, img, err := y4m.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.File, err)
		}
		if m.Subsampling != y4m.S420 || m.BitDepth != 8 {
			return nil, fmt.Errorf("%w: %s must be 8-bit 4:2:0", capture.ErrInvalidOptions, cfg.File)
		}
		cfg.Width, cfg.Height, cfg.Codec = m.Width, m.Height, codec.I420
		data = img
	} else {
		var err error
		data, err = Render(cfg.Pattern, cfg.Width, cfg.Height, cfg.Codec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
		}
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("%w: fps %v", capture.ErrInvalidOptions, cfg.FPS)
	}

	desc := frame.VideoDesc{Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS, Codec: cfg.Codec, TileCount: 1}
	c := &Testcard{
		desc:   desc,
		data:   data,
		pool:   frame.NewVideoFramePool(desc, 4),
		period: desc.FrameDuration(),
		done:   make(chan struct{}),
	}
	c.ticker = time.NewTicker(c.period)
	log.Info().Stringer("format", desc).Str("pattern", string(cfg.Pattern)).Str("file", cfg.File).Msg("testcard started")
	return c, nil
}

// Desc returns the description of generated frames.
func (c *Testcard) Desc() frame.VideoDesc {
	return c.desc
}

// Grab blocks until the next frame time.
func (c *Testcard) Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error) {
	if c.closed.Load() {
		return nil, nil, capture.ErrDeviceClosed
	}
	select {
	case <-c.ticker.C:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-c.done:
		return nil, nil, capture.ErrDeviceClosed
	}

	c.mu.Lock()
	n := c.count
	c.count++
	c.mu.Unlock()

	f := c.pool.Get()
	copy(f.Data(), c.data)
	f.Timestamp = time.Duration(n) * c.period
	return f, nil, nil
}

// Close stops the frame clock.
func (c *Testcard) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.ticker.Stop()
	return nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "testcard options:")
	fmt.Fprintln(w, "\t-t testcard[:size=WxH][:fps=<n>][:codec=UYVY|YUYV|RGB|BGR|RGBA|I420][:pattern=bars|gradient|grid][:file=<still.y4m>]")
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
	return New(cfg, p.Log)
}

func init() {
	capture.Register(DriverName, capture.Driver{
		Description: "synthetic test pattern",
		Discover: func() []capture.DeviceInfo {
			d := DefaultConfig()
			return []capture.DeviceInfo{{Name: "testcard", Description: "SMPTE bars", Width: d.Width, Height: d.Height, Codec: d.Codec}}
		},
		Open: open,
	})
}
