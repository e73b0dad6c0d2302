// Package hdstation captures uncompressed 4:2:2 video from an HD-SDI board
// into a pair of DMA buffers.
//
// A producer goroutine waits for vertical sync and fills a free buffer,
// then hands it to Grab through a channel. Exactly two buffers exist, so
// at most one is being written while the other is being read; the
// producer blocks until the reader releases a frame.
package hdstation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// DriverName is the name the driver registers under.
const DriverName = "hdstation"

// Config is the capture session configuration. Width, Height, FPS and
// Interlaced are filled from the board after the mode is set.
type Config struct {
	Mode          int
	ColorDepth    int // 8 or 10
	BytesPerPixel int // 2 for 8-bit, 3 for 10-bit

	Width      int
	Height     int
	FPS        float64
	Interlaced bool
}

// Codec returns the pixel format delivered for the colour depth.
func (c Config) Codec() codec.Type {
	if c.ColorDepth == 10 {
		return codec.V210
	}
	return codec.UYVY
}

// BufferSize returns the size of one DMA buffer.
func (c Config) BufferSize() int {
	return max(c.BytesPerPixel*c.Width*c.Height, c.Codec().FrameSize(c.Width, c.Height))
}

// ParseConfig parses "mode:colormode", eg. "0:10".
func ParseConfig(s string) (Config, error) {
	modeStr, depthStr, ok := strings.Cut(s, ":")
	if !ok {
		return Config{}, fmt.Errorf("%w: want mode:colormode(8|10), got %q", capture.ErrInvalidOptions, s)
	}
	mode, err := strconv.Atoi(modeStr)
	if err != nil || mode < 0 {
		return Config{}, fmt.Errorf("%w: mode %q", capture.ErrInvalidOptions, modeStr)
	}
	cfg := Config{Mode: mode}
	switch depthStr {
	case "8":
		cfg.ColorDepth, cfg.BytesPerPixel = 8, 2
	case "10":
		cfg.ColorDepth, cfg.BytesPerPixel = 10, 3
	default:
		return Config{}, fmt.Errorf("%w: colormode %q (want 8 or 10)", capture.ErrInvalidOptions, depthStr)
	}
	return cfg, nil
}

// Device is an open board capture.
type Device struct {
	board Board
	cfg   Config
	desc  frame.VideoDesc
	log   zerolog.Logger

	free  chan []byte // buffers the producer may fill
	ready chan []byte // filled buffers waiting for Grab

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	done   chan struct{}
}

// New sets the board up for cfg and starts capturing.
func New(board Board, cfg Config, log zerolog.Logger) (*Device, error) {
	if err := board.SetVideoMode(cfg.Mode, cfg.ColorDepth); err != nil {
		return nil, fmt.Errorf("set video mode %d: %w", cfg.Mode, err)
	}
	if err := board.Black(); err != nil {
		return nil, fmt.Errorf("black: %w", err)
	}
	if err := board.StartFIFO(); err != nil {
		return nil, fmt.Errorf("start fifo: %w", err)
	}
	w, h, err := board.Status()
	if err != nil {
		return nil, fmt.Errorf("board status: %w", err)
	}
	cfg.Width, cfg.Height = w, h
	cfg.FPS = 25
	if modes, err := board.Modes(); err == nil {
		for _, m := range modes {
			if m.Index == cfg.Mode {
				cfg.FPS, cfg.Interlaced = m.FPS, m.Interlaced
			}
		}
	}
	log.Info().Int("width", w).Int("height", h).Int("depth", cfg.ColorDepth).Msg("current video size")

	d := &Device{
		board: board,
		cfg:   cfg,
		log:   log,
		free:  make(chan []byte, 2),
		ready: make(chan []byte, 2),
		done:  make(chan struct{}),
	}
	d.desc = frame.VideoDesc{
		Width:     w,
		Height:    h,
		FPS:       cfg.FPS,
		Codec:     cfg.Codec(),
		TileCount: 1,
	}
	if cfg.Interlaced {
		d.desc.Interlacing = frame.InterlacedMerged
	}
	size := cfg.BufferSize()
	d.free <- make([]byte, size)
	d.free <- make([]byte, size)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.grabLoop(ctx)
	return d, nil
}

// Config returns the session configuration.
func (d *Device) Config() Config {
	return d.cfg
}

func (d *Device) grabLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		var buf []byte
		select {
		case buf = <-d.free:
		case <-ctx.Done():
			return
		}

		if err := d.board.VsyncWait(ctx); err != nil {
			d.free <- buf
			if ctx.Err() != nil {
				return
			}
			d.log.Warn().Err(err).Msg("unable to vsyncwait")
			continue
		}
		if err := d.board.Fill(buf); err != nil {
			d.free <- buf
			if errors.Is(err, ErrBoardClosed) {
				return
			}
			d.log.Error().Err(err).Msg("unable to get buffer")
			continue
		}

		select {
		case d.ready <- buf:
		case <-ctx.Done():
			return
		}
	}
}

// Grab blocks until a filled buffer is available. The returned frame
// aliases the DMA buffer; Release hands it back to the producer.
func (d *Device) Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error) {
	if d.closed.Load() {
		return nil, nil, capture.ErrDeviceClosed
	}
	var buf []byte
	select {
	case buf = <-d.ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-d.done:
		return nil, nil, capture.ErrDeviceClosed
	}

	f := &frame.VideoFrame{
		VideoDesc: d.desc,
		Tiles: []frame.Tile{{
			Width:  d.desc.Width,
			Height: d.desc.Height,
			Data:   buf[:d.desc.Codec.FrameSize(d.desc.Width, d.desc.Height)],
		}},
		Dispose: func(*frame.VideoFrame) {
			select {
			case d.free <- buf:
			default:
			}
		},
	}
	return f, nil, nil
}

// Close stops the producer and closes the board.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)
	d.cancel()
	d.wg.Wait()
	return d.board.Close()
}

// OpenBoard opens the board used by the registered driver.
var OpenBoard = func() (Board, error) {
	return NewTestBoard(), nil
}

func printHelp(w io.Writer, board Board) error {
	fmt.Fprintln(w, "hdstation options:")
	fmt.Fprintln(w, "\t-t hdstation:<mode>:<colormode>   colormode is 8 or 10")
	modes, err := board.Modes()
	if err != nil {
		return err
	}
	for _, m := range modes {
		fmt.Fprintf(w, "\tmode:%d  %s (%dx%d@%.2f%s)\n", m.Index, m.Name, m.Width, m.Height, m.FPS, scan(m.Interlaced))
	}
	return nil
}

func scan(interlaced bool) string {
	if interlaced {
		return "i"
	}
	return "p"
}

func open(options string, p capture.Params) (capture.Device, error) {
	board, err := OpenBoard()
	if err != nil {
		return nil, fmt.Errorf("open board (no card present or driver not loaded?): %w", err)
	}
	if opts.IsHelp(options) {
		defer board.Close()
		if err := printHelp(p.Help, board); err != nil {
			return nil, err
		}
		return nil, capture.ErrHelpShown
	}
	cfg, err := ParseConfig(options)
	if err != nil {
		board.Close()
		return nil, err
	}
	dev, err := New(board, cfg, p.Log)
	if err != nil {
		board.Close()
		return nil, err
	}
	return dev, nil
}

func discover() []capture.DeviceInfo {
	board, err := OpenBoard()
	if err != nil {
		return nil
	}
	defer board.Close()
	modes, err := board.Modes()
	if err != nil || len(modes) == 0 {
		return nil
	}
	return []capture.DeviceInfo{{
		Name:        "hdtv",
		Description: "HDstation (" + modes[0].Name + ")",
		Width:       modes[0].Width,
		Height:      modes[0].Height,
		Codec:       codec.UYVY,
	}}
}

func init() {
	capture.Register(DriverName, capture.Driver{
		Description: "HD-SDI board capture (double-buffered DMA)",
		Discover:    discover,
		Open:        open,
	})
}
