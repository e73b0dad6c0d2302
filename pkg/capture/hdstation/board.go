package hdstation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Board errors
var (
	ErrBoardClosed = errors.New("board is closed")
	ErrNoSuchMode  = errors.New("no such video mode")
	ErrNotStarted  = errors.New("fifo not started")
)

// Mode is a raster supported by a board.
type Mode struct {
	Index      int
	Name       string
	Width      int
	Height     int
	FPS        float64
	Interlaced bool
}

// Board is the capture card as seen by the driver. Implementations wrap
// the vendor SDK.
type Board interface {
	// Modes lists the rasters the board supports.
	Modes() ([]Mode, error)
	// SetVideoMode selects the raster and colour depth.
	SetVideoMode(mode, depth int) error
	// Black outputs black on the board's loop-through.
	Black() error
	// StartFIFO starts DMA.
	StartFIFO() error
	// VsyncWait blocks until the next vertical sync.
	VsyncWait(ctx context.Context) error
	// Fill DMAs the current frame into dst.
	Fill(dst []byte) error
	// Status reports the active raster size.
	Status() (width, height int, err error)
	Close() error
}

// TestModes are the rasters of TestBoard.
var TestModes = []Mode{
	{Index: 0, Name: "SMPTE274_25I", Width: 1920, Height: 1080, FPS: 25, Interlaced: true},
	{Index: 1, Name: "SMPTE274_30P", Width: 1920, Height: 1080, FPS: 30},
	{Index: 2, Name: "SMPTE296_60P", Width: 1280, Height: 720, FPS: 60},
	{Index: 3, Name: "PAL", Width: 720, Height: 576, FPS: 25, Interlaced: true},
	{Index: 4, Name: "QCIF_TEST", Width: 176, Height: 144, FPS: 100},
}

// TestBoard is a simulated board producing a scrolling ramp at the
// selected mode's rate.
type TestBoard struct {
	// Period overrides the vsync period derived from the mode.
	Period time.Duration
	// FillErr, when set, is returned by Fill.
	FillErr func() error

	mu      sync.Mutex
	mode    *Mode
	depth   int
	started bool
	frame   int
	closed  atomic.Bool
}

// NewTestBoard returns a simulated board.
func NewTestBoard() *TestBoard {
	return &TestBoard{}
}

// Modes implements Board.
func (b *TestBoard) Modes() ([]Mode, error) {
	if b.closed.Load() {
		return nil, ErrBoardClosed
	}
	return append([]Mode(nil), TestModes...), nil
}

// SetVideoMode implements Board.
func (b *TestBoard) SetVideoMode(mode, depth int) error {
	if b.closed.Load() {
		return ErrBoardClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range TestModes {
		if TestModes[i].Index == mode {
			m := TestModes[i]
			b.mode = &m
			b.depth = depth
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrNoSuchMode, mode)
}

// Black implements Board.
func (b *TestBoard) Black() error {
	if b.closed.Load() {
		return ErrBoardClosed
	}
	return nil
}

// StartFIFO implements Board.
func (b *TestBoard) StartFIFO() error {
	if b.closed.Load() {
		return ErrBoardClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == nil {
		return fmt.Errorf("%w: no video mode set", ErrNotStarted)
	}
	b.started = true
	return nil
}

// VsyncWait implements Board.
func (b *TestBoard) VsyncWait(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBoardClosed
	}
	b.mu.Lock()
	period := b.Period
	if period == 0 && b.mode != nil {
		period = time.Duration(float64(time.Second) / b.mode.FPS)
	}
	b.mu.Unlock()

	t := time.NewTimer(period)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fill implements Board. Each frame is a horizontal ramp shifted by one
// byte per frame.
func (b *TestBoard) Fill(dst []byte) error {
	if b.closed.Load() {
		return ErrBoardClosed
	}
	if b.FillErr != nil {
		if err := b.FillErr(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrNotStarted
	}
	b.frame++
	for i := range dst {
		dst[i] = byte(i + b.frame)
	}
	return nil
}

// Status implements Board.
func (b *TestBoard) Status() (int, int, error) {
	if b.closed.Load() {
		return 0, 0, ErrBoardClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == nil {
		return 0, 0, fmt.Errorf("%w: no video mode set", ErrNotStarted)
	}
	return b.mode.Width, b.mode.Height, nil
}

// Frames returns how many frames were filled.
func (b *TestBoard) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}

// Close implements Board.
func (b *TestBoard) Close() error {
	b.closed.Store(true)
	return nil
}
