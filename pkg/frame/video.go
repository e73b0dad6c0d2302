// Package frame provides the video and audio frame types passed between
// capture devices, compressors and transports.
package frame

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/uvkit/pkg/codec"
)

// Interlacing describes how the fields of a frame are laid out.
type Interlacing int

const (
	Progressive Interlacing = iota
	UpperFieldFirst
	LowerFieldFirst
	// InterlacedMerged carries both fields interleaved line by line.
	InterlacedMerged
	SegmentedFrame
)

// String returns the name of the interlacing mode.
func (i Interlacing) String() string {
	switch i {
	case Progressive:
		return "progressive"
	case UpperFieldFirst:
		return "upper field first"
	case LowerFieldFirst:
		return "lower field first"
	case InterlacedMerged:
		return "interlaced merged"
	case SegmentedFrame:
		return "progressive segmented"
	default:
		return "unknown"
	}
}

// Suffix returns the short form used after a frame rate, eg. "25p".
func (i Interlacing) Suffix() string {
	switch i {
	case UpperFieldFirst:
		return "tff"
	case LowerFieldFirst:
		return "bff"
	case InterlacedMerged:
		return "i"
	case SegmentedFrame:
		return "psf"
	default:
		return "p"
	}
}

// VideoDesc describes the format of a video stream.
type VideoDesc struct {
	Width       int
	Height      int
	FPS         float64
	Codec       codec.Type
	Interlacing Interlacing
	TileCount   int
}

// Equal reports whether two descriptions describe the same format. Frame
// rates are compared with a small tolerance.
func (d VideoDesc) Equal(o VideoDesc) bool {
	return d.Width == o.Width &&
		d.Height == o.Height &&
		math.Abs(d.FPS-o.FPS) < 0.01 &&
		d.Codec == o.Codec &&
		d.Interlacing == o.Interlacing &&
		d.tiles() == o.tiles()
}

func (d VideoDesc) tiles() int {
	if d.TileCount <= 0 {
		return 1
	}
	return d.TileCount
}

// String formats the description as "1920x1080@25.00p UYVY".
func (d VideoDesc) String() string {
	return fmt.Sprintf("%dx%d@%.2f%s %s", d.Width, d.Height, d.FPS, d.Interlacing.Suffix(), d.Codec)
}

// FrameDuration returns the duration of one frame, or 0 if FPS is unset.
func (d VideoDesc) FrameDuration() time.Duration {
	if d.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / d.FPS)
}

// Tile is one independently coded region of a frame. Most frames carry a
// single tile covering the whole picture.
type Tile struct {
	Width  int
	Height int
	Data   []byte
}

// DataLen returns the number of valid bytes in the tile.
func (t *Tile) DataLen() int {
	return len(t.Data)
}

// VideoFrame is a captured or compressed video frame.
type VideoFrame struct {
	VideoDesc

	Tiles []Tile

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration

	// IsKeyframe is set on compressed frames that can be decoded alone.
	IsKeyframe bool

	// Dispose is called once by Release. It returns the buffer to whoever
	// owns it (a capture device, a pool). Nil means the garbage collector
	// owns the buffer.
	Dispose func(*VideoFrame)

	released atomic.Bool
}

// NewVideoFrame allocates a frame with raw tiles sized for desc. Tiles of
// compressed frames are left empty.
func NewVideoFrame(desc VideoDesc) *VideoFrame {
	if desc.TileCount <= 0 {
		desc.TileCount = 1
	}
	f := &VideoFrame{
		VideoDesc: desc,
		Tiles:     make([]Tile, desc.TileCount),
	}
	for i := range f.Tiles {
		f.Tiles[i] = Tile{
			Width:  desc.Width,
			Height: desc.Height,
			Data:   make([]byte, desc.Codec.FrameSize(desc.Width, desc.Height)),
		}
	}
	return f
}

// Desc returns the frame's description.
func (f *VideoFrame) Desc() VideoDesc {
	return f.VideoDesc
}

// Release hands the frame back to its owner. Calling it more than once
// has no effect.
func (f *VideoFrame) Release() {
	if f == nil || f.released.Swap(true) {
		return
	}
	if f.Dispose != nil {
		f.Dispose(f)
	}
}

// Data returns the data of the first tile.
func (f *VideoFrame) Data() []byte {
	if len(f.Tiles) == 0 {
		return nil
	}
	return f.Tiles[0].Data
}

// Clone creates a deep copy of the frame. The copy has no Dispose.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		VideoDesc:  f.VideoDesc,
		Tiles:      make([]Tile, len(f.Tiles)),
		Timestamp:  f.Timestamp,
		IsKeyframe: f.IsKeyframe,
	}
	for i, t := range f.Tiles {
		clone.Tiles[i] = Tile{Width: t.Width, Height: t.Height, Data: append([]byte(nil), t.Data...)}
	}
	return clone
}

// VideoFramePool manages reusable frames of a fixed description.
type VideoFramePool struct {
	mu      sync.Mutex
	frames  []*VideoFrame
	maxSize int
	desc    VideoDesc
}

// NewVideoFramePool creates a pool holding up to poolSize idle frames.
func NewVideoFramePool(desc VideoDesc, poolSize int) *VideoFramePool {
	pool := &VideoFramePool{
		maxSize: poolSize,
		desc:    desc,
		frames:  make([]*VideoFrame, 0, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		pool.frames = append(pool.frames, pool.allocFrame())
	}
	return pool
}

// Desc returns the description of the pooled frames.
func (p *VideoFramePool) Desc() VideoDesc {
	return p.desc
}

// Get returns a frame from the pool or allocates a new one. Releasing the
// frame returns it to the pool.
func (p *VideoFramePool) Get() *VideoFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) > 0 {
		f := p.frames[len(p.frames)-1]
		p.frames = p.frames[:len(p.frames)-1]
		f.Timestamp = 0
		f.IsKeyframe = false
		f.released.Store(false)
		return f
	}
	return p.allocFrame()
}

func (p *VideoFramePool) put(f *VideoFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) < p.maxSize {
		p.frames = append(p.frames, f)
	}
}

func (p *VideoFramePool) allocFrame() *VideoFrame {
	f := NewVideoFrame(p.desc)
	f.Dispose = p.put
	return f
}
