package frame

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// AudioDesc describes the format of an audio stream. Samples are signed
// little-endian integers, interleaved.
type AudioDesc struct {
	BPS        int // bytes per sample: 1, 2, 3 or 4
	Channels   int
	SampleRate int
}

// String formats the description as "48000 Hz, 2 ch, 16 bits".
func (d AudioDesc) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %d bits", d.SampleRate, d.Channels, d.BPS*8)
}

// BytesPerSecond returns the data rate of the format.
func (d AudioDesc) BytesPerSecond() int {
	return d.BPS * d.Channels * d.SampleRate
}

// Valid reports whether every field of the description is usable.
func (d AudioDesc) Valid() bool {
	return d.BPS >= 1 && d.BPS <= 4 && d.Channels > 0 && d.SampleRate > 0
}

// AudioFrame is a buffer of interleaved PCM. len(Data) is the number of
// valid bytes and cap(Data) the maximum the frame can hold.
type AudioFrame struct {
	AudioDesc

	Data []byte

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration

	pool     *AudioFramePool
	released atomic.Bool
}

// NewAudioFrame allocates an empty frame able to hold maxSize bytes.
func NewAudioFrame(desc AudioDesc, maxSize int) *AudioFrame {
	return &AudioFrame{
		AudioDesc: desc,
		Data:      make([]byte, 0, maxSize),
	}
}

// Desc returns the frame's description.
func (f *AudioFrame) Desc() AudioDesc {
	return f.AudioDesc
}

// DataLen returns the number of valid bytes.
func (f *AudioFrame) DataLen() int {
	return len(f.Data)
}

// MaxSize returns the capacity of the frame in bytes.
func (f *AudioFrame) MaxSize() int {
	return cap(f.Data)
}

// Append copies as much of p as fits and returns the number of bytes
// copied.
func (f *AudioFrame) Append(p []byte) int {
	n := min(len(p), cap(f.Data)-len(f.Data))
	f.Data = append(f.Data, p[:n]...)
	return n
}

// Reset empties the frame keeping its capacity.
func (f *AudioFrame) Reset() {
	f.Data = f.Data[:0]
}

// Samples returns the number of samples per channel.
func (f *AudioFrame) Samples() int {
	frameSize := f.BPS * f.Channels
	if frameSize == 0 {
		return 0
	}
	return len(f.Data) / frameSize
}

// Duration returns the duration of the audio in this frame.
func (f *AudioFrame) Duration() time.Duration {
	return SamplesDuration(int64(f.Samples()), f.SampleRate)
}

// SamplesDuration returns how long samples last at rate. Whole seconds
// and the remainder are scaled apart so long streams do not overflow.
func SamplesDuration(samples int64, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration(samples/r)*time.Second + time.Duration(samples%r)*time.Second/time.Duration(r)
}

// DurationSamples returns the number of samples at rate in d, rounded
// down.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*int64(rate) + rem*int64(rate)/int64(time.Second)
}

// Clone creates a deep copy of the frame with the same capacity.
func (f *AudioFrame) Clone() *AudioFrame {
	clone := &AudioFrame{
		AudioDesc: f.AudioDesc,
		Data:      make([]byte, len(f.Data), cap(f.Data)),
		Timestamp: f.Timestamp,
	}
	copy(clone.Data, f.Data)
	return clone
}

// Release returns the frame to its pool for reuse. Calling it more than
// once has no effect.
func (f *AudioFrame) Release() {
	if f != nil && f.pool != nil {
		f.pool.Put(f)
	}
}

// MultiplyChannel replaces the frame content with n interleaved copies of
// its first channel. Capacity grows when needed.
func (f *AudioFrame) MultiplyChannel(n int) {
	if n <= 0 || f.BPS <= 0 || f.Channels <= 0 {
		return
	}
	samples := f.Samples()
	inFrame := f.BPS * f.Channels
	outFrame := f.BPS * n

	out := f.Data
	if samples*outFrame > cap(out) || n > f.Channels {
		// expanding in place would overwrite unread input
		out = make([]byte, samples*outFrame, max(cap(f.Data), samples*outFrame))
	} else {
		out = out[:samples*outFrame]
	}
	for i := 0; i < samples; i++ {
		src := f.Data[i*inFrame : i*inFrame+f.BPS]
		for c := 0; c < n; c++ {
			copy(out[i*outFrame+c*f.BPS:], src)
		}
	}
	f.Data = out
	f.Channels = n
}

// ChangeBPS converts signed little-endian samples from inBPS to outBPS
// bytes per sample keeping the most significant bytes. It returns the
// number of bytes written to out.
func ChangeBPS(out []byte, outBPS int, in []byte, inBPS int) int {
	if inBPS <= 0 || outBPS <= 0 || inBPS > 4 || outBPS > 4 {
		return 0
	}
	samples := min(len(in)/inBPS, len(out)/outBPS)
	for i := 0; i < samples; i++ {
		s := in[i*inBPS : (i+1)*inBPS]
		var v int32
		for b := inBPS - 1; b >= 0; b-- {
			v = v<<8 | int32(s[b])
		}
		// left-align so that the sign bit is bit 31
		v <<= 32 - 8*inBPS
		v >>= 32 - 8*outBPS
		d := out[i*outBPS : (i+1)*outBPS]
		for b := 0; b < outBPS; b++ {
			d[b] = byte(v >> (8 * b))
		}
	}
	return samples * outBPS
}

// AudioFramePool manages reusable audio frames to reduce allocations.
type AudioFramePool struct {
	mu      sync.Mutex
	frames  []*AudioFrame
	maxSize int
	desc    AudioDesc
	bufSize int
}

// NewAudioFramePool creates a pool of frames of bufSize bytes each.
func NewAudioFramePool(desc AudioDesc, bufSize, poolSize int) *AudioFramePool {
	pool := &AudioFramePool{
		maxSize: poolSize,
		desc:    desc,
		bufSize: bufSize,
		frames:  make([]*AudioFrame, 0, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		f := NewAudioFrame(desc, bufSize)
		f.pool = pool
		f.released.Store(true)
		pool.frames = append(pool.frames, f)
	}
	return pool
}

// Get returns an empty frame from the pool or allocates a new one.
func (p *AudioFramePool) Get() *AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) > 0 {
		f := p.frames[len(p.frames)-1]
		p.frames = p.frames[:len(p.frames)-1]
		f.AudioDesc = p.desc
		f.Timestamp = 0
		f.Reset()
		f.released.Store(false)
		return f
	}

	f := NewAudioFrame(p.desc, p.bufSize)
	f.pool = p
	return f
}

// Put returns a frame to the pool. A frame already in the pool is
// ignored.
func (p *AudioFramePool) Put(f *AudioFrame) {
	if f == nil || f.pool != p || f.released.Swap(true) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) < p.maxSize {
		p.frames = append(p.frames, f)
	}
}
