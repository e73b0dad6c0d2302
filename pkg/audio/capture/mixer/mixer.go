// Package mixer is an audio capture device that plays a file (or the
// bundled sample song) through a software mixer and captures the mixed
// output.
//
// A mixer goroutine produces fixed-size chunks in real time, applies the
// volume and hands each chunk to a post-mix callback that writes it into
// a one-second ring buffer. Read drains the ring.
package mixer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/audio/capture"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// DriverName is the name the driver registers under.
const DriverName = "mixer"

// Mixer constants
const (
	SampleRate    = 48000
	ChunkSamples  = 4096
	MaxVolume     = 128
	DefaultVolume = MaxVolume / 4
	DefaultBPS    = 2
)

// Config configures the mixer.
type Config struct {
	File     string // empty plays the bundled song
	Volume   int    // 0..MaxVolume
	BPS      int    // 1, 2 or 4
	Channels int
}

// DefaultConfig returns the mixer defaults.
func DefaultConfig() Config {
	return Config{Volume: DefaultVolume, BPS: DefaultBPS, Channels: 1}
}

// Desc returns the captured format.
func (c Config) Desc() frame.AudioDesc {
	return frame.AudioDesc{BPS: c.BPS, Channels: c.Channels, SampleRate: SampleRate}
}

// ParseConfig parses "file=<path>:volume=<0..128>".
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	for _, o := range opts.Parse(s) {
		switch o.Key {
		case "file":
			cfg.File = o.Value
		case "volume":
			v, err := opts.Int("volume", o.Value, 0, MaxVolume)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
			}
			cfg.Volume = v
		default:
			return Config{}, fmt.Errorf("%w: wrong option %q", capture.ErrInvalidOptions, o.Key)
		}
	}
	return cfg, nil
}

// PostMix receives every mixed chunk on the mixer goroutine.
type PostMix func(chunk []byte)

// Mixer is an open mixer capture.
type Mixer struct {
	cfg    Config
	desc   frame.AudioDesc
	src    Source
	ring   *ringbuf.Buffer
	frame  *frame.AudioFrame
	log    zerolog.Logger
	period time.Duration

	mu      sync.Mutex
	postMix []PostMix

	read   int64 // bytes handed out by Read
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New starts mixing src. The source must produce PCM in cfg's format.
func New(src Source, cfg Config, log zerolog.Logger) (*Mixer, error) {
	switch cfg.BPS {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("%w: BPS can be only 1, 2 or 4, got %d", capture.ErrInvalidOptions, cfg.BPS)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: channels %d", capture.ErrInvalidOptions, cfg.Channels)
	}
	if cfg.Volume < 0 || cfg.Volume > MaxVolume {
		return nil, fmt.Errorf("%w: volume %d", capture.ErrInvalidOptions, cfg.Volume)
	}

	desc := cfg.Desc()
	second := desc.BytesPerSecond()
	m := &Mixer{
		cfg:    cfg,
		desc:   desc,
		src:    src,
		ring:   ringbuf.New(second),
		frame:  frame.NewAudioFrame(desc, second),
		log:    log,
		period: time.Duration(ChunkSamples) * time.Second / SampleRate,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	// the capture callback: keep the mixed audio instead of playing it
	m.RegisterPostMix(func(chunk []byte) { m.ring.Write(chunk) })

	go m.run()
	log.Info().Stringer("format", desc).Int("volume", cfg.Volume).Str("file", cfg.File).Msg("mixer initialized")
	return m, nil
}

// RegisterPostMix adds a callback invoked with every mixed chunk.
func (m *Mixer) RegisterPostMix(fn PostMix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postMix = append(m.postMix, fn)
}

func (m *Mixer) run() {
	defer close(m.done)
	chunk := make([]byte, ChunkSamples*m.desc.BPS*m.desc.Channels)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(m.src, chunk)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if !m.closed.Load() {
				m.log.Error().Err(err).Msg("source ended")
			}
			return
		}
		clear(chunk[n:])
		ApplyVolume(chunk, m.desc.BPS, m.cfg.Volume)

		m.mu.Lock()
		for _, fn := range m.postMix {
			fn(chunk)
		}
		m.mu.Unlock()

		select {
		case <-ticker.C:
		case <-m.quit:
			return
		}
	}
}

// ApplyVolume scales signed little-endian samples by volume/MaxVolume.
func ApplyVolume(buf []byte, bps, volume int) {
	if volume >= MaxVolume {
		return
	}
	switch bps {
	case 1:
		for i := range buf {
			buf[i] = byte(int8(int(int8(buf[i])) * volume / MaxVolume))
		}
	case 2:
		for i := 0; i+1 < len(buf); i += 2 {
			s := int(int16(binary.LittleEndian.Uint16(buf[i:])))
			binary.LittleEndian.PutUint16(buf[i:], uint16(int16(s*volume/MaxVolume)))
		}
	case 4:
		for i := 0; i+3 < len(buf); i += 4 {
			s := int64(int32(binary.LittleEndian.Uint32(buf[i:])))
			binary.LittleEndian.PutUint32(buf[i:], uint32(int32(s*int64(volume)/MaxVolume)))
		}
	}
}

// Read returns the audio mixed since the last call, up to one second, or
// nil if none is buffered.
func (m *Mixer) Read() (*frame.AudioFrame, error) {
	if m.closed.Load() {
		return nil, capture.ErrDeviceClosed
	}
	f := m.frame
	f.Data = f.Data[:f.MaxSize()]
	n := m.ring.Read(f.Data)
	f.Data = f.Data[:n]
	if n == 0 {
		return nil, nil
	}
	f.Timestamp = frame.SamplesDuration(m.read/int64(m.desc.BPS*m.desc.Channels), SampleRate)
	m.read += int64(n)
	return f, nil
}

// Desc returns the captured format.
func (m *Mixer) Desc() frame.AudioDesc {
	return m.desc
}

// Close stops the mixer and the source.
func (m *Mixer) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.quit)
	err := m.src.Close()
	<-m.done
	return err
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "mixer plays audio files (FLAC, MP3, Vorbis, WAV, ...) and captures the result.")
	fmt.Fprintln(w, "Without a file it plays the bundled sample song.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "\t-s mixer[:file=<filename>][:volume=<vol>]")
	fmt.Fprintln(w, "where")
	fmt.Fprintln(w, "\t<filename> - name of file to be used")
	fmt.Fprintf(w, "\t<vol>      - volume [0..%d], default %d\n", MaxVolume, DefaultVolume)
}

func open(options string, p capture.Params) (capture.Device, error) {
	if opts.IsHelp(options) {
		printHelp(p.Help)
		return nil, capture.ErrHelpShown
	}
	cfg, err := ParseConfig(options)
	if err != nil {
		p.Log.Error().Msg("use -s mixer:help to see available options")
		return nil, err
	}
	if p.BPS != 0 {
		cfg.BPS = p.BPS
	}
	if p.Channels > 0 {
		cfg.Channels = p.Channels
	}
	if _, err := SampleFormat(cfg.BPS); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
	}

	var src Source
	if cfg.File != "" {
		ffmpeg := p.FFmpegPath
		if ffmpeg == "" {
			ffmpeg = "ffmpeg"
		}
		src, err = NewFileSource(ffmpeg, cfg.File, cfg.Desc(), p.Log)
		if err != nil {
			return nil, fmt.Errorf("error loading file: %w", err)
		}
	} else {
		src = NewMelody(cfg.Desc())
	}
	m, err := New(src, cfg, p.Log)
	if err != nil {
		src.Close()
		return nil, err
	}
	return m, nil
}

func init() {
	capture.Register(DriverName, capture.Driver{
		Description: "file player and sample song",
		Discover: func() []capture.DeviceInfo {
			return []capture.DeviceInfo{{Name: "mixer", Description: "Sample song"}}
		},
		Open: open,
	})
}
