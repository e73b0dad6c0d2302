package playback

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// StallTimeout is how long an output may underflow before the player
// stops it. The next PutFrame restarts it.
const StallTimeout = 2 * time.Second

// RenderFunc fills dst with the next audio to play. It is called from
// the output's goroutine. Returning false asks the output to stop.
type RenderFunc func(dst []byte) bool

// FailFunc reports that an output stopped on its own because of err.
type FailFunc func(err error)

// Output is the device the player renders into.
type Output interface {
	// Configure sets the format. The output must be stopped.
	Configure(desc frame.AudioDesc) error
	// Start runs render until Stop. An output that gives up by itself
	// calls fail before its goroutine exits.
	Start(render RenderFunc, fail FailFunc) error
	// Stop stops rendering and waits for the render goroutine to exit.
	Stop()
}

// Player buffers frames in a ring and feeds them to an Output.
type Player struct {
	out     Output
	log     zerolog.Logger
	warn    zerolog.Logger // sampled, underflows happen every tick
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	desc     frame.AudioDesc
	ring     atomic.Pointer[ringbuf.Buffer]
	lastFull atomic.Int64 // unix nanoseconds of the last full read
	stopped  atomic.Bool
	failed   atomic.Bool // the output died, reopen it before restarting
	closed   atomic.Bool
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithLogger sets the player's logger.
func WithLogger(log zerolog.Logger) PlayerOption {
	return func(p *Player) {
		p.log = log
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *metrics.Metrics) PlayerOption {
	return func(p *Player) {
		p.metrics = m
	}
}

// NewPlayer returns a player for out. Nothing plays until Reconfigure or
// the first PutFrame.
func NewPlayer(out Output, opts ...PlayerOption) *Player {
	p := &Player{
		out: out,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.warn = p.log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second})
	p.stopped.Store(true)
	return p
}

// Reconfigure resizes the ring to one second of desc and restarts the
// output in the new format.
func (p *Player) Reconfigure(desc frame.AudioDesc) error {
	if p.closed.Load() {
		return ErrDeviceClosed
	}
	if !desc.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, desc)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out.Stop()
	p.stopped.Store(true)
	p.failed.Store(false)
	p.desc = desc
	p.ring.Store(ringbuf.New(desc.BytesPerSecond()))
	if err := p.out.Configure(desc); err != nil {
		p.log.Error().Err(err).Stringer("format", desc).Msg("cannot configure output")
		return err
	}
	if err := p.start(); err != nil {
		return err
	}
	p.log.Info().Stringer("format", desc).Msg("playback configured")
	return nil
}

// start must be called with mu held. render never takes mu, so Stop may
// wait for the render goroutine while mu is held.
func (p *Player) start() error {
	p.lastFull.Store(p.now().UnixNano())
	if err := p.out.Start(p.render, p.fail); err != nil {
		p.log.Error().Err(err).Msg("cannot start output")
		return err
	}
	p.stopped.Store(false)
	return nil
}

func (p *Player) render(dst []byte) bool {
	n := 0
	if ring := p.ring.Load(); ring != nil {
		n = ring.Read(dst)
	}
	now := p.now()
	if n == len(dst) {
		p.lastFull.Store(now.UnixNano())
		return true
	}
	clear(dst[n:])
	p.metrics.RecordAudioUnderflow()
	p.warn.Warn().Int("want", len(dst)).Int("got", n).Msg("audio buffer underflow")

	if now.Sub(time.Unix(0, p.lastFull.Load())) > StallTimeout {
		p.log.Info().Msg("no audio for a while, stopping output")
		p.stopped.Store(true)
		return false
	}
	return true
}

func (p *Player) fail(err error) {
	p.log.Error().Err(err).Msg("audio output failed")
	p.failed.Store(true)
	p.stopped.Store(true)
}

// PutFrame queues f, reconfiguring on a format change and restarting a
// stopped output.
func (p *Player) PutFrame(f *frame.AudioFrame) {
	if f == nil || p.closed.Load() {
		return
	}
	p.mu.Lock()
	desc := p.desc
	p.mu.Unlock()
	if f.Desc() != desc {
		if err := p.Reconfigure(f.Desc()); err != nil {
			return
		}
	}

	p.mu.Lock()
	if p.stopped.Load() {
		// the render goroutine is exiting or gone
		p.out.Stop()
		if p.failed.Load() {
			if err := p.out.Configure(p.desc); err != nil {
				p.mu.Unlock()
				p.log.Error().Err(err).Msg("cannot reopen output")
				return
			}
			p.failed.Store(false)
		}
		if err := p.start(); err != nil {
			p.mu.Unlock()
			return
		}
		p.log.Debug().Msg("output restarted")
	}
	p.mu.Unlock()

	p.ring.Load().Write(f.Data)
	p.metrics.RecordAudioFrame("playback")
}

// Buffered returns the number of queued bytes.
func (p *Player) Buffered() int {
	ring := p.ring.Load()
	if ring == nil {
		return 0
	}
	return ring.Len()
}

// Stopped reports whether the output is currently stopped.
func (p *Player) Stopped() bool {
	return p.stopped.Load()
}

// Close stops the output and releases it.
func (p *Player) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Stop()
	p.stopped.Store(true)
	if c, ok := p.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
