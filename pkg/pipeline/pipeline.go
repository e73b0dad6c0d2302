// Package pipeline connects capture devices, the compressor and the sinks.
//
// Video flows capture -> compress -> send, audio flows capture -> send.
// Stages are joined by small bounded channels; a full channel drops the
// newest frame instead of blocking the stage before it, so a slow sink
// never stalls capture.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Errors
var (
	ErrNoSource       = errors.New("pipeline has no source")
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Defaults
const (
	DefaultQueueSize = 2
	DefaultAudioPoll = 10 * time.Millisecond
)

// VideoSource is a video capture device.
type VideoSource interface {
	Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error)
}

// AudioSource is an audio capture device.
type AudioSource interface {
	Read() (*frame.AudioFrame, error)
}

// Compressor turns raw frames into compressed ones. It may return nil
// while it buffers.
type Compressor interface {
	Compress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error)
}

// VideoSink consumes frames leaving the pipeline.
type VideoSink interface {
	WriteVideo(f *frame.VideoFrame) error
}

// AudioSink consumes audio leaving the pipeline.
type AudioSink interface {
	WriteAudio(f *frame.AudioFrame) error
}

// AudioPlayer plays audio locally.
type AudioPlayer interface {
	PutFrame(f *frame.AudioFrame)
}

// VideoSinkFunc adapts a function to VideoSink.
type VideoSinkFunc func(f *frame.VideoFrame) error

// WriteVideo calls fn(f).
func (fn VideoSinkFunc) WriteVideo(f *frame.VideoFrame) error { return fn(f) }

// AudioSinkFunc adapts a function to AudioSink.
type AudioSinkFunc func(f *frame.AudioFrame) error

// WriteAudio calls fn(f).
func (fn AudioSinkFunc) WriteAudio(f *frame.AudioFrame) error { return fn(f) }

// Config wires the stages. Nil stages are skipped: without a Compressor
// raw frames go to the video sinks.
type Config struct {
	Video      VideoSource
	Compressor Compressor
	VideoSinks []VideoSink

	// Audio is polled every AudioPoll. Without it, audio embedded in
	// video captures is used.
	Audio      AudioSource
	AudioPoll  time.Duration
	AudioSinks []AudioSink
	Playback   AudioPlayer

	QueueSize int
}

// Stats counts frames through the pipeline.
type Stats struct {
	Captured    uint64 `json:"captured"`
	Compressed  uint64 `json:"compressed"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
	SinkErrors  uint64 `json:"sink_errors"`
	AudioFrames uint64 `json:"audio_frames"`
}

// Pipeline runs the stages.
type Pipeline struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	running atomic.Bool

	captured    atomic.Uint64
	compressed  atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
	sinkErrors  atomic.Uint64
	audioFrames atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New validates cfg and returns a pipeline ready to Run.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.Video == nil && cfg.Audio == nil {
		return nil, ErrNoSource
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.AudioPoll <= 0 {
		cfg.AudioPoll = DefaultAudioPoll
	}
	p := &Pipeline{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("module", "pipeline").Logger()
	return p, nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:    p.captured.Load(),
		Compressed:  p.compressed.Load(),
		Sent:        p.sent.Load(),
		Dropped:     p.dropped.Load(),
		SinkErrors:  p.sinkErrors.Load(),
		AudioFrames: p.audioFrames.Load(),
	}
}

// Run processes frames until ctx is done or a source fails. It returns
// ctx.Err() when stopped by ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	audio := make(chan *frame.AudioFrame, p.cfg.QueueSize)
	audioFromVideo := p.cfg.Audio == nil && p.cfg.Video != nil
	hasAudio := p.cfg.Audio != nil || len(p.cfg.AudioSinks) > 0 || p.cfg.Playback != nil

	if p.cfg.Video != nil {
		raw := make(chan *frame.VideoFrame, p.cfg.QueueSize)
		out := make(chan *frame.VideoFrame, p.cfg.QueueSize)
		var embedded chan<- *frame.AudioFrame
		if audioFromVideo && hasAudio {
			embedded = audio
		}
		g.Go(func() error { return p.capture(gctx, raw, embedded) })
		g.Go(func() error { return p.compress(gctx, raw, out) })
		g.Go(func() error { return p.send(out) })
	}
	if p.cfg.Audio != nil {
		g.Go(func() error { return p.captureAudio(gctx, audio) })
	}
	if hasAudio {
		g.Go(func() error { return p.sendAudio(audio) })
	}
	p.log.Info().
		Bool("video", p.cfg.Video != nil).
		Bool("compress", p.cfg.Compressor != nil).
		Int("video_sinks", len(p.cfg.VideoSinks)).
		Bool("audio", hasAudio).
		Msg("pipeline started")

	err := g.Wait()
	p.log.Info().Interface("stats", p.Stats()).Msg("pipeline stopped")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func offer[T interface{ Release() }](p *Pipeline, ch chan<- T, f T, stage string) {
	select {
	case ch <- f:
	default:
		f.Release()
		p.dropped.Add(1)
		p.metrics.RecordFrameDropped(stage)
	}
}

func (p *Pipeline) capture(ctx context.Context, raw chan<- *frame.VideoFrame, audio chan<- *frame.AudioFrame) error {
	defer close(raw)
	if audio != nil {
		defer close(audio)
	}
	for {
		v, a, err := p.cfg.Video.Grab(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("video capture: %w", err)
		}
		if v != nil {
			p.captured.Add(1)
			offer(p, raw, v, "compress")
		}
		if a != nil && audio != nil {
			offer(p, audio, a.Clone(), "audio")
		}
	}
}

func (p *Pipeline) compress(ctx context.Context, raw <-chan *frame.VideoFrame, out chan<- *frame.VideoFrame) error {
	defer close(out)
	for f := range raw {
		if p.cfg.Compressor == nil {
			offer(p, out, f, "send")
			continue
		}
		c, err := p.cfg.Compressor.Compress(ctx, f)
		f.Release()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.dropped.Add(1)
			p.metrics.RecordFrameDropped("compress")
			p.log.Error().Err(err).Msg("compress failed")
			continue
		}
		if c != nil {
			p.compressed.Add(1)
			offer(p, out, c, "send")
		}
	}
	return nil
}

func (p *Pipeline) send(in <-chan *frame.VideoFrame) error {
	for f := range in {
		for _, s := range p.cfg.VideoSinks {
			if err := s.WriteVideo(f); err != nil {
				p.sinkErrors.Add(1)
				p.log.Warn().Err(err).Msg("video sink")
			}
		}
		p.sent.Add(1)
		f.Release()
	}
	return nil
}

func (p *Pipeline) captureAudio(ctx context.Context, out chan<- *frame.AudioFrame) error {
	defer close(out)
	ticker := time.NewTicker(p.cfg.AudioPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			a, err := p.cfg.Audio.Read()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("audio capture: %w", err)
			}
			if a == nil {
				break
			}
			// the device reuses its frame on the next Read
			offer(p, out, a.Clone(), "audio")
		}
	}
}

func (p *Pipeline) sendAudio(in <-chan *frame.AudioFrame) error {
	for a := range in {
		for _, s := range p.cfg.AudioSinks {
			if err := s.WriteAudio(a); err != nil {
				p.sinkErrors.Add(1)
				p.log.Warn().Err(err).Msg("audio sink")
			}
		}
		if p.cfg.Playback != nil {
			p.cfg.Playback.PutFrame(a)
		}
		p.audioFrames.Add(1)
		a.Release()
	}
	return nil
}
