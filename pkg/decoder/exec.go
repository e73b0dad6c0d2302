package decoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/frame"
	"github.com/thesyncim/uvkit/pkg/y4m"
)

const (
	stderrTailSize = 4096
	pictureQueue   = 4
	exitWait       = time.Second
	stopTimeout    = 2 * time.Second
)

func init() {
	registerBackend(BackendExec, newExecDecompressor)
}

// execDecompressor pipes compressed frames through an ffmpeg subprocess
// and reads raw pictures back as YUV4MPEG2.
type execDecompressor struct {
	codec   codec.Type
	log     zerolog.Logger
	metrics *metrics.Metrics
	ffmpeg  string

	closed atomic.Bool
	mu     sync.Mutex

	proc    *ffmpegProc
	ivf     *ivfWriter
	desc    frame.VideoDesc
	synced  bool
	pending []time.Duration
}

func newExecDecompressor(t codec.Type, o *options) (VideoDecompressor, error) {
	return &execDecompressor{
		codec:   t,
		log:     o.log,
		metrics: o.metrics,
		ffmpeg:  o.ffmpegPath,
	}, nil
}

func (d *execDecompressor) Decompress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if d.closed.Load() {
		return nil, ErrDecoderClosed
	}
	if !validFrame(d.codec, f) {
		return nil, ErrInvalidFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	desc := f.Desc()
	if d.proc != nil && (desc.Width != d.desc.Width || desc.Height != d.desc.Height) {
		d.log.Info().Stringer("from", d.desc).Stringer("to", desc).Msg("stream format changed, restarting decoder")
		d.stopProc()
	}

	data := f.Data()
	if !d.synced {
		if !f.IsKeyframe && !encoder.IsKeyframe(d.codec, data) {
			d.metrics.RecordFrameDropped("decompress")
			return nil, nil
		}
		d.synced = true
	}
	if d.proc == nil {
		if err := d.start(desc); err != nil {
			return nil, err
		}
	}

	if err := d.submit(data); err != nil {
		return nil, err
	}
	d.pending = append(d.pending, f.Timestamp)
	return d.poll(), nil
}

func (d *execDecompressor) start(desc frame.VideoDesc) error {
	args, err := BuildArgs(d.codec)
	if err != nil {
		return err
	}
	proc, err := startFFmpeg(d.ffmpeg, args)
	if err != nil {
		d.log.Error().Err(err).Str("ffmpeg", d.ffmpeg).Msg("could not start decoder")
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	d.proc = proc
	d.desc = desc
	d.ivf = nil
	switch d.codec {
	case codec.VP8, codec.VP9, codec.AV1:
		d.ivf = &ivfWriter{w: proc.stdin}
		if err := d.ivf.writeHeader(d.codec, desc.Width, desc.Height, desc.FPS); err != nil {
			d.stopProc()
			return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
	}
	d.log.Info().Stringer("input", desc).Msg("decoder started")
	d.log.Debug().Strs("args", args).Msg("ffmpeg command line")
	return nil
}

// submit writes one compressed frame. A decoder that died is stopped and
// the stream waits for the next keyframe.
func (d *execDecompressor) submit(data []byte) error {
	var err error
	if !d.proc.exited() {
		if d.ivf != nil {
			err = d.ivf.writeFrame(data)
		} else {
			err = d.proc.write(data)
		}
		if err == nil {
			return nil
		}
		d.proc.waitExit(exitWait)
	}

	proc := d.proc
	d.stopProc()
	tail := proc.stderr.String()
	d.log.Error().Err(err).AnErr("exit", proc.err).AnErr("read_error", proc.readErr).Str("stderr", tail).Msg("decoder exited")
	if line := lastLine(tail); line != "" {
		return fmt.Errorf("%w: %s", ErrDecodeFailed, line)
	}
	return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
}

// poll returns a decoded picture without blocking.
func (d *execDecompressor) poll() *frame.VideoFrame {
	select {
	case p, ok := <-d.proc.pictures:
		if !ok {
			return nil
		}
		var ts time.Duration
		if len(d.pending) > 0 {
			ts = d.pending[0]
			d.pending = d.pending[1:]
		}
		return rawFrame(p.meta.Width, p.meta.Height, d.desc.FPS, p.data, ts)
	default:
		return nil
	}
}

func (d *execDecompressor) stopProc() {
	d.synced = false
	if d.proc == nil {
		return
	}
	d.proc.stop(stopTimeout)
	d.proc = nil
	d.ivf = nil
	d.pending = nil
}

func (d *execDecompressor) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopProc()
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type picture struct {
	meta y4m.Metadata
	data []byte
}

// ffmpegProc is one running decoder process.
type ffmpegProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *ringbuf.Tail

	pictures chan picture
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once

	err     error // process exit status, valid after done
	readErr error
}

func startFFmpeg(path string, args []string) (*ffmpegProc, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &ffmpegProc{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   ringbuf.NewTail(stderrTailSize),
		pictures: make(chan picture, pictureQueue),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go p.run()
	return p, nil
}

func (p *ffmpegProc) run() {
	defer close(p.done)
	defer close(p.pictures)

	p.readErr = p.read()
	// unblock the process before waiting for it
	_, _ = io.Copy(io.Discard, p.stdout)
	p.err = p.cmd.Wait()
}

func (p *ffmpegProc) read() error {
	r, err := y4m.NewReader(p.stdout)
	if err != nil {
		return err
	}
	meta := r.Metadata()
	if meta.Subsampling != y4m.S420 || meta.BitDepth != 8 {
		return fmt.Errorf("%w: unexpected output %dp%d", ErrDecodeFailed, meta.Subsampling, meta.BitDepth)
	}
	for {
		data, err := r.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case p.pictures <- picture{meta: meta, data: data}:
		case <-p.quit:
			return nil
		}
	}
}

func (p *ffmpegProc) write(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

func (p *ffmpegProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ffmpegProc) waitExit(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

// stop closes stdin so ffmpeg flushes and exits, killing it after timeout.
func (p *ffmpegProc) stop(timeout time.Duration) {
	p.once.Do(func() {
		close(p.quit)
		_ = p.stdin.Close()
	})
	p.waitExit(timeout)
	if !p.exited() {
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
