package encoder

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
	"github.com/thesyncim/uvkit/pkg/frame"
)

const (
	stderrTailSize = 4096
	packetQueue    = 16
	exitWait       = time.Second
	stopTimeout    = 2 * time.Second
)

func init() {
	registerBackend(BackendExec, newExecCompressor)
}

// execCompressor pipes raw frames through an ffmpeg subprocess and splits
// its output into pictures.
type execCompressor struct {
	cfg     *codec.CompressConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	ffmpeg  string

	closed atomic.Bool
	mu     sync.Mutex

	proc     *ffmpegProc
	desc     frame.VideoDesc
	pixFmt   string // "" = derived from cfg
	fallback bool
	pending  []pendingFrame
}

type pendingFrame struct {
	ts time.Duration
	at time.Time
}

func newExecCompressor(cfg *codec.CompressConfig, o *options) (VideoCompressor, error) {
	if _, err := muxerArgs(cfg.Codec); err != nil {
		return nil, err
	}
	return &execCompressor{
		cfg:     cfg,
		log:     o.log,
		metrics: o.metrics,
		ffmpeg:  o.ffmpegPath,
	}, nil
}

func validFrame(f *frame.VideoFrame) bool {
	if f == nil || len(f.Tiles) == 0 {
		return false
	}
	if f.Codec.IsCompressed() || f.Codec.PixFmt() == "" {
		return false
	}
	return len(f.Data()) >= f.Codec.FrameSize(f.Width, f.Height)
}

func (c *execCompressor) Compress(ctx context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	if c.closed.Load() {
		return nil, ErrEncoderClosed
	}
	if !validFrame(f) {
		return nil, ErrInvalidFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	desc := f.Desc()
	if c.proc != nil && !c.desc.Equal(desc) {
		c.log.Info().Stringer("from", c.desc).Stringer("to", desc).Msg("input format changed, reconfiguring encoder")
		c.stopProc()
		c.metrics.RecordEncoderRestart()
		c.pixFmt = ""
		c.fallback = false
	}
	if c.proc == nil {
		if err := c.start(desc); err != nil {
			return nil, err
		}
	}

	data := f.Data()[:f.Codec.FrameSize(f.Width, f.Height)]
	if err := c.submit(ctx, desc, data); err != nil {
		return nil, err
	}
	c.pending = append(c.pending, pendingFrame{ts: f.Timestamp, at: time.Now()})
	return c.poll(), nil
}

func (c *execCompressor) start(desc frame.VideoDesc) error {
	enc := EncoderFor(c.cfg, desc.Codec)
	pixFmt := c.pixFmt
	if pixFmt == "" {
		pixFmt = OutputPixFmt(c.cfg, desc, enc)
	}
	args, err := BuildArgs(c.cfg, desc, enc, pixFmt)
	if err != nil {
		return err
	}

	proc, err := startFFmpeg(c.ffmpeg, args, c.cfg.Codec)
	if err != nil {
		c.log.Error().Err(err).Str("ffmpeg", c.ffmpeg).Msg("could not start encoder")
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	c.log.Info().
		Str("encoder", enc).
		Str("pix_fmt", pixFmt).
		Stringer("input", desc).
		Str("options", c.cfg.String()).
		Msg("encoder started")
	c.log.Debug().Strs("args", args).Msg("ffmpeg command line")

	c.proc = proc
	c.desc = desc
	c.pixFmt = pixFmt
	return nil
}

// submit writes one raw frame. An encoder that exits before producing
// anything is restarted once with FallbackPixFmt.
func (c *execCompressor) submit(ctx context.Context, desc frame.VideoDesc, data []byte) error {
	for {
		if !c.proc.exited() {
			err := c.proc.write(data)
			if err == nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.proc.waitExit(exitWait)
			if !c.proc.exited() {
				return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
			}
		}

		tail := c.proc.stderrTail()
		if c.proc.emitted.Load() || c.fallback || c.pixFmt == FallbackPixFmt {
			c.log.Error().Err(c.proc.err).AnErr("read_error", c.proc.readErr).Str("stderr", tail).Msg("encoder exited")
			c.stopProc()
			return fmt.Errorf("%w: %s", ErrEncodeFailed, lastLine(tail))
		}

		c.log.Warn().
			Str("pix_fmt", c.pixFmt).
			Str("fallback", FallbackPixFmt).
			Str("stderr", tail).
			Msg("encoder rejected pixel format, retrying")
		c.stopProc()
		c.fallback = true
		c.pixFmt = FallbackPixFmt
		if err := c.start(desc); err != nil {
			return err
		}
	}
}

// poll returns a ready picture without blocking.
func (c *execCompressor) poll() *frame.VideoFrame {
	select {
	case p, ok := <-c.proc.packets:
		if !ok {
			return nil
		}
		var pf pendingFrame
		if len(c.pending) > 0 {
			pf = c.pending[0]
			c.pending = c.pending[1:]
		}
		elapsed := time.Duration(0)
		if !pf.at.IsZero() {
			elapsed = time.Since(pf.at)
		}
		c.metrics.RecordCompress(c.cfg.Codec.String(), elapsed.Seconds(), len(p.Data), p.Keyframe)
		return compressedFrame(c.desc, c.cfg.Codec, p, pf.ts)
	default:
		return nil
	}
}

func (c *execCompressor) stopProc() {
	if c.proc == nil {
		return
	}
	c.proc.stop(stopTimeout)
	c.proc = nil
	c.pending = nil
}

func (c *execCompressor) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopProc()
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ffmpegProc is one running encoder process.
type ffmpegProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *ringbuf.Tail

	packets chan Packet
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	emitted atomic.Bool
	err     error // process exit status, valid after done
	readErr error
}

func startFFmpeg(path string, args []string, t codec.Type) (*ffmpegProc, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	reader, err := NewPacketReader(t, stdout)
	if err != nil {
		return nil, err
	}
	p := &ffmpegProc{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  ringbuf.NewTail(stderrTailSize),
		packets: make(chan Packet, packetQueue),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go p.run(reader)
	return p, nil
}

func (p *ffmpegProc) run(r PacketReader) {
	defer close(p.done)
	defer close(p.packets)

	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			if err != io.EOF {
				p.readErr = err
			}
			break
		}
		p.emitted.Store(true)
		select {
		case p.packets <- pkt:
			continue
		case <-p.quit:
		}
		break
	}
	// unblock the process before waiting for it
	_, _ = io.Copy(io.Discard, p.stdout)
	p.err = p.cmd.Wait()
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

func (p *ffmpegProc) stderrTail() string {
	return p.stderr.String()
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
