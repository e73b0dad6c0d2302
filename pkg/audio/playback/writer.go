package playback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/opts"
	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// DriverName is the name the writer driver registers under.
const DriverName = "writer"

// DefaultPeriod is how often a WriterOutput pulls audio.
const DefaultPeriod = 10 * time.Millisecond

// OpenFunc opens the destination for a format.
type OpenFunc func(desc frame.AudioDesc) (io.WriteCloser, error)

// WriterOutput is a clock-driven Output that pulls PCM from the player
// at the format's real-time rate and writes it to an io.Writer.
type WriterOutput struct {
	open   OpenFunc
	period time.Duration
	log    zerolog.Logger

	mu   sync.Mutex
	desc frame.AudioDesc
	w    io.WriteCloser
	quit chan struct{}
	done chan struct{}
}

// NewWriterOutput returns an output writing to what open returns.
func NewWriterOutput(open OpenFunc, log zerolog.Logger) *WriterOutput {
	return &WriterOutput{open: open, period: DefaultPeriod, log: log}
}

// Configure reopens the destination for desc.
func (o *WriterOutput) Configure(desc frame.AudioDesc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		return errors.New("output is running")
	}
	if o.w != nil {
		if err := o.w.Close(); err != nil {
			o.log.Warn().Err(err).Msg("close previous destination")
		}
		o.w = nil
	}
	w, err := o.open(desc)
	if err != nil {
		return err
	}
	o.desc, o.w = desc, w
	return nil
}

// Start begins pulling from render. A failed write ends the loop and is
// reported to fail.
func (o *WriterOutput) Start(render RenderFunc, fail FailFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.w == nil {
		return errors.New("output is not configured")
	}
	if o.done != nil {
		return errors.New("output is running")
	}
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop(render, fail, o.w, o.desc, o.quit, o.done)
	return nil
}

func (o *WriterOutput) loop(render RenderFunc, fail FailFunc, w io.Writer, desc frame.AudioDesc, quit, done chan struct{}) {
	defer close(done)
	frameSize := desc.BPS * desc.Channels
	buf := make([]byte, 0, desc.BytesPerSecond()/10)
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()

	start := time.Now()
	var written int64 // sample frames
	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			due := frame.DurationSamples(now.Sub(start), desc.SampleRate)
			n := int(due - written)
			if n <= 0 {
				continue
			}
			size := min(n*frameSize, cap(buf)/frameSize*frameSize)
			buf = buf[:size]
			if !render(buf) {
				return
			}
			written += int64(size / frameSize)
			if _, err := w.Write(buf); err != nil {
				o.log.Error().Err(err).Msg("write audio")
				if fail != nil {
					fail(fmt.Errorf("write audio: %w", err))
				}
				return
			}
		}
	}
}

// Stop stops the pull loop and waits for it.
func (o *WriterOutput) Stop() {
	o.mu.Lock()
	quit, done := o.quit, o.done
	o.quit, o.done = nil, nil
	o.mu.Unlock()
	if done == nil {
		return
	}
	close(quit)
	<-done
}

// Close stops the output and closes the destination.
func (o *WriterOutput) Close() error {
	o.Stop()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.w == nil {
		return nil
	}
	err := o.w.Close()
	o.w = nil
	return err
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Discard drops all audio.
func Discard(frame.AudioDesc) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

// Stdout writes raw PCM to standard output.
func Stdout(frame.AudioDesc) (io.WriteCloser, error) {
	return nopCloser{os.Stdout}, nil
}

// File writes raw PCM to path, truncating it on every format change.
func File(path string) OpenFunc {
	return func(frame.AudioDesc) (io.WriteCloser, error) {
		return os.Create(path)
	}
}

// processWriter is the stdin of a player subprocess.
type processWriter struct {
	io.WriteCloser
	cmd    *exec.Cmd
	stderr *ringbuf.Tail
	log    zerolog.Logger
}

func (p *processWriter) Close() error {
	p.WriteCloser.Close()
	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()
	var err error
	select {
	case err = <-exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		err = <-exited
	}
	if tail := p.stderr.String(); tail != "" {
		p.log.Debug().Str("stderr", tail).Msg("player exited")
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

// Process starts bin with the arguments args returns and writes PCM to
// its stdin.
func Process(bin string, args func(frame.AudioDesc) ([]string, error), log zerolog.Logger) OpenFunc {
	return func(desc frame.AudioDesc) (io.WriteCloser, error) {
		a, err := args(desc)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(bin, a...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		p := &processWriter{WriteCloser: stdin, cmd: cmd, stderr: ringbuf.NewTail(4096), log: log}
		cmd.Stderr = p.stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", bin, err)
		}
		log.Debug().Str("cmd", cmd.String()).Msg("player started")
		return p, nil
	}
}

// APlayArgs returns the aplay arguments playing raw PCM in desc's format
// from stdin.
func APlayArgs(desc frame.AudioDesc) ([]string, error) {
	var format string
	switch desc.BPS {
	case 1:
		format = "S8"
	case 2:
		format = "S16_LE"
	case 3:
		format = "S24_3LE"
	case 4:
		format = "S32_LE"
	default:
		return nil, fmt.Errorf("%w: %d bytes per sample", ErrInvalidFormat, desc.BPS)
	}
	return []string{
		"-q", "-t", "raw", "-f", format,
		"-c", strconv.Itoa(desc.Channels),
		"-r", strconv.Itoa(desc.SampleRate),
		"-",
	}, nil
}

// FFplayArgs returns the ffplay arguments playing raw PCM in desc's
// format from stdin.
func FFplayArgs(desc frame.AudioDesc) ([]string, error) {
	var format string
	switch desc.BPS {
	case 1:
		format = "s8"
	case 2:
		format = "s16le"
	case 3:
		format = "s24le"
	case 4:
		format = "s32le"
	default:
		return nil, fmt.Errorf("%w: %d bytes per sample", ErrInvalidFormat, desc.BPS)
	}
	var layout string
	switch desc.Channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	default:
		layout = strconv.Itoa(desc.Channels) + "c"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-autoexit",
		"-f", format,
		"-ar", strconv.Itoa(desc.SampleRate),
		"-ch_layout", layout,
		"-i", "-",
	}, nil
}

// ParseDestination maps writer options to an OpenFunc:
// "null", "-", "aplay[=<bin>]", "ffplay[=<bin>]" or a file path.
func ParseDestination(options string, log zerolog.Logger) (OpenFunc, string, error) {
	items := opts.Parse(options)
	if len(items) == 0 {
		return Discard, "null", nil
	}
	if len(items) > 1 {
		return nil, "", fmt.Errorf("%w: one destination expected", ErrInvalidOptions)
	}
	o := items[0]
	bin := o.Key
	if o.HasValue {
		bin = o.Value
	}
	switch o.Key {
	case "null":
		return Discard, "null", nil
	case "-":
		return Stdout, "stdout", nil
	case "aplay":
		return Process(bin, APlayArgs, log), "aplay", nil
	case "ffplay":
		return Process(bin, FFplayArgs, log), "ffplay", nil
	}
	if o.HasValue {
		return nil, "", fmt.Errorf("%w: unknown option %q", ErrInvalidOptions, o.Key)
	}
	// opts.Parse lowercases keys, file names keep their case
	path := strings.ReplaceAll(options, `\:`, ":")
	return File(path), path, nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "writer plays raw PCM into a file or a player process.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "\t-r writer[:<dest>]")
	fmt.Fprintln(w, "where <dest> is one of")
	fmt.Fprintln(w, "\tnull            - discard audio (default)")
	fmt.Fprintln(w, "\t-               - standard output")
	fmt.Fprintln(w, "\taplay[=<bin>]   - ALSA aplay")
	fmt.Fprintln(w, "\tffplay[=<bin>]  - FFmpeg ffplay")
	fmt.Fprintln(w, "\t<path>          - raw PCM file")
}

func open(options string, p Params) (Device, error) {
	if opts.IsHelp(options) {
		printHelp(p.Help)
		return nil, ErrHelpShown
	}
	dst, name, err := ParseDestination(options, p.Log)
	if err != nil {
		return nil, err
	}
	out := NewWriterOutput(dst, p.Log)
	p.Log.Info().Str("destination", name).Msg("writer playback opened")
	return NewPlayer(out, WithLogger(p.Log), WithMetrics(p.Metrics)), nil
}

func init() {
	Register(DriverName, Driver{
		Description: "raw PCM to a file, stdout, aplay or ffplay",
		Discover: func() []DeviceInfo {
			devs := []DeviceInfo{{Name: "null", Description: "discard"}, {Name: "-", Description: "standard output"}}
			for _, bin := range []string{"aplay", "ffplay"} {
				if _, err := exec.LookPath(bin); err == nil {
					devs = append(devs, DeviceInfo{Name: bin, Description: bin + " subprocess"})
				}
			}
			return devs
		},
		Open: open,
	})
}
