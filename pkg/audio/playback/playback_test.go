package playback

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/internal/metrics"
	tu "github.com/thesyncim/uvkit/internal/testutil"
	"github.com/thesyncim/uvkit/pkg/frame"
)

var mono16 = frame.AudioDesc{BPS: 2, Channels: 1, SampleRate: 48000}

// fakeOutput lets tests drive the render callback by hand.
type fakeOutput struct {
	mu         sync.Mutex
	desc       frame.AudioDesc
	render     RenderFunc
	fail       FailFunc
	configures int
	starts     int
	stops      int
}

func (o *fakeOutput) Configure(desc frame.AudioDesc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.desc = desc
	o.configures++
	return nil
}

func (o *fakeOutput) Start(render RenderFunc, fail FailFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.render, o.fail = render, fail
	o.starts++
	return nil
}

func (o *fakeOutput) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops++
}

func pcm(desc frame.AudioDesc, n int) *frame.AudioFrame {
	f := frame.NewAudioFrame(desc, n)
	for i := 0; i < n; i++ {
		f.Data = append(f.Data, byte(i%250+1))
	}
	return f
}

func TestPlayerRender(t *testing.T) {
	m := metrics.New()
	out := &fakeOutput{}
	p := NewPlayer(out, WithMetrics(m))
	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	assert.True(t, p.Stopped())
	f := pcm(mono16, 960)
	p.PutFrame(f)
	require.Equal(t, 1, out.configures)
	require.Equal(t, 1, out.starts)
	assert.Equal(t, mono16, out.desc)
	assert.False(t, p.Stopped())
	assert.Equal(t, 960, p.Buffered())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioFrames.WithLabelValues("playback")))

	dst := make([]byte, 480)
	assert.True(t, out.render(dst))
	assert.Equal(t, f.Data[:480], dst)

	// partial read is padded with silence
	dst = make([]byte, 960)
	for i := range dst {
		dst[i] = 0xff
	}
	clock = clock.Add(time.Second)
	assert.True(t, out.render(dst))
	assert.Equal(t, f.Data[480:], dst[:480])
	assert.Equal(t, make([]byte, 480), dst[480:])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioUnderflows))

	// still underflowing past the stall timeout stops the output
	clock = clock.Add(StallTimeout + time.Millisecond)
	assert.False(t, out.render(dst))
	assert.True(t, p.Stopped())

	// the next frame restarts it without reconfiguring
	p.PutFrame(pcm(mono16, 480))
	assert.Equal(t, 1, out.configures)
	assert.Equal(t, 2, out.starts)
	assert.False(t, p.Stopped())
	assert.True(t, out.render(make([]byte, 480)))
}

func TestPlayerOutputFailure(t *testing.T) {
	out := &fakeOutput{}
	p := NewPlayer(out)
	p.PutFrame(pcm(mono16, 480))
	require.Equal(t, 1, out.starts)

	out.fail(errors.New("player exited"))
	assert.True(t, p.Stopped())

	// the destination is reopened before the output restarts
	p.PutFrame(pcm(mono16, 480))
	assert.Equal(t, 2, out.configures)
	assert.Equal(t, 2, out.starts)
	assert.False(t, p.Stopped())

	// a plain stall restart does not reopen
	p.stopped.Store(true)
	p.PutFrame(pcm(mono16, 480))
	assert.Equal(t, 2, out.configures)
	assert.Equal(t, 3, out.starts)
}

// brokenWriter fails every write after the first ok ones.
type brokenWriter struct {
	mu     sync.Mutex
	writes int
	ok     int
	buf    bytes.Buffer
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	if b.writes > b.ok {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *brokenWriter) Close() error { return nil }

func (b *brokenWriter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestWriterOutputWriteFailure(t *testing.T) {
	var (
		mu      sync.Mutex
		opened  []*brokenWriter
		healthy = &brokenWriter{ok: 1 << 30}
	)
	out := NewWriterOutput(func(frame.AudioDesc) (io.WriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		w := &brokenWriter{ok: 1}
		if len(opened) > 0 {
			w = healthy
		}
		opened = append(opened, w)
		return w, nil
	}, zerolog.Nop())
	p := NewPlayer(out)
	defer p.Close()

	p.PutFrame(pcm(mono16, 4800))
	require.Eventually(t, p.Stopped, 2*time.Second, 5*time.Millisecond, "write error stops the player")

	// the next frame reopens the destination and playback resumes
	p.PutFrame(pcm(mono16, 4800))
	assert.False(t, p.Stopped())
	require.Eventually(t, func() bool { return healthy.Len() > 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, opened, 2)
	mu.Unlock()
}

func TestPlayerReconfigure(t *testing.T) {
	out := &fakeOutput{}
	p := NewPlayer(out)

	err := p.Reconfigure(frame.AudioDesc{BPS: 2, Channels: 0, SampleRate: 48000})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	require.NoError(t, p.Reconfigure(mono16))
	p.PutFrame(pcm(mono16, 100))
	assert.Equal(t, 100, p.Buffered())

	// a new format gets a fresh one-second ring
	stereo := frame.AudioDesc{BPS: 2, Channels: 2, SampleRate: 48000}
	p.PutFrame(pcm(stereo, 400))
	assert.Equal(t, 2, out.configures)
	assert.Equal(t, stereo, out.desc)
	assert.Equal(t, 400, p.Buffered())

	p.PutFrame(pcm(stereo, 2*stereo.BytesPerSecond()))
	assert.Equal(t, stereo.BytesPerSecond(), p.Buffered(), "ring holds one second")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Reconfigure(mono16), ErrDeviceClosed)
	p.PutFrame(pcm(stereo, 4))
	assert.Equal(t, stereo.BytesPerSecond(), p.Buffered())
}

func TestWriterOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	dev, err := Open("writer:"+path, Params{Log: zerolog.Nop()})
	require.NoError(t, err)

	f := pcm(mono16, 4800)
	dev.PutFrame(f)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Contains(data, f.Data)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dev.Close())
}

func TestWriterOutputLifecycle(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	out := NewWriterOutput(func(frame.AudioDesc) (io.WriteCloser, error) {
		return nopCloser{lockedWriter{&mu, &buf}}, nil
	}, zerolog.Nop())

	assert.Error(t, out.Start(func([]byte) bool { return true }, nil), "not configured")
	require.NoError(t, out.Configure(mono16))

	calls := make(chan int, 100)
	require.NoError(t, out.Start(func(dst []byte) bool {
		calls <- len(dst)
		return len(calls) < 3
	}, nil))
	assert.Error(t, out.Configure(mono16), "running")

	for i := 0; i < 3; i++ {
		select {
		case n := <-calls:
			assert.Zero(t, n%2, "whole sample frames")
			assert.Positive(t, n)
		case <-time.After(time.Second):
			t.Fatal("render not called")
		}
	}
	// render returned false: the loop exits on its own, Stop still works
	out.Stop()
	out.Stop()

	mu.Lock()
	assert.Positive(t, buf.Len())
	mu.Unlock()
	require.NoError(t, out.Close())
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		options string
		name    string
		wantErr bool
	}{
		{"", "null", false},
		{"null", "null", false},
		{"-", "stdout", false},
		{"aplay", "aplay", false},
		{"ffplay=/opt/ffmpeg/bin/ffplay", "ffplay", false},
		{"/tmp/Audio.raw", "/tmp/Audio.raw", false},
		{`C\:/audio.raw`, "C:/audio.raw", false},
		{"null:aplay", "", true},
		{"volume=3", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.options, func(t *testing.T) {
			open, name, err := ParseDestination(tt.options, zerolog.Nop())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, open)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestPlayerArgs(t *testing.T) {
	stereo := frame.AudioDesc{BPS: 2, Channels: 2, SampleRate: 44100}
	args, err := APlayArgs(stereo)
	require.NoError(t, err)
	assert.Equal(t, []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "2", "-r", "44100", "-"}, args)

	args, err = FFplayArgs(frame.AudioDesc{BPS: 4, Channels: 6, SampleRate: 48000})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-nodisp", "-autoexit",
		"-f", "s32le", "-ar", "48000", "-ch_layout", "6c", "-i", "-",
	}, args)

	_, err = APlayArgs(frame.AudioDesc{BPS: 5, Channels: 1, SampleRate: 48000})
	assert.ErrorIs(t, err, ErrInvalidFormat)
	_, err = FFplayArgs(frame.AudioDesc{BPS: 0, Channels: 1, SampleRate: 48000})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestProcessOutput(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "played.raw")
	aplay := tu.FakeBinary(t, "aplay", "exec cat > '"+sink+"'")

	dev, err := Open("writer:aplay="+aplay, Params{Log: zerolog.Nop()})
	require.NoError(t, err)

	f := pcm(mono16, 4800)
	dev.PutFrame(f)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(sink)
		return err == nil && bytes.Contains(data, f.Data)
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, dev.Close())
}

func TestOpen(t *testing.T) {
	var help bytes.Buffer
	_, err := Open("help", Params{Help: &help})
	assert.ErrorIs(t, err, ErrHelpShown)
	assert.Contains(t, help.String(), DriverName)

	help.Reset()
	_, err = Open("writer:help", Params{Help: &help})
	assert.ErrorIs(t, err, ErrHelpShown)
	assert.Contains(t, help.String(), "aplay")

	_, err = Open("coreaudio", Params{})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
