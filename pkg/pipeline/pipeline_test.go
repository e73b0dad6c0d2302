package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/uvkit/internal/metrics"
	tu "github.com/thesyncim/uvkit/internal/testutil"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// fakeVideo yields n frames paced by period, then fails with err or
// blocks until cancelled.
type fakeVideo struct {
	n        int
	period   time.Duration
	err      error
	audio    bool
	grabbed  int
	released atomic.Int32
}

func (v *fakeVideo) Grab(ctx context.Context) (*frame.VideoFrame, *frame.AudioFrame, error) {
	if v.grabbed >= v.n {
		if v.err != nil {
			return nil, nil, v.err
		}
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	select {
	case <-time.After(v.period):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	f := tu.CreateUYVYFrame(4, 2, 25)
	f.Timestamp = time.Duration(v.grabbed) * 40 * time.Millisecond
	f.Dispose = func(*frame.VideoFrame) { v.released.Add(1) }
	v.grabbed++
	var a *frame.AudioFrame
	if v.audio {
		a = tu.CreateTestAudioFrame(48000, 1, 480)
	}
	return f, a, nil
}

// fakeCompressor emits a compressed frame for every second input.
type fakeCompressor struct {
	calls int
}

func (c *fakeCompressor) Compress(_ context.Context, f *frame.VideoFrame) (*frame.VideoFrame, error) {
	c.calls++
	if c.calls%2 == 1 {
		return nil, nil
	}
	out := &frame.VideoFrame{
		VideoDesc: f.Desc(),
		Tiles:     []frame.Tile{{Width: f.Width, Height: f.Height, Data: []byte{0, 0, 0, 1, 0x65}}},
		Timestamp: f.Timestamp,
	}
	out.Codec = codec.H264
	return out, nil
}

type collector struct {
	mu     sync.Mutex
	video  []*frame.VideoFrame
	audio  []*frame.AudioFrame
	delay  time.Duration
	failOn int
}

func (c *collector) WriteVideo(f *frame.VideoFrame) error {
	time.Sleep(c.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = append(c.video, f)
	if c.failOn > 0 && len(c.video) == c.failOn {
		return errors.New("sink failed")
	}
	return nil
}

func (c *collector) PutFrame(f *frame.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, f)
}

func (c *collector) videoCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.video)
}

func (c *collector) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoSource)

	p, err := New(Config{Video: &fakeVideo{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, p.cfg.QueueSize)
	assert.Equal(t, DefaultAudioPoll, p.cfg.AudioPoll)
}

func TestVideoPath(t *testing.T) {
	src := &fakeVideo{n: 10, period: 5 * time.Millisecond}
	sink := &collector{failOn: 1}
	var raw atomic.Int32
	p, err := New(Config{
		Video:      src,
		Compressor: &fakeCompressor{},
		VideoSinks: []VideoSink{sink, VideoSinkFunc(func(*frame.VideoFrame) error { raw.Add(1); return nil })},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.videoCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	st := p.Stats()
	assert.Equal(t, uint64(10), st.Captured)
	assert.Equal(t, uint64(5), st.Compressed)
	assert.Equal(t, uint64(5), st.Sent)
	assert.Equal(t, uint64(1), st.SinkErrors)
	assert.Equal(t, int32(5), raw.Load())
	assert.Equal(t, int32(10), src.released.Load(), "raw frames are released after compression")
	for _, f := range sink.video {
		assert.Equal(t, codec.H264, f.Codec)
	}
}

func TestDropOnFull(t *testing.T) {
	m := metrics.New()
	src := &fakeVideo{n: 30, period: time.Millisecond}
	sink := &collector{delay: 50 * time.Millisecond}
	p, err := New(Config{Video: src, VideoSinks: []VideoSink{sink}}, WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().Captured == 30 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	st := p.Stats()
	assert.Positive(t, st.Dropped, "a slow sink makes the queues overflow")
	assert.Equal(t, st.Captured, st.Sent+st.Dropped)
	assert.Equal(t, int32(30), src.released.Load(), "every frame is released exactly once")
	dropped := testutil.ToFloat64(m.FramesDropped.WithLabelValues("compress")) +
		testutil.ToFloat64(m.FramesDropped.WithLabelValues("send"))
	assert.Equal(t, float64(st.Dropped), dropped)
}

func TestSourceError(t *testing.T) {
	boom := errors.New("device unplugged")
	p, err := New(Config{Video: &fakeVideo{n: 2, period: time.Millisecond, err: boom}})
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(2), p.Stats().Captured)
	assert.Equal(t, uint64(2), p.Stats().Sent)
}

// fakeAudio returns a frame on every other Read and reuses it.
type fakeAudio struct {
	mu    sync.Mutex
	f     *frame.AudioFrame
	reads int
}

func (a *fakeAudio) Read() (*frame.AudioFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	if a.reads%2 == 0 {
		return nil, nil
	}
	a.f.Data[0] = byte(a.reads)
	return a.f, nil
}

func TestAudioPath(t *testing.T) {
	src := &fakeAudio{f: tu.CreateTestAudioFrame(48000, 2, 480)}
	player := &collector{}
	var sent atomic.Int32
	p, err := New(Config{
		Audio:      src,
		AudioPoll:  2 * time.Millisecond,
		AudioSinks: []AudioSink{AudioSinkFunc(func(*frame.AudioFrame) error { sent.Add(1); return nil })},
		Playback:   player,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return player.audioCount() >= 3 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	player.mu.Lock()
	defer player.mu.Unlock()
	assert.NotSame(t, src.f, player.audio[0], "frames are copied before queueing")
	assert.NotEqual(t, player.audio[0].Data[0], player.audio[1].Data[0])
	assert.Equal(t, int32(len(player.audio)), sent.Load())
	assert.Equal(t, uint64(len(player.audio)), p.Stats().AudioFrames)
}

func TestEmbeddedAudio(t *testing.T) {
	player := &collector{}
	p, err := New(Config{Video: &fakeVideo{n: 3, period: time.Millisecond, audio: true}, Playback: player})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return player.audioCount() == 3 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	<-done

	// Run can be called again once it returned
	stopped, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, p.Run(stopped), context.Canceled)
}

func TestAlreadyRunning(t *testing.T) {
	p, err := New(Config{Video: &fakeVideo{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, p.running.Load, time.Second, time.Millisecond)

	assert.ErrorIs(t, p.Run(ctx), ErrAlreadyRunning)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
