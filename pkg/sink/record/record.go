// Package record writes compressed video into numbered segments on a
// Storage.
//
// Segments hold the raw elementary stream: Annex-B for H.264 and H.265,
// concatenated JPEG pictures for MJPEG and IVF for VP8, VP9 and AV1. Each
// recording session gets its own directory named by a random UUID.
package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Errors
var (
	ErrRecorderClosed = errors.New("recorder closed")
	ErrNotCompressed  = errors.New("frame is not compressed")
	ErrNoContainer    = errors.New("no segment container for codec")
)

// Defaults
const (
	DefaultSegmentDuration = 10 * time.Second
	writeTimeout           = 30 * time.Second
)

// Config configures a Recorder.
type Config struct {
	// SegmentDuration is the target length of a segment. Segments are
	// cut on keyframes, or after twice the duration when none arrives.
	SegmentDuration time.Duration
	// Prefix is prepended to every object path.
	Prefix string
}

// Recorder is a video sink storing segments.
type Recorder struct {
	store   Storage
	cfg     Config
	session string
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	seg     segment
	seq     int
	written []string
	closed  atomic.Bool
}

// segment is the data buffered for the next object.
type segment struct {
	codec  codec.Type
	width  int
	height int
	start  time.Duration
	frames int
	buf    bytes.Buffer
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Recorder) {
		r.log = log
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// New starts a recording session on store.
func New(store Storage, cfg Config, opts ...Option) *Recorder {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	r := &Recorder{
		store:   store,
		cfg:     cfg,
		session: uuid.NewString(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("session", r.session).Logger()
	r.log.Info().Dur("segment", cfg.SegmentDuration).Str("prefix", cfg.Prefix).Msg("recording started")
	return r
}

// Session returns the session ID.
func (r *Recorder) Session() string {
	return r.session
}

// Dir returns the directory segments are written to.
func (r *Recorder) Dir() string {
	return path.Join(r.cfg.Prefix, r.session)
}

// Extension returns the segment file extension for c.
func Extension(c codec.Type) (string, error) {
	switch c {
	case codec.H264:
		return "h264", nil
	case codec.H265:
		return "h265", nil
	case codec.MJPG:
		return "mjpeg", nil
	case codec.VP8, codec.VP9, codec.AV1:
		return "ivf", nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoContainer, c)
}

// WriteVideo appends f to the current segment, rotating first when the
// segment is long enough.
func (r *Recorder) WriteVideo(f *frame.VideoFrame) error {
	if r.closed.Load() {
		return ErrRecorderClosed
	}
	if !f.Codec.IsCompressed() {
		return fmt.Errorf("%w: %s", ErrNotCompressed, f.Codec)
	}
	if _, err := Extension(f.Codec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seg := &r.seg
	if seg.frames > 0 {
		elapsed := f.Timestamp - seg.start
		cut := seg.codec != f.Codec ||
			elapsed < 0 ||
			(elapsed >= r.cfg.SegmentDuration && f.IsKeyframe) ||
			elapsed >= 2*r.cfg.SegmentDuration
		if cut {
			if err := r.flush(); err != nil {
				return err
			}
		}
	}
	if seg.frames == 0 {
		seg.codec, seg.width, seg.height, seg.start = f.Codec, f.Width, f.Height, f.Timestamp
	}
	for _, tile := range f.Tiles {
		if len(tile.Data) == 0 {
			continue
		}
		if isIVF(seg.codec) {
			var hdr [ivfFrameHeaderSize]byte
			binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(tile.Data)))
			binary.LittleEndian.PutUint64(hdr[4:12], uint64((f.Timestamp-seg.start)/time.Millisecond))
			seg.buf.Write(hdr[:])
		}
		seg.buf.Write(tile.Data)
		seg.frames++
	}
	return nil
}

func isIVF(c codec.Type) bool {
	return c == codec.VP8 || c == codec.VP9 || c == codec.AV1
}

const (
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

// ivfHeader returns the file header for seg. Timestamps are in
// milliseconds.
func ivfHeader(seg *segment) []byte {
	hdr := make([]byte, ivfHeaderSize)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:6], 0)
	binary.LittleEndian.PutUint16(hdr[6:8], ivfHeaderSize)
	copy(hdr[8:12], seg.codec.FourCC())
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(seg.width))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(seg.height))
	binary.LittleEndian.PutUint32(hdr[16:20], 1000)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(seg.frames))
	return hdr
}

// flush must be called with mu held.
func (r *Recorder) flush() error {
	seg := &r.seg
	if seg.frames == 0 {
		return nil
	}
	ext, err := Extension(seg.codec)
	if err != nil {
		return err
	}
	data := seg.buf.Bytes()
	if isIVF(seg.codec) {
		data = append(ivfHeader(seg), data...)
	}
	name := path.Join(r.Dir(), fmt.Sprintf("%06d.%s", r.seq, ext))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	start := time.Now()
	if err := r.store.Write(ctx, name, data); err != nil {
		r.log.Error().Err(err).Str("path", name).Msg("segment write failed")
		return fmt.Errorf("write segment %s: %w", name, err)
	}
	r.metrics.RecordSegment(int64(len(data)))
	r.log.Debug().Str("path", name).Int("frames", seg.frames).Int("bytes", len(data)).
		Dur("took", time.Since(start)).Msg("segment written")

	r.written = append(r.written, name)
	r.seq++
	seg.frames = 0
	seg.buf.Reset()
	return nil
}

// Segments returns the paths written so far.
func (r *Recorder) Segments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.written...)
}

// Close writes the last partial segment.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.flush()
	r.log.Info().Int("segments", len(r.written)).Msg("recording stopped")
	return err
}
