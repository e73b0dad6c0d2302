package mixer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/ringbuf"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// Source produces PCM in the mixer's format.
type Source interface {
	io.Reader
	io.Closer
}

type note struct {
	freq  float64 // Hz, 0 is a rest
	beats float64
}

// the bundled sample song
var song = []note{
	{392, 1}, {392, 1}, {440, 2}, {392, 2}, {523.25, 2}, {493.88, 4},
	{392, 1}, {392, 1}, {440, 2}, {392, 2}, {587.33, 2}, {523.25, 4},
	{392, 1}, {392, 1}, {783.99, 2}, {659.25, 2}, {523.25, 2}, {493.88, 2}, {440, 4},
	{698.46, 1}, {698.46, 1}, {659.25, 2}, {523.25, 2}, {587.33, 2}, {523.25, 4},
	{0, 4},
}

const beat = 0.25 // seconds

// Melody synthesizes the bundled song forever.
type Melody struct {
	desc   frame.AudioDesc
	sample int64 // position in the song, in samples
	total  int64
	starts []int64
}

// NewMelody returns a generator for desc.
func NewMelody(desc frame.AudioDesc) *Melody {
	m := &Melody{desc: desc}
	for _, n := range song {
		m.starts = append(m.starts, m.total)
		m.total += int64(n.beats * beat * float64(desc.SampleRate))
	}
	return m
}

func (m *Melody) at(pos int64) float64 {
	i := len(m.starts) - 1
	for i > 0 && m.starts[i] > pos {
		i--
	}
	n := song[i]
	if n.freq == 0 {
		return 0
	}
	t := float64(pos-m.starts[i]) / float64(m.desc.SampleRate)
	length := n.beats * beat
	// short attack and release so notes do not click
	env := math.Min(1, math.Min(t/0.01, (length-t)/0.02))
	return 0.5 * math.Max(env, 0) * math.Sin(2*math.Pi*n.freq*t)
}

// Read implements io.Reader. It never fails.
func (m *Melody) Read(p []byte) (int, error) {
	frameSize := m.desc.BPS * m.desc.Channels
	n := len(p) / frameSize * frameSize
	for off := 0; off < n; off += frameSize {
		v := m.at(m.sample)
		m.sample = (m.sample + 1) % m.total
		for ch := 0; ch < m.desc.Channels; ch++ {
			putSample(p[off+ch*m.desc.BPS:], m.desc.BPS, v)
		}
	}
	return n, nil
}

// Close implements io.Closer.
func (m *Melody) Close() error {
	return nil
}

// putSample writes v in [-1, 1] as a signed little-endian sample.
func putSample(b []byte, bps int, v float64) {
	switch bps {
	case 1:
		b[0] = byte(int8(v * math.MaxInt8))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(int16(v*math.MaxInt16)))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(int32(v*math.MaxInt32)))
	}
}

// SampleFormat returns the ffmpeg raw sample format for a sample width.
func SampleFormat(bps int) (string, error) {
	switch bps {
	case 1:
		return "s8", nil
	case 2:
		return "s16le", nil
	case 4:
		return "s32le", nil
	}
	return "", fmt.Errorf("unsupported sample width %d", bps)
}

// DecoderArgs returns the ffmpeg arguments decoding file to raw PCM in
// desc's format, looping forever.
func DecoderArgs(file string, desc frame.AudioDesc) ([]string, error) {
	format, err := SampleFormat(desc.BPS)
	if err != nil {
		return nil, err
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-stream_loop", "-1",
		"-i", file,
		"-vn",
		"-f", format,
		"-ar", strconv.Itoa(desc.SampleRate),
		"-ac", strconv.Itoa(desc.Channels),
		"pipe:1",
	}, nil
}

// FileSource decodes an audio file with an ffmpeg subprocess.
type FileSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *ringbuf.Tail
	log    zerolog.Logger
}

// NewFileSource starts decoding file.
func NewFileSource(ffmpeg, file string, desc frame.AudioDesc, log zerolog.Logger) (*FileSource, error) {
	args, err := DecoderArgs(file, desc)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s := &FileSource{cmd: cmd, stdout: stdout, stderr: ringbuf.NewTail(4096), log: log}
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return s, nil
}

// Read implements io.Reader.
func (s *FileSource) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err != nil && err != io.EOF {
		s.log.Error().Err(err).Str("stderr", s.stderr.String()).Msg("error loading file")
	}
	return n, err
}

// Close stops the decoder.
func (s *FileSource) Close() error {
	_ = s.cmd.Process.Kill()
	err := s.cmd.Wait()
	if tail := s.stderr.String(); tail != "" {
		s.log.Debug().Str("stderr", tail).Msg("decoder exited")
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}
