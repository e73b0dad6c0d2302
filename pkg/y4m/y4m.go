// Package y4m reads and writes YUV4MPEG2 images and streams.
package y4m

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Subsampling is the chroma layout of a Y4M image.
type Subsampling int

const (
	Mono Subsampling = 400
	S420 Subsampling = 420
	S422 Subsampling = 422
	S444 Subsampling = 444
	// YUVA is 4:4:4 with an alpha plane.
	YUVA Subsampling = 4444
)

// Errors returned by Read and Write.
var (
	ErrBadMagic      = errors.New("y4m: not a YUV4MPEG2 stream")
	ErrBadHeader     = errors.New("y4m: malformed header")
	ErrUnsupported   = errors.New("y4m: unsupported format")
	ErrShortData     = errors.New("y4m: short frame data")
	ErrAlphaBitDepth = errors.New("y4m: only 8-bit 444alpha is supported")
	ErrNoDimensions  = errors.New("y4m: missing width or height")
)

const magic = "YUV4MPEG2"

// MaxDimension bounds the width and height accepted by Read.
const MaxDimension = 1 << 16

// Metadata describes the single frame of a Y4M file.
type Metadata struct {
	Width       int
	Height      int
	BitDepth    int
	Subsampling Subsampling
	Limited     bool // XCOLORRANGE=LIMITED
}

// DataLen returns the size of the frame data, or 0 for an unsupported
// subsampling.
func DataLen(m Metadata) int {
	var n int
	switch m.Subsampling {
	case Mono:
		n = m.Width * m.Height
	case S420:
		n = m.Width*m.Height + 2*((m.Width+1)/2)*((m.Height+1)/2)
	case S422:
		n = m.Width*m.Height + 2*((m.Width+1)/2)*m.Height
	case S444:
		n = m.Width * m.Height * 3
	case YUVA:
		n = m.Width * m.Height * 4
	default:
		return 0
	}
	if m.BitDepth > 8 {
		n *= 2
	}
	return n
}

func parseChroma(c string, m *Metadata) error {
	m.BitDepth = 8
	switch {
	case c == "444alpha":
		m.Subsampling = YUVA
		return nil
	case c == "420jpeg" || c == "420mpeg2" || c == "420paldv":
		// chroma siting variants of 8-bit 4:2:0
		m.Subsampling = S420
		return nil
	case strings.HasPrefix(c, "mono"):
		m.Subsampling = Mono
		if depth := c[len("mono"):]; depth != "" {
			d, err := strconv.Atoi(depth)
			if err != nil {
				return fmt.Errorf("%w: chroma %q", ErrBadHeader, c)
			}
			m.BitDepth = d
		}
		return nil
	}
	subs, depth, hasDepth := strings.Cut(c, "p")
	s, err := strconv.Atoi(subs)
	if err != nil {
		return fmt.Errorf("%w: chroma %q", ErrBadHeader, c)
	}
	m.Subsampling = Subsampling(s)
	if hasDepth {
		d, err := strconv.Atoi(depth)
		if err != nil {
			return fmt.Errorf("%w: chroma %q", ErrBadHeader, c)
		}
		m.BitDepth = d
	}
	return nil
}

// Reader reads the frames of a YUV4MPEG2 stream.
type Reader struct {
	br   *bufio.Reader
	meta Metadata
	size int
}

// NewReader parses the stream header. A header without a C tag is 8-bit
// 4:2:0.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	fields := strings.Fields(header)
	if len(fields) == 0 || fields[0] != magic {
		return nil, ErrBadMagic
	}

	m := Metadata{BitDepth: 8, Subsampling: S420}
	for _, item := range fields[1:] {
		switch item[0] {
		case 'W', 'H':
			v, err := strconv.Atoi(item[1:])
			if err != nil || v <= 0 || v > MaxDimension {
				return nil, fmt.Errorf("%w: %q", ErrBadHeader, item)
			}
			if item[0] == 'W' {
				m.Width = v
			} else {
				m.Height = v
			}
		case 'C':
			if err := parseChroma(item[1:], &m); err != nil {
				return nil, err
			}
		case 'X':
			if item == "XCOLORRANGE=LIMITED" {
				m.Limited = true
			}
		}
		// F, I and A are ignored
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, ErrNoDimensions
	}
	n := DataLen(m)
	if n == 0 {
		return nil, fmt.Errorf("%w: subsampling %d", ErrUnsupported, m.Subsampling)
	}
	if m.BitDepth < 1 || m.BitDepth > 16 {
		return nil, fmt.Errorf("%w: bit depth %d", ErrUnsupported, m.BitDepth)
	}
	return &Reader{br: br, meta: m, size: n}, nil
}

// Metadata returns the format from the stream header.
func (r *Reader) Metadata() Metadata {
	return r.meta
}

// ReadFrame returns the data of the next frame. It returns io.EOF at a
// clean end of stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	line, err := r.br.ReadString('\n')
	if err == io.EOF && line == "" {
		return nil, io.EOF
	}
	if err != nil || !strings.HasPrefix(line, "FRAME") {
		return nil, fmt.Errorf("%w: missing FRAME", ErrBadHeader)
	}
	data := make([]byte, r.size)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortData, err)
	}
	return data, nil
}

// Read parses the header and the first frame of a Y4M stream.
func Read(r io.Reader) (Metadata, []byte, error) {
	yr, err := NewReader(r)
	if err != nil {
		return Metadata{}, nil, err
	}
	data, err := yr.ReadFrame()
	if err == io.EOF {
		err = fmt.Errorf("%w: missing FRAME", ErrBadHeader)
	}
	if err != nil {
		return Metadata{}, nil, err
	}
	return yr.meta, data, nil
}

// Write writes a single-frame Y4M stream.
func Write(w io.Writer, m Metadata, data []byte) error {
	var chroma string
	switch m.Subsampling {
	case Mono:
		chroma = "mono"
	case YUVA:
		if m.BitDepth != 8 {
			return ErrAlphaBitDepth
		}
		chroma = "444alpha"
	default:
		chroma = strconv.Itoa(int(m.Subsampling))
	}
	n := DataLen(m)
	if n == 0 {
		return fmt.Errorf("%w: subsampling %d", ErrUnsupported, m.Subsampling)
	}
	if len(data) < n {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortData, len(data), n)
	}
	if m.BitDepth > 8 {
		// 420p10 but mono10
		if m.Subsampling != Mono {
			chroma += "p"
		}
		chroma += strconv.Itoa(m.BitDepth)
	}
	colorRange := "FULL"
	if m.Limited {
		colorRange = "LIMITED"
	}

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "%s W%d H%d F25:1 Ip A0:0 C%s XCOLORRANGE=%s\nFRAME\n", magic, m.Width, m.Height, chroma, colorRange)
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(data[:n])
	return err
}

// ReadFile reads a single-frame Y4M file.
func ReadFile(path string) (Metadata, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer f.Close()
	return Read(f)
}

// WriteFile writes a single-frame Y4M file.
func WriteFile(path string, m Metadata, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, m, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
