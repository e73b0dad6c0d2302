package encoder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"

	"github.com/thesyncim/uvkit/pkg/codec"
)

// Splitter errors
var (
	ErrBadIVFHeader = errors.New("bad IVF header")
	ErrBadJPEG      = errors.New("bad JPEG stream")
)

// Packet is one encoded picture read back from an encoder stream.
type Packet struct {
	Data     []byte
	Keyframe bool
}

// PacketReader splits an encoder's byte stream into pictures.
type PacketReader interface {
	// ReadPacket returns the next complete picture. It returns io.EOF
	// once the stream ends.
	ReadPacket() (Packet, error)
}

// NewPacketReader returns the splitter matching the muxer BuildArgs selects
// for t.
func NewPacketReader(t codec.Type, r io.Reader) (PacketReader, error) {
	switch t {
	case codec.H264, codec.H265:
		return NewAnnexBSplitter(r, t == codec.H265), nil
	case codec.VP8, codec.VP9, codec.AV1:
		return NewIVFReader(r, t), nil
	case codec.MJPG:
		return NewJPEGSplitter(r), nil
	default:
		return nil, fmt.Errorf("%w: no packet splitter for %s", ErrUnsupportedCodec, t)
	}
}

const readChunk = 64 * 1024

// AnnexBSplitter splits an H.264 or H.265 Annex-B stream into access units.
// Units are delimited by AUD NAL units, which BuildArgs asks FFmpeg to
// insert.
type AnnexBSplitter struct {
	r    io.Reader
	hevc bool
	buf  []byte
	eof  bool

	au     []byte
	key    bool
	synced bool
}

// NewAnnexBSplitter creates a splitter. Set isHEVC for H.265 streams.
func NewAnnexBSplitter(r io.Reader, isHEVC bool) *AnnexBSplitter {
	return &AnnexBSplitter{r: r, hevc: isHEVC}
}

// ReadPacket returns the next access unit.
func (s *AnnexBSplitter) ReadPacket() (Packet, error) {
	for {
		nal, err := s.nextNAL()
		if err == io.EOF {
			if len(s.au) > 0 {
				return s.flush(nil), nil
			}
			return Packet{}, io.EOF
		}
		if err != nil {
			return Packet{}, err
		}

		if s.isAUD(nal) && len(s.au) > 0 {
			return s.flush(nal), nil
		}
		s.add(nal)
	}
}

func (s *AnnexBSplitter) flush(next []byte) Packet {
	p := Packet{Data: s.au, Keyframe: s.key}
	s.au = nil
	s.key = false
	if next != nil {
		s.add(next)
	}
	return p
}

func (s *AnnexBSplitter) add(nal []byte) {
	s.au = append(s.au, nal...)
	if s.isKey(nal) {
		s.key = true
	}
}

func nalHeader(nal []byte) (byte, bool) {
	i := startCodeLen(nal)
	if i == 0 || i >= len(nal) {
		return 0, false
	}
	return nal[i], true
}

func (s *AnnexBSplitter) isAUD(nal []byte) bool {
	h, ok := nalHeader(nal)
	if !ok {
		return false
	}
	if s.hevc {
		return hevc.GetNaluType(h) == hevc.NALU_AUD
	}
	return avc.GetNaluType(h) == avc.NALU_AUD
}

func (s *AnnexBSplitter) isKey(nal []byte) bool {
	h, ok := nalHeader(nal)
	if !ok {
		return false
	}
	if s.hevc {
		// IRAP pictures: BLA, IDR and CRA (16..23)
		t := hevc.GetNaluType(h)
		return t >= 16 && t <= 23
	}
	return avc.GetNaluType(h) == avc.NALU_IDR
}

func startCodeLen(b []byte) int {
	switch {
	case len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return 4
	case len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return 3
	}
	return 0
}

var startCode = []byte{0, 0, 1}

// nextNAL returns the next NAL unit including its start code.
func (s *AnnexBSplitter) nextNAL() ([]byte, error) {
	for {
		if !s.synced {
			if i := bytes.Index(s.buf, startCode); i >= 0 {
				if i > 0 && s.buf[i-1] == 0 {
					i--
				}
				s.buf = s.buf[i:]
				s.synced = true
			}
		}
		if s.synced && len(s.buf) > 3 {
			// search past the current start code
			if i := bytes.Index(s.buf[3:], startCode); i >= 0 {
				end := i + 3
				if s.buf[end-1] == 0 {
					end--
				}
				nal := append([]byte(nil), s.buf[:end]...)
				s.buf = s.buf[end:]
				return nal, nil
			}
		}
		if s.eof {
			if s.synced && len(s.buf) > 0 {
				nal := s.buf
				s.buf = nil
				return nal, nil
			}
			return nil, io.EOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

func (s *AnnexBSplitter) fill() error {
	chunk := make([]byte, readChunk)
	n, err := s.r.Read(chunk)
	s.buf = append(s.buf, chunk[:n]...)
	if err == io.EOF {
		s.eof = true
		return nil
	}
	return err
}

const (
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
	ivfMaxFrameSize    = 256 << 20
)

// IVFReader reads frames from an IVF container as written by FFmpeg for
// VP8, VP9 and AV1.
type IVFReader struct {
	r      *bufio.Reader
	codec  codec.Type
	header bool

	// FourCC, Width and Height are valid after the first ReadPacket.
	FourCC string
	Width  int
	Height int
}

// NewIVFReader creates a reader for an IVF stream carrying t.
func NewIVFReader(r io.Reader, t codec.Type) *IVFReader {
	return &IVFReader{r: bufio.NewReader(r), codec: t}
}

func (v *IVFReader) readHeader() error {
	var hdr [ivfHeaderSize]byte
	if _, err := io.ReadFull(v.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrBadIVFHeader
		}
		return err
	}
	if string(hdr[0:4]) != "DKIF" {
		return fmt.Errorf("%w: signature %q", ErrBadIVFHeader, hdr[0:4])
	}
	size := binary.LittleEndian.Uint16(hdr[6:8])
	if size < ivfHeaderSize {
		return fmt.Errorf("%w: header size %d", ErrBadIVFHeader, size)
	}
	if _, err := v.r.Discard(int(size) - ivfHeaderSize); err != nil {
		return ErrBadIVFHeader
	}
	v.FourCC = string(hdr[8:12])
	v.Width = int(binary.LittleEndian.Uint16(hdr[12:14]))
	v.Height = int(binary.LittleEndian.Uint16(hdr[14:16]))
	v.header = true
	return nil
}

// ReadPacket returns the next frame.
func (v *IVFReader) ReadPacket() (Packet, error) {
	if !v.header {
		if err := v.readHeader(); err != nil {
			return Packet{}, err
		}
	}

	var fh [ivfFrameHeaderSize]byte
	if _, err := io.ReadFull(v.r, fh[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Packet{}, io.EOF
		}
		return Packet{}, err
	}
	size := binary.LittleEndian.Uint32(fh[0:4])
	if size > ivfMaxFrameSize {
		return Packet{}, fmt.Errorf("%w: frame size %d", ErrBadIVFHeader, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(v.r, data); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Packet{}, io.EOF
		}
		return Packet{}, err
	}
	return Packet{Data: data, Keyframe: IsKeyframe(v.codec, data)}, nil
}

// IsKeyframe reports whether a compressed frame of type t can be decoded
// on its own. H.264 and H.265 data is Annex-B.
func IsKeyframe(t codec.Type, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch t {
	case codec.H264, codec.H265:
		s := NewAnnexBSplitter(bytes.NewReader(data), t == codec.H265)
		for {
			nal, err := s.nextNAL()
			if err != nil {
				return false
			}
			if s.isKey(nal) {
				return true
			}
		}
	case codec.MJPG:
		return true
	case codec.VP8:
		// frame tag bit 0: 0 = key frame
		return data[0]&0x01 == 0
	case codec.VP9:
		return vp9Keyframe(data[0])
	case codec.AV1:
		return av1HasSequenceHeader(data)
	}
	return false
}

func vp9Keyframe(b byte) bool {
	if b>>6 != 2 {
		return false
	}
	profile := (b>>5)&1 | ((b>>4)&1)<<1
	bit := 3
	if profile == 3 {
		bit-- // reserved zero
	}
	if (b>>bit)&1 == 1 {
		return false // show_existing_frame
	}
	return (b>>(bit-1))&1 == 0
}

const av1OBUSequenceHeader = 1

// av1HasSequenceHeader reports whether a temporal unit carries a sequence
// header. FFmpeg encoders repeat it on every key frame.
func av1HasSequenceHeader(data []byte) bool {
	for len(data) > 0 {
		h := data[0]
		typ := (h >> 3) & 0x0f
		if typ == av1OBUSequenceHeader {
			return true
		}
		off := 1
		if h&0x04 != 0 {
			off++
		}
		if h&0x02 == 0 || off >= len(data) {
			return false
		}
		size, n := leb128(data[off:])
		if n == 0 {
			return false
		}
		off += n
		if uint64(len(data)-off) < size {
			return false
		}
		data = data[off+int(size):]
	}
	return false
}

func leb128(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// JPEG markers
const (
	jpegSOI = 0xd8
	jpegEOI = 0xd9
	jpegSOS = 0xda
)

// JPEGSplitter splits a concatenated MJPEG stream into pictures. Marker
// segments are skipped by length so that APPn payloads cannot end a
// picture early.
type JPEGSplitter struct {
	r *bufio.Reader
}

// NewJPEGSplitter creates a splitter reading from r.
func NewJPEGSplitter(r io.Reader) *JPEGSplitter {
	return &JPEGSplitter{r: bufio.NewReaderSize(r, readChunk)}
}

// ReadPacket returns the next picture from SOI to EOI inclusive.
func (s *JPEGSplitter) ReadPacket() (Packet, error) {
	if err := s.seekSOI(); err != nil {
		return Packet{}, err
	}
	pic := []byte{0xff, jpegSOI}

	for {
		marker, err := s.nextMarker(&pic)
		if err != nil {
			return Packet{}, unexpected(err)
		}
		switch {
		case marker == jpegEOI:
			return Packet{Data: pic, Keyframe: true}, nil
		case marker >= 0xd0 && marker <= 0xd7, marker == 0x01:
			// standalone markers
		default:
			if err := s.copySegment(&pic); err != nil {
				return Packet{}, unexpected(err)
			}
			if marker == jpegSOS {
				if err := s.copyEntropy(&pic); err != nil {
					return Packet{}, unexpected(err)
				}
				return Packet{Data: pic, Keyframe: true}, nil
			}
		}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (s *JPEGSplitter) seekSOI() error {
	prev := byte(0)
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == 0xff && b == jpegSOI {
			return nil
		}
		prev = b
	}
}

// nextMarker reads a marker, appending it to pic.
func (s *JPEGSplitter) nextMarker(pic *[]byte) (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0xff {
		return 0, fmt.Errorf("%w: expected marker, got 0x%02x", ErrBadJPEG, b)
	}
	for b == 0xff {
		if b, err = s.r.ReadByte(); err != nil {
			return 0, err
		}
	}
	*pic = append(*pic, 0xff, b)
	return b, nil
}

func (s *JPEGSplitter) copySegment(pic *[]byte) error {
	var l [2]byte
	if _, err := io.ReadFull(s.r, l[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	if n < 2 {
		return fmt.Errorf("%w: segment length %d", ErrBadJPEG, n)
	}
	seg := make([]byte, n-2)
	if _, err := io.ReadFull(s.r, seg); err != nil {
		return err
	}
	*pic = append(*pic, l[:]...)
	*pic = append(*pic, seg...)
	return nil
}

// copyEntropy copies scan data up to and including EOI. Progressive
// pictures with several scans keep going through the following markers.
func (s *JPEGSplitter) copyEntropy(pic *[]byte) error {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xff {
			*pic = append(*pic, b)
			continue
		}
		m, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		for m == 0xff {
			if m, err = s.r.ReadByte(); err != nil {
				return err
			}
		}
		*pic = append(*pic, 0xff, m)
		switch {
		case m == 0x00, m >= 0xd0 && m <= 0xd7:
			// stuffing and restart markers
		case m == jpegEOI:
			return nil
		default:
			if err := s.copySegment(pic); err != nil {
				return err
			}
		}
	}
}
