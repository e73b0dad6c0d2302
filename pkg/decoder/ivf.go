package decoder

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/thesyncim/uvkit/pkg/codec"
)

const (
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

// ivfWriter frames VP8, VP9 and AV1 pictures for FFmpeg's ivf demuxer.
type ivfWriter struct {
	w   io.Writer
	pts uint64
}

// writeHeader writes the file header. The frame rate becomes the time
// base; 1/1000 is used when it is unknown.
func (v *ivfWriter) writeHeader(t codec.Type, width, height int, fps float64) error {
	num, den := uint32(1000), uint32(1)
	if fps > 0 {
		num, den = uint32(math.Round(fps*1000)), 1000
	}
	var hdr [ivfHeaderSize]byte
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:6], 0)
	binary.LittleEndian.PutUint16(hdr[6:8], ivfHeaderSize)
	copy(hdr[8:12], t.FourCC())
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(width))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(height))
	binary.LittleEndian.PutUint32(hdr[16:20], num)
	binary.LittleEndian.PutUint32(hdr[20:24], den)
	_, err := v.w.Write(hdr[:])
	return err
}

func (v *ivfWriter) writeFrame(data []byte) error {
	var fh [ivfFrameHeaderSize]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint64(fh[4:12], v.pts)
	v.pts++
	if _, err := v.w.Write(fh[:]); err != nil {
		return err
	}
	_, err := v.w.Write(data)
	return err
}
