// Package codec defines pixel-format and compressed-codec tags and the
// compression configuration shared by uvkit compressors.
package codec

import (
	"strings"
)

// Type identifies a raw pixel format or a compressed video codec.
type Type int

const (
	None Type = iota

	// Raw pixel formats
	UYVY
	YUYV
	V210
	RGB
	RGBA
	BGR
	R10k
	I420
	NV12

	// Compressed codecs
	MJPG
	H264
	H265
	VP8
	VP9
	AV1
	J2K
	HFYU
	FFV1
	ProRes
)

type typeInfo struct {
	name       string
	fourcc     string
	compressed bool
	rgb        bool
	bits       int
	pixFmt     string // FFmpeg pixel format for raw types
	ffCodec    string // FFmpeg codec name for compressed types
	mime       string
	aliases    []string
}

var types = map[Type]typeInfo{
	UYVY:   {name: "UYVY", fourcc: "UYVY", bits: 8, pixFmt: "uyvy422"},
	YUYV:   {name: "YUYV", fourcc: "YUYV", bits: 8, pixFmt: "yuyv422", aliases: []string{"YUY2"}},
	V210:   {name: "v210", fourcc: "v210", bits: 10, pixFmt: "v210"},
	RGB:    {name: "RGB", fourcc: "RGB2", rgb: true, bits: 8, pixFmt: "rgb24"},
	RGBA:   {name: "RGBA", fourcc: "RGBA", rgb: true, bits: 8, pixFmt: "rgba"},
	BGR:    {name: "BGR", fourcc: "BGR2", rgb: true, bits: 8, pixFmt: "bgr24"},
	R10k:   {name: "R10k", fourcc: "R10k", rgb: true, bits: 10, pixFmt: "x2rgb10be"},
	I420:   {name: "I420", fourcc: "I420", bits: 8, pixFmt: "yuv420p", aliases: []string{"YUV420P"}},
	NV12:   {name: "NV12", fourcc: "NV12", bits: 8, pixFmt: "nv12"},
	MJPG:   {name: "MJPEG", fourcc: "MJPG", compressed: true, bits: 8, ffCodec: "mjpeg", mime: "video/jpeg", aliases: []string{"MJPG", "JPEG"}},
	H264:   {name: "H.264", fourcc: "AVC1", compressed: true, bits: 8, ffCodec: "h264", mime: "video/H264", aliases: []string{"H264", "AVC"}},
	H265:   {name: "H.265", fourcc: "HEVC", compressed: true, bits: 8, ffCodec: "hevc", mime: "video/H265", aliases: []string{"H265", "HEVC"}},
	VP8:    {name: "VP8", fourcc: "VP80", compressed: true, bits: 8, ffCodec: "vp8", mime: "video/VP8"},
	VP9:    {name: "VP9", fourcc: "VP90", compressed: true, bits: 8, ffCodec: "vp9", mime: "video/VP9"},
	AV1:    {name: "AV1", fourcc: "AV01", compressed: true, bits: 8, ffCodec: "av1", mime: "video/AV1"},
	J2K:    {name: "J2K", fourcc: "MJ2C", compressed: true, bits: 8, ffCodec: "jpeg2000", aliases: []string{"JPEG2000"}},
	HFYU:   {name: "HFYU", fourcc: "HFYU", compressed: true, bits: 8, ffCodec: "huffyuv", aliases: []string{"HUFFYUV"}},
	FFV1:   {name: "FFV1", fourcc: "FFV1", compressed: true, bits: 8, ffCodec: "ffv1"},
	ProRes: {name: "ProRes", fourcc: "apcn", compressed: true, bits: 10, ffCodec: "prores"},
}

// String returns the canonical name of the codec.
func (t Type) String() string {
	if info, ok := types[t]; ok {
		return info.name
	}
	return "none"
}

// FourCC returns the four-character code of the codec.
func (t Type) FourCC() string {
	return types[t].fourcc
}

// IsCompressed reports whether t is a compressed codec.
func (t Type) IsCompressed() bool {
	return types[t].compressed
}

// IsRGB reports whether t is an RGB pixel format.
func (t Type) IsRGB() bool {
	return types[t].rgb
}

// BitsPerComponent returns the component depth.
func (t Type) BitsPerComponent() int {
	return types[t].bits
}

// PixFmt returns the FFmpeg pixel format name for raw types.
func (t Type) PixFmt() string {
	return types[t].pixFmt
}

// FFmpegCodec returns the FFmpeg codec name for compressed types.
func (t Type) FFmpegCodec() string {
	return types[t].ffCodec
}

// MimeType returns the MIME type for the codec, or "" if there is none.
func (t Type) MimeType() string {
	return types[t].mime
}

// ClockRate returns the RTP clock rate for the codec.
func (t Type) ClockRate() uint32 {
	if t == None {
		return 0
	}
	return 90000
}

// FrameSize returns the number of bytes of a raw frame of the given
// dimensions, or 0 for compressed and unknown types.
func (t Type) FrameSize(width, height int) int {
	switch t {
	case UYVY, YUYV:
		return ((width + 1) / 2) * 4 * height
	case V210:
		// 6 pixels in 16 bytes, lines padded to 48 pixels
		return ((width + 47) / 48) * 128 * height
	case RGB, BGR:
		return width * height * 3
	case RGBA, R10k:
		return width * height * 4
	case I420, NV12:
		uvWidth := (width + 1) / 2
		uvHeight := (height + 1) / 2
		return width*height + 2*uvWidth*uvHeight
	default:
		return 0
	}
}

// Parse returns the codec for a name, FourCC or alias (case-insensitive).
// It returns None for unknown names.
func Parse(name string) Type {
	name = strings.TrimSpace(name)
	if name == "" {
		return None
	}
	for t, info := range types {
		if strings.EqualFold(name, info.name) || strings.EqualFold(name, info.fourcc) {
			return t
		}
		for _, alias := range info.aliases {
			if strings.EqualFold(name, alias) {
				return t
			}
		}
	}
	return None
}

// All returns every known codec type in declaration order.
func All() []Type {
	out := make([]Type, 0, len(types))
	for t := UYVY; t <= ProRes; t++ {
		out = append(out, t)
	}
	return out
}
