package testcard

import (
	"fmt"

	"github.com/thesyncim/uvkit/pkg/codec"
)

// Pattern is a synthetic picture.
type Pattern string

// Patterns
const (
	Bars     Pattern = "bars"
	Gradient Pattern = "gradient"
	Grid     Pattern = "grid"
)

type rgb struct{ r, g, b uint8 }

// 75% SMPTE bars
var barColors = []rgb{
	{191, 191, 191},
	{191, 191, 0},
	{0, 191, 191},
	{0, 191, 0},
	{191, 0, 191},
	{191, 0, 0},
	{0, 0, 191},
	{0, 0, 0},
}

func (p Pattern) valid() bool {
	return p == Bars || p == Gradient || p == Grid
}

func (p Pattern) pixel(x, y, width, height int) rgb {
	switch p {
	case Gradient:
		v := uint8(x * 255 / max(width-1, 1))
		return rgb{v, uint8(y * 255 / max(height-1, 1)), 255 - v}
	case Grid:
		if x%32 == 0 || y%32 == 0 {
			return rgb{235, 235, 235}
		}
		return rgb{16, 16, 16}
	default:
		return barColors[x*len(barColors)/width]
	}
}

// BT.601 limited range
func toYUV(c rgb) (y, u, v uint8) {
	r, g, b := int(c.r), int(c.g), int(c.b)
	yy := (66*r+129*g+25*b+128)>>8 + 16
	uu := (-38*r-74*g+112*b+128)>>8 + 128
	vv := (112*r-94*g-18*b+128)>>8 + 128
	return clamp(yy), clamp(uu), clamp(vv)
}

func clamp(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

// Render draws the pattern in the given raw pixel format.
func Render(p Pattern, width, height int, t codec.Type) ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("unknown pattern %q", p)
	}
	size := t.FrameSize(width, height)
	if size == 0 || t.IsCompressed() {
		return nil, fmt.Errorf("unsupported codec %s", t)
	}
	out := make([]byte, size)

	switch t {
	case codec.RGB, codec.BGR, codec.RGBA:
		bpp := 3
		if t == codec.RGBA {
			bpp = 4
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := p.pixel(x, y, width, height)
				i := (y*width + x) * bpp
				if t == codec.BGR {
					out[i], out[i+1], out[i+2] = c.b, c.g, c.r
				} else {
					out[i], out[i+1], out[i+2] = c.r, c.g, c.b
				}
				if bpp == 4 {
					out[i+3] = 255
				}
			}
		}
	case codec.UYVY, codec.YUYV:
		stride := (width + 1) / 2 * 4
		for y := 0; y < height; y++ {
			for x := 0; x < width; x += 2 {
				y0, u, v := toYUV(p.pixel(x, y, width, height))
				y1 := y0
				if x+1 < width {
					y1, _, _ = toYUV(p.pixel(x+1, y, width, height))
				}
				i := y*stride + x*2
				if t == codec.UYVY {
					out[i], out[i+1], out[i+2], out[i+3] = u, y0, v, y1
				} else {
					out[i], out[i+1], out[i+2], out[i+3] = y0, u, y1, v
				}
			}
		}
	case codec.I420:
		cw, ch := (width+1)/2, (height+1)/2
		uPlane := out[width*height:]
		vPlane := uPlane[cw*ch:]
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				yy, u, v := toYUV(p.pixel(x, y, width, height))
				out[y*width+x] = yy
				if x%2 == 0 && y%2 == 0 {
					uPlane[(y/2)*cw+x/2] = u
					vPlane[(y/2)*cw+x/2] = v
				}
			}
		}
	default:
		return nil, fmt.Errorf("unsupported codec %s", t)
	}
	return out, nil
}
