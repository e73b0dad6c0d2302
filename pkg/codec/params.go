package codec

import (
	"regexp"
	"strings"
)

// Encoder defaults.
const (
	DefaultCodec       = MJPG
	DefaultCRF         = 22.0
	DefaultCQP         = 21
	DefaultCQPQSV      = 5000
	DefaultCQPMJPEGQSV = 80
	DefaultGOP         = 20
	DefaultSlices      = 32
	DefaultFFV1Slices  = 16

	// DontSetPreset marks encoders whose preset is configured elsewhere
	// (or which have no presets at all).
	DontSetPreset = "dont_set_preset"
)

// Params describes how a compressed codec is driven.
type Params struct {
	// PreferredEncoder returns the encoder to use when none is requested.
	// Nil means FFmpeg's default encoder for the codec.
	PreferredEncoder func(rgb bool) string

	// AvgBPP is the average compressed bits per pixel used to derive a
	// bitrate when none is requested. Zero for lossless codecs.
	AvgBPP float64

	// Preset returns the encoder preset for the given resolution and rate.
	Preset func(encoder string, width, height int, fps float64) string

	// Priority orders codecs when capabilities are listed.
	Priority int
}

var params = map[Type]Params{
	H264: {
		PreferredEncoder: func(rgb bool) string {
			if rgb {
				return "libx264rgb"
			}
			return "libx264"
		},
		// 0.07 for medium motion, doubled for the low-latency tuning
		AvgBPP:   0.07 * 2 * 2,
		Preset:   h264H265Preset,
		Priority: 100,
	},
	H265: {
		PreferredEncoder: func(bool) string { return "libx265" },
		AvgBPP:           0.04 * 2 * 2,
		Preset:           h264H265Preset,
		Priority:         101,
	},
	MJPG:   {AvgBPP: 1.2, Priority: 102},
	VP8:    {AvgBPP: 0.4, Priority: 103},
	VP9:    {AvgBPP: 0.4, Priority: 104},
	ProRes: {AvgBPP: 0.5, Priority: 300},
	J2K:    {AvgBPP: 1.0, Priority: 500},
	HFYU:   {AvgBPP: 0, Priority: 501},
	FFV1:   {AvgBPP: 0, Priority: 502},
	AV1: {
		PreferredEncoder: func(bool) string { return "libsvtav1" },
		AvgBPP:           0.1,
		Preset:           av1Preset,
		Priority:         600,
	},
}

// ParamsFor returns the parameters of a compressed codec.
func ParamsFor(t Type) (Params, bool) {
	p, ok := params[t]
	return p, ok
}

var (
	reAMF   = regexp.MustCompile(`.*_amf`)
	reNVENC = regexp.MustCompile(`.*nvenc.*`)
	reQSV   = regexp.MustCompile(`.*_qsv`)
	reVAAPI = regexp.MustCompile(`.*_vaapi`)
)

func h264H265Preset(encoder string, width, height int, fps float64) string {
	switch {
	case encoder == "libx264" || encoder == "libx264rgb":
		if width <= 1920 && height <= 1080 && fps <= 30 {
			return "veryfast"
		}
		return "ultrafast"
	case encoder == "libx265":
		return "ultrafast"
	case reAMF.MatchString(encoder):
		return DontSetPreset // AMF uses "usage"
	case reNVENC.MatchString(encoder):
		return DontSetPreset
	case reQSV.MatchString(encoder):
		return "medium"
	case reVAAPI.MatchString(encoder):
		return DontSetPreset
	}
	return ""
}

func av1Preset(encoder string, width, height int, fps float64) string {
	if encoder == "libsvtav1" {
		if width <= 1920 && height <= 1080 && fps <= 30 {
			return "9"
		}
		return "11"
	}
	return ""
}

// Preset returns the preset for the encoder, DontSetPreset, or "" when no
// suitable preset is known.
func Preset(t Type, encoder string, width, height int, fps float64) string {
	p, ok := params[t]
	if !ok || p.Preset == nil {
		return ""
	}
	return p.Preset(encoder, width, height, fps)
}

// IsX26x reports whether encoder is libx264/libx265 (CRF by default).
func IsX26x(encoder string) bool {
	return strings.HasPrefix(encoder, "libx26")
}

// IsVAAPI reports whether encoder is a VA-API encoder.
func IsVAAPI(encoder string) bool {
	return reVAAPI.MatchString(encoder)
}

// IsQSV reports whether encoder is an Intel QuickSync encoder.
func IsQSV(encoder string) bool {
	return strings.Contains(encoder, "_qsv")
}

// IsNVENC reports whether encoder is an NVIDIA encoder.
func IsNVENC(encoder string) bool {
	return reNVENC.MatchString(encoder)
}
