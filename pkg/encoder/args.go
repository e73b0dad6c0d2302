package encoder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/frame"
)

// FallbackPixFmt is used when the encoder rejects the requested format.
const FallbackPixFmt = "yuv420p"

// vaapiDevice is the render node used for VA-API encoders.
const vaapiDevice = "/dev/dri/renderD128"

// blacklistedOptions are controlled by BuildArgs and cannot be overridden
// through CompressConfig.Options.
var blacklistedOptions = map[string]bool{
	"c:v":     true,
	"codec":   true,
	"vcodec":  true,
	"f":       true,
	"i":       true,
	"s":       true,
	"r":       true,
	"pix_fmt": true,
	"bsf:v":   true,
}

// defaultEncoders maps codecs whose FFmpeg encoder name differs from the
// codec name.
var defaultEncoders = map[codec.Type]string{
	codec.VP8:    "libvpx",
	codec.VP9:    "libvpx-vp9",
	codec.ProRes: "prores_ks",
}

// EncoderFor returns the encoder BuildArgs will use for cfg and raw input
// format in.
func EncoderFor(cfg *codec.CompressConfig, in codec.Type) string {
	if name := cfg.EncoderName(in.IsRGB()); name != "" {
		return name
	}
	if name, ok := defaultEncoders[cfg.Codec]; ok {
		return name
	}
	return cfg.Codec.FFmpegCodec()
}

// BuildArgs translates cfg into ffmpeg arguments reading raw frames of desc
// from stdin and writing a stream NewPacketReader can split to stdout. An
// empty pixFmt selects the output pixel format from cfg.
func BuildArgs(cfg *codec.CompressConfig, desc frame.VideoDesc, encoder, pixFmt string) ([]string, error) {
	if cfg == nil || !cfg.Codec.IsCompressed() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, codecOf(cfg))
	}
	inFmt := desc.Codec.PixFmt()
	if inFmt == "" || desc.Width <= 0 || desc.Height <= 0 || desc.FPS <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFrame, desc)
	}
	if encoder == "" {
		encoder = EncoderFor(cfg, desc.Codec)
	}
	muxer, err := muxerArgs(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if pixFmt == "" {
		pixFmt = OutputPixFmt(cfg, desc, encoder)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if codec.IsVAAPI(encoder) {
		args = append(args, "-vaapi_device", vaapiDevice)
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", inFmt,
		"-s", fmt.Sprintf("%dx%d", desc.Width, desc.Height),
		"-r", formatFloat(desc.FPS),
		"-i", "pipe:0",
		"-c:v", encoder,
	)
	if codec.IsVAAPI(encoder) {
		args = append(args, "-vf", "format=nv12,hwupload")
	} else {
		args = append(args, "-pix_fmt", pixFmt)
	}

	args = append(args, EncoderArgs(cfg, desc, encoder)...)
	args = append(args, muxer...)
	args = append(args, "-flush_packets", "1", "pipe:1")
	return args, nil
}

// EncoderArgs returns the encoder settings as "-key value" pairs:
// quality, GOP, threading, codec tuning and user options.
func EncoderArgs(cfg *codec.CompressConfig, desc frame.VideoDesc, encoder string) []string {
	var args []string
	args = append(args, qualityArgs(cfg, desc, encoder)...)
	args = append(args, gopArgs(cfg)...)
	args = append(args, threadArgs(cfg, encoder)...)
	args = append(args, codecArgs(cfg, desc, encoder)...)
	args = append(args, userArgs(cfg.Options)...)
	return args
}

func codecOf(cfg *codec.CompressConfig) codec.Type {
	if cfg == nil {
		return codec.None
	}
	return cfg.Codec
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func muxerArgs(t codec.Type) ([]string, error) {
	switch t {
	case codec.H264:
		return []string{"-bsf:v", "h264_metadata=aud=insert", "-f", "h264"}, nil
	case codec.H265:
		return []string{"-bsf:v", "hevc_metadata=aud=insert", "-f", "hevc"}, nil
	case codec.VP8, codec.VP9, codec.AV1:
		return []string{"-f", "ivf"}, nil
	case codec.MJPG:
		return []string{"-f", "mjpeg"}, nil
	}
	return nil, fmt.Errorf("%w: %s has no packet-preserving stream format", ErrUnsupportedCodec, t)
}

// OutputPixFmt picks the encoder's input pixel format from the requested
// subsampling, depth and RGB flag, defaulting to the source format's.
func OutputPixFmt(cfg *codec.CompressConfig, desc frame.VideoDesc, encoder string) string {
	rgb := desc.Codec.IsRGB()
	if cfg.RGB != nil {
		rgb = *cfg.RGB
	}
	if rgb {
		switch {
		case encoder == "libx264rgb", cfg.Codec == codec.HFYU:
			return "rgb24"
		case cfg.Codec == codec.FFV1:
			return "bgr0"
		case cfg.Codec == codec.VP9, cfg.Codec == codec.AV1:
			return "gbrp"
		}
	}

	sub := cfg.Subsampling
	if sub == 0 {
		sub = 4200
		switch desc.Codec {
		case codec.UYVY, codec.YUYV, codec.V210:
			if cfg.Codec == codec.MJPG || cfg.Codec == codec.FFV1 || cfg.Codec == codec.HFYU || cfg.Codec == codec.J2K {
				sub = 4220
			}
		}
		if cfg.Codec == codec.ProRes {
			sub = 4220
		}
	}

	depth := cfg.Depth
	if depth == 0 {
		depth = 8
		if desc.Codec.BitsPerComponent() > 8 {
			switch cfg.Codec {
			case codec.H265, codec.VP9, codec.AV1, codec.FFV1:
				depth = 10
			}
		}
	}
	if cfg.Codec == codec.ProRes {
		depth = 10
	}

	switch {
	case codec.IsQSV(encoder):
		if depth > 8 {
			return "p010le"
		}
		return "nv12"
	case cfg.Codec == codec.MJPG:
		// full-range formats, 8 bits only
		return fmt.Sprintf("yuvj%dp", sub/10)
	}
	pf := fmt.Sprintf("yuv%dp", sub/10)
	if depth > 8 {
		pf += fmt.Sprintf("%dle", depth)
	}
	return pf
}

func qualityArgs(cfg *codec.CompressConfig, desc frame.VideoDesc, encoder string) []string {
	q := cfg.Quality(desc.Width, desc.Height, desc.FPS, encoder)
	var args []string
	switch q.Mode {
	case codec.QualityCQP:
		cqp := strconv.Itoa(q.CQP)
		switch {
		case codec.IsQSV(encoder):
			args = append(args, "-global_quality", cqp)
		case codec.IsNVENC(encoder):
			args = append(args, "-rc", "constqp", "-qp", cqp)
		case codec.IsX26x(encoder), codec.IsVAAPI(encoder):
			args = append(args, "-qp", cqp)
		default:
			args = append(args, "-q:v", cqp)
		}
	case codec.QualityCRF:
		args = append(args, "-crf", formatFloat(q.CRF))
	}
	if q.Bitrate > 0 {
		br := strconv.FormatInt(q.Bitrate, 10)
		args = append(args, "-b:v", br, "-maxrate", br)
		if q.Tolerance > 0 {
			args = append(args, "-bufsize", strconv.FormatInt(q.Tolerance, 10))
		}
	}
	return args
}

func gopArgs(cfg *codec.CompressConfig) []string {
	switch cfg.Codec {
	case codec.MJPG, codec.J2K, codec.HFYU, codec.ProRes:
		return nil // intra only
	}
	args := []string{"-g", strconv.Itoa(cfg.GOP)}
	switch cfg.Codec {
	case codec.H264, codec.H265, codec.AV1:
		args = append(args, "-bf", "0")
	}
	return args
}

func threadArgs(cfg *codec.CompressConfig, encoder string) []string {
	var args []string
	switch {
	case cfg.Threads.Disabled:
		args = append(args, "-threads", "1")
	case cfg.Threads.Count >= 0:
		args = append(args, "-threads", strconv.Itoa(cfg.Threads.Count))
	}
	if tt := cfg.Threads.FFmpegThreadType(); tt != "" && !cfg.Threads.Disabled {
		args = append(args, "-thread_type", tt)
	}

	switch {
	case cfg.Codec == codec.FFV1, cfg.Codec == codec.MJPG, encoder == "libx264", encoder == "libx264rgb":
		if cfg.Threads.Disabled && cfg.Slices < 0 {
			break
		}
		args = append(args, "-slices", strconv.Itoa(cfg.SliceCount()))
	}
	return args
}

func codecArgs(cfg *codec.CompressConfig, desc frame.VideoDesc, encoder string) []string {
	var args []string

	if _, ok := cfg.Options["preset"]; !ok {
		if p := codec.Preset(cfg.Codec, encoder, desc.Width, desc.Height, desc.FPS); p != "" && p != codec.DontSetPreset {
			args = append(args, "-preset", p)
		}
	}

	_, userTune := cfg.Options["tune"]
	switch {
	case codec.IsX26x(encoder):
		if !userTune {
			args = append(args, "-tune", "zerolatency")
		}
		if cfg.IntraRefresh == 1 && encoder != "libx265" {
			args = append(args, "-intra-refresh", "1")
		}
	case strings.HasPrefix(encoder, "libvpx"):
		args = append(args, "-deadline", "realtime", "-cpu-used", "8", "-lag-in-frames", "0")
	case codec.IsNVENC(encoder):
		args = append(args, "-zerolatency", "1", "-delay", "0")
		if cfg.IntraRefresh == 1 {
			args = append(args, "-intra-refresh", "1")
		}
	}

	switch cfg.InterlacedDCT {
	case 1:
		args = append(args, "-flags", "+ildct")
	case -1:
		if desc.Interlacing == frame.InterlacedMerged && (cfg.Codec == codec.MJPG || cfg.Codec == codec.H264) {
			args = append(args, "-flags", "+ildct")
		}
	}
	return args
}

func userArgs(opts map[string]string) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		if !blacklistedOptions[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-"+k, opts[k])
	}
	return args
}
