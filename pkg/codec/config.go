package codec

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Errors returned by the option parser.
var (
	ErrUnknownOption = errors.New("unknown option")
	ErrUnknownCodec  = errors.New("unknown codec")
	ErrInvalidValue  = errors.New("invalid option value")
)

// escapedColon is replaced before splitting so that option values may
// contain colons (eg. x264opts).
const (
	escapedColon = `\:`
	colonMark    = "\x7f\x7f"
)

// CompressConfig is the requested compression: codec, quality knobs and
// free-form encoder options.
type CompressConfig struct {
	Codec   Type
	Encoder string // explicit encoder backend, eg. "libx264" or "h264_nvenc"

	Bitrate int64   // bits per second, 0 = derive
	BPP     float64 // compressed bits per pixel, 0 = codec default
	CRF     float64 // -1 = unset
	CQP     int     // -1 = unset

	Subsampling int // 0 (auto), 4440, 4220 or 4200
	Depth       int // 0 = auto
	RGB         *bool

	GOP           int
	IntraRefresh  int // -1 default, 0 disable, 1 enable
	InterlacedDCT int // -1 default, 0 disable, 1 enable

	Threads     ThreadMode
	ConvThreads int // 0 = number of CPUs
	Slices      int // -1 = default

	// Options are passed to the encoder verbatim.
	Options map[string]string

	Help bool
}

// DefaultCompressConfig returns the configuration used when no options
// are given.
func DefaultCompressConfig() *CompressConfig {
	return &CompressConfig{
		Codec:         DefaultCodec,
		CRF:           -1,
		CQP:           -1,
		GOP:           DefaultGOP,
		IntraRefresh:  -1,
		InterlacedDCT: -1,
		Threads:       ThreadMode{Count: -1},
		Slices:        -1,
		Options:       make(map[string]string),
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// ParseCompressOptions parses a colon-separated option string such as
// "codec=H.264:bitrate=10M:gop=30:preset=veryfast". A literal colon
// inside a value must be written as `\:`.
func ParseCompressOptions(opts string, log zerolog.Logger) (*CompressConfig, error) {
	cfg := DefaultCompressConfig()
	if opts == "" {
		return cfg, nil
	}

	opts = strings.ReplaceAll(opts, escapedColon, colonMark)
	for _, item := range strings.Split(opts, ":") {
		if item == "" {
			continue
		}
		value := ""
		if i := strings.IndexByte(item, '='); i >= 0 {
			value = item[i+1:]
		}

		switch {
		case hasPrefixFold(item, "help"):
			cfg.Help = true
		case hasPrefixFold(item, "codec="):
			cfg.Codec = Parse(value)
			if cfg.Codec == None || !cfg.Codec.IsCompressed() {
				log.Error().Str("codec", value).Msg("unable to find codec")
				return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, value)
			}
		case hasPrefixFold(item, "bitrate="):
			bitrate, err := ParseUnit(value)
			if err != nil || bitrate < 0 {
				return nil, fmt.Errorf("%w: bitrate %q", ErrInvalidValue, value)
			}
			cfg.Bitrate = bitrate
		case hasPrefixFold(item, "bpp="):
			bpp, err := ParseUnitFloat(value)
			if err != nil || math.IsNaN(bpp) {
				log.Error().Str("bpp", value).Msg("wrong bitrate")
				return nil, fmt.Errorf("%w: bpp %q", ErrInvalidValue, value)
			}
			cfg.BPP = bpp
		case hasPrefixFold(item, "crf="):
			crf, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: crf %q", ErrInvalidValue, value)
			}
			cfg.CRF = crf
		case strings.HasPrefix(item, "cqp=") || strings.HasPrefix(item, "q="):
			if strings.HasPrefix(item, "q=") {
				log.Warn().Msg(`option "q=" is deprecated, use "cqp=" instead`)
			}
			cqp, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: cqp %q", ErrInvalidValue, value)
			}
			cfg.CQP = cqp
		case hasPrefixFold(item, "subsampling="):
			subs, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: subsampling %q", ErrInvalidValue, value)
			}
			if subs < 1000 {
				subs *= 10 // 420 -> 4200
			}
			if subs != 4440 && subs != 4220 && subs != 4200 {
				log.Error().Msg("supported subsampling is 444, 422, or 420")
				return nil, fmt.Errorf("%w: subsampling %q", ErrInvalidValue, value)
			}
			cfg.Subsampling = subs
		case strings.HasPrefix(item, "depth="):
			depth, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: depth %q", ErrInvalidValue, value)
			}
			cfg.Depth = depth
		case strings.EqualFold(item, "rgb") || strings.EqualFold(item, "yuv"):
			rgb := strings.EqualFold(item, "rgb")
			cfg.RGB = &rgb
		case strings.Contains(item, "intra_refresh"):
			cfg.IntraRefresh = boolToTristate(!strings.HasPrefix(item, "disable_"))
		case strings.Contains(item, "interlaced_dct"):
			cfg.InterlacedDCT = boolToTristate(!strings.HasPrefix(item, "disable_"))
		case hasPrefixFold(item, "threads="):
			mode := value
			if i := strings.IndexByte(mode, ','); i >= 0 {
				conv, err := strconv.Atoi(mode[i+1:])
				if err != nil {
					return nil, fmt.Errorf("%w: threads %q", ErrInvalidValue, value)
				}
				cfg.ConvThreads = conv
				mode = mode[:i]
			}
			cfg.Threads = ParseThreadMode(mode, log)
		case hasPrefixFold(item, "slices="):
			slices, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: slices %q", ErrInvalidValue, value)
			}
			cfg.Slices = slices
		case hasPrefixFold(item, "encoder="):
			cfg.Encoder = value
		case hasPrefixFold(item, "gop="):
			gop, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: gop %q", ErrInvalidValue, value)
			}
			cfg.GOP = gop
		case strings.IndexByte(item, '=') > 0:
			key := item[:strings.IndexByte(item, '=')]
			cfg.Options[key] = strings.ReplaceAll(value, colonMark, ":")
		default:
			log.Error().Str("option", item).Msg("unknown option")
			return nil, fmt.Errorf("%w: %s", ErrUnknownOption, item)
		}
	}

	return cfg, nil
}

func boolToTristate(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncoderName returns the encoder to open: the requested one, the codec's
// preferred one, or "" to let FFmpeg choose.
func (c *CompressConfig) EncoderName(rgbInput bool) string {
	if c.Encoder != "" {
		return c.Encoder
	}
	if p, ok := params[c.Codec]; ok && p.PreferredEncoder != nil {
		return p.PreferredEncoder(rgbInput)
	}
	return ""
}

// SliceCount returns the requested slice count or the codec default.
func (c *CompressConfig) SliceCount() int {
	if c.Slices >= 0 {
		return c.Slices
	}
	if c.Codec == FFV1 {
		return DefaultFFV1Slices
	}
	return DefaultSlices
}

// QualityMode selects how the encoder's rate is controlled.
type QualityMode int

const (
	QualityBitrate QualityMode = iota
	QualityCRF
	QualityCQP
)

// String returns the name of the quality mode.
func (m QualityMode) String() string {
	switch m {
	case QualityCRF:
		return "crf"
	case QualityCQP:
		return "cqp"
	default:
		return "bitrate"
	}
}

// Quality is the resolved rate control for one encoder and frame format.
type Quality struct {
	Mode QualityMode
	CRF  float64
	CQP  int

	// Bitrate is set (non-zero) whenever a bitrate must be configured,
	// which also happens alongside CRF/CQP when one was requested.
	Bitrate   int64
	Tolerance int64
}

// Quality resolves the rate control for the given frame geometry and
// encoder.
func (c *CompressConfig) Quality(width, height int, fps float64, encoder string) Quality {
	isMJPEG := strings.Contains(encoder, "mjpeg") || (encoder == "" && c.Codec == MJPG)
	nothingRequested := c.CRF == -1 && c.Bitrate == 0 && c.BPP == 0

	avgBPP := c.BPP
	if avgBPP <= 0 {
		avgBPP = params[c.Codec].AvgBPP
	}
	bitrate := c.Bitrate
	if bitrate <= 0 {
		bitrate = int64(float64(width*height) * avgBPP * fps)
	}

	var q Quality
	setBitrate := false
	switch {
	case c.CQP >= 0 || ((IsVAAPI(encoder) || isMJPEG) && nothingRequested):
		q.Mode = QualityCQP
		q.CQP = c.CQP
		if q.CQP < 0 {
			switch {
			case encoder == "mjpeg_qsv":
				q.CQP = DefaultCQPMJPEGQSV
			case IsQSV(encoder):
				q.CQP = DefaultCQPQSV
			default:
				q.CQP = DefaultCQP
			}
		}
	case c.CRF >= 0 || (IsX26x(encoder) && c.Bitrate == 0 && c.BPP == 0):
		q.Mode = QualityCRF
		q.CRF = c.CRF
		if q.CRF < 0 {
			q.CRF = DefaultCRF
		}
	default:
		q.Mode = QualityBitrate
		setBitrate = true
	}

	if (setBitrate || c.Bitrate > 0) && bitrate > 0 {
		q.Bitrate = bitrate
		if fps > 0 {
			q.Tolerance = int64(float64(bitrate) / fps * 6)
		}
	}
	return q
}

// String renders the configuration back into option-string form.
func (c *CompressConfig) String() string {
	var items []string
	items = append(items, "codec="+c.Codec.String())
	if c.Encoder != "" {
		items = append(items, "encoder="+c.Encoder)
	}
	if c.Bitrate > 0 {
		items = append(items, "bitrate="+strconv.FormatInt(c.Bitrate, 10))
	}
	if c.BPP > 0 {
		items = append(items, "bpp="+strconv.FormatFloat(c.BPP, 'g', -1, 64))
	}
	if c.CRF >= 0 {
		items = append(items, "crf="+strconv.FormatFloat(c.CRF, 'g', -1, 64))
	}
	if c.CQP >= 0 {
		items = append(items, "cqp="+strconv.Itoa(c.CQP))
	}
	if c.Subsampling != 0 {
		items = append(items, "subsampling="+strconv.Itoa(c.Subsampling/10))
	}
	if c.Depth != 0 {
		items = append(items, "depth="+strconv.Itoa(c.Depth))
	}
	if c.RGB != nil {
		if *c.RGB {
			items = append(items, "rgb")
		} else {
			items = append(items, "yuv")
		}
	}
	if c.GOP != DefaultGOP {
		items = append(items, "gop="+strconv.Itoa(c.GOP))
	}
	switch c.IntraRefresh {
	case 0:
		items = append(items, "disable_intra_refresh")
	case 1:
		items = append(items, "intra_refresh")
	}
	switch c.InterlacedDCT {
	case 0:
		items = append(items, "disable_interlaced_dct")
	case 1:
		items = append(items, "interlaced_dct")
	}
	if c.Threads != (ThreadMode{Count: -1}) || c.ConvThreads != 0 {
		threads := "threads=" + c.Threads.String()
		if c.ConvThreads != 0 {
			threads += "," + strconv.Itoa(c.ConvThreads)
		}
		items = append(items, threads)
	}
	if c.Slices >= 0 {
		items = append(items, "slices="+strconv.Itoa(c.Slices))
	}
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		items = append(items, k+"="+strings.ReplaceAll(c.Options[k], ":", escapedColon))
	}
	return strings.Join(items, ":")
}

// Usage writes the compression option help.
func Usage(w io.Writer) {
	fmt.Fprintln(w, "Libavcodec encoder usage:")
	fmt.Fprintln(w, "\t-c libavcodec[:codec=<codec_name>|:encoder=<encoder>][:bitrate=<bits_per_sec>|:bpp=<bits_per_pixel>|:crf=<crf>|:cqp=<cqp>]")
	fmt.Fprintln(w, "\t\t[:subsampling=<subsampling>][:depth=<depth>][:rgb|:yuv][:gop=<gop>]")
	fmt.Fprintln(w, "\t\t[:[disable_]intra_refresh][:threads=<threads>][:slices=<slices>][:<lavc_opt>=<val>]*")
	fmt.Fprintln(w, "\nwhere")
	fmt.Fprintln(w, "\t<encoder>        specifies encoder (eg. nvenc or libx264 for H.264)")
	fmt.Fprintln(w, "\t<codec_name>     codec name (default MJPEG) if encoder name is not specified")
	fmt.Fprintln(w, "\t<bits_per_sec>   requested bitrate, 0 means codec default")
	fmt.Fprintln(w, "\t<bits_per_pixel> bitrate = width * height * bits_per_pixel * fps")
	fmt.Fprintln(w, "\t<cqp>            codec-specific constant QP value")
	fmt.Fprintln(w, "\t<crf>            CRF factor (only for libx264/libx265)")
	fmt.Fprintln(w, "\t<subsampling>    one of 444, 422, or 420")
	fmt.Fprintln(w, "\t<threads>        \"no\", or \"<number>[F][S][n]\", add \",<n>\" for conversion threads")
	fmt.Fprintf(w, "\t<slices>         number of slices to use (default: %d)\n", DefaultSlices)
	fmt.Fprintln(w, "\t<gop>            GOP size")
	fmt.Fprintln(w, "\t<lavc_opt>       option passed directly to the encoder (eg. preset=veryfast), colons must be escaped")
	fmt.Fprintln(w, "\nSupported codecs:")
	for _, t := range All() {
		if !t.IsCompressed() {
			continue
		}
		fmt.Fprintf(w, "\t%s\n", t)
	}
}
