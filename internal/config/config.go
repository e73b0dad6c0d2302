// Package config provides configuration for the uv and reflector commands.
// Values come from defaults, then an optional YAML file, then UVKIT_*
// environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/uvkit/pkg/codec"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error" or "quiet".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogPretty selects the console log format instead of JSON.
	// Default: true
	LogPretty bool `yaml:"log_pretty"`

	// FFmpegPath is the ffmpeg binary used by the exec backends.
	// Default: "ffmpeg"
	FFmpegPath string `yaml:"ffmpeg_path"`

	Capture  CaptureConfig  `yaml:"capture"`
	Compress string         `yaml:"compress"`
	Transmit TransmitConfig `yaml:"transmit"`

	Reflector ReflectorConfig `yaml:"reflector"`
	HTTP      HTTPConfig      `yaml:"http"`
	Record    RecordConfig    `yaml:"record"`
}

// CaptureConfig selects the devices, each as "driver[:options]".
type CaptureConfig struct {
	// Video, eg. "testcard:size=1280x720:fps=30". Empty disables video.
	Video string `yaml:"video"`
	// Audio, eg. "mixer:volume=64". Empty disables audio capture.
	Audio string `yaml:"audio"`
	// Playback, eg. "writer:ffplay". Empty disables playback.
	Playback string `yaml:"playback"`
}

// TransmitConfig configures the RTP sender.
type TransmitConfig struct {
	// Target is "host:port"; empty disables sending.
	Target       string `yaml:"target"`
	MTU          int    `yaml:"mtu"`
	VideoPT      uint8  `yaml:"video_pt"`
	AudioPT      uint8  `yaml:"audio_pt"`
	AudioPortOff int    `yaml:"audio_port_offset"`
}

// ReflectorConfig configures the UDP packet reflector.
type ReflectorConfig struct {
	Listen string `yaml:"listen"`
	// Replicas are "host:port", optionally followed by a space and a
	// compression, eg. "10.0.0.2:5004 codec=H.264:bitrate=2M".
	Replicas  []string `yaml:"replicas"`
	QueueSize int      `yaml:"queue_size"`
	// MaxDatagram is the receive buffer size. Default: 10000
	MaxDatagram int `yaml:"max_datagram"`
	// InputCodec and FPS describe the received video for replicas with a
	// compression. Default: H.264 at 30 fps
	InputCodec string  `yaml:"input_codec"`
	FPS        float64 `yaml:"fps"`
}

// HTTPConfig configures the control API.
type HTTPConfig struct {
	// Listen is the API address; empty disables the API.
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
	// WebRTC accepts browser viewers at POST /api/v1/viewers.
	WebRTC     bool     `yaml:"webrtc"`
	ICEServers []string `yaml:"ice_servers"`
}

// RecordConfig configures the segment recorder. Setting Bucket stores to
// Google Cloud Storage, Dir to the local filesystem.
type RecordConfig struct {
	Dir             string        `yaml:"dir"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
}

// Enabled reports whether recording is configured.
func (r RecordConfig) Enabled() bool {
	return r.Dir != "" || r.Bucket != ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		LogPretty:  true,
		FFmpegPath: "ffmpeg",
		Capture: CaptureConfig{
			Video: "testcard",
		},
		Compress: "codec=MJPEG",
		Transmit: TransmitConfig{
			MTU:          1200,
			VideoPT:      96,
			AudioPT:      97,
			AudioPortOff: 2,
		},
		Reflector: ReflectorConfig{
			Listen:      ":5004",
			QueueSize:   5000,
			MaxDatagram: 10000,
			InputCodec:  "H.264",
			FPS:         30,
		},
		HTTP: HTTPConfig{
			Metrics: true,
		},
		Record: RecordConfig{
			Prefix:          "uvkit",
			SegmentDuration: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
//
// Environment variables:
//   - UVKIT_LOG_LEVEL, UVKIT_LOG_PRETTY, UVKIT_FFMPEG_PATH
//   - UVKIT_VIDEO, UVKIT_AUDIO, UVKIT_PLAYBACK, UVKIT_COMPRESS
//   - UVKIT_TARGET, UVKIT_MTU
//   - UVKIT_REFLECTOR_LISTEN, UVKIT_REFLECTOR_REPLICAS (comma-separated),
//     UVKIT_REFLECTOR_QUEUE, UVKIT_REFLECTOR_MAX_DATAGRAM,
//     UVKIT_REFLECTOR_INPUT_CODEC
//   - UVKIT_HTTP_LISTEN, UVKIT_METRICS, UVKIT_WEBRTC
//   - UVKIT_RECORD_DIR, UVKIT_RECORD_BUCKET, UVKIT_RECORD_SEGMENT
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(val)
		}
	}
	setInt := func(key string, dst *int) error {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("%w: %s must be a valid integer", ErrInvalidConfig, key)
			}
			*dst = n
		}
		return nil
	}
	setBool := func(key string, dst *bool) error {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("%w: %s must be true or false", ErrInvalidConfig, key)
			}
			*dst = b
		}
		return nil
	}

	setString("UVKIT_LOG_LEVEL", &c.LogLevel)
	setString("UVKIT_FFMPEG_PATH", &c.FFmpegPath)
	setString("UVKIT_VIDEO", &c.Capture.Video)
	setString("UVKIT_AUDIO", &c.Capture.Audio)
	setString("UVKIT_PLAYBACK", &c.Capture.Playback)
	setString("UVKIT_COMPRESS", &c.Compress)
	setString("UVKIT_TARGET", &c.Transmit.Target)
	setString("UVKIT_REFLECTOR_LISTEN", &c.Reflector.Listen)
	setString("UVKIT_REFLECTOR_INPUT_CODEC", &c.Reflector.InputCodec)
	setString("UVKIT_HTTP_LISTEN", &c.HTTP.Listen)
	setString("UVKIT_RECORD_DIR", &c.Record.Dir)
	setString("UVKIT_RECORD_BUCKET", &c.Record.Bucket)

	if val := os.Getenv("UVKIT_REFLECTOR_REPLICAS"); val != "" {
		c.Reflector.Replicas = c.Reflector.Replicas[:0]
		for _, r := range strings.Split(val, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Reflector.Replicas = append(c.Reflector.Replicas, r)
			}
		}
	}
	if val := os.Getenv("UVKIT_RECORD_SEGMENT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: UVKIT_RECORD_SEGMENT must be a duration", ErrInvalidConfig)
		}
		c.Record.SegmentDuration = d
	}

	for _, f := range []func() error{
		func() error { return setBool("UVKIT_LOG_PRETTY", &c.LogPretty) },
		func() error { return setBool("UVKIT_METRICS", &c.HTTP.Metrics) },
		func() error { return setBool("UVKIT_WEBRTC", &c.HTTP.WebRTC) },
		func() error { return setInt("UVKIT_MTU", &c.Transmit.MTU) },
		func() error { return setInt("UVKIT_REFLECTOR_QUEUE", &c.Reflector.QueueSize) },
		func() error { return setInt("UVKIT_REFLECTOR_MAX_DATAGRAM", &c.Reflector.MaxDatagram) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "verbose": true, "info": true, "warn": true, "error": true, "quiet": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("%w: ffmpeg path cannot be empty", ErrInvalidConfig)
	}
	if c.Transmit.MTU < 256 || c.Transmit.MTU > 9000 {
		return fmt.Errorf("%w: MTU %d out of range [256, 9000]", ErrInvalidConfig, c.Transmit.MTU)
	}
	if c.Transmit.VideoPT > 127 || c.Transmit.AudioPT > 127 {
		return fmt.Errorf("%w: payload types must be below 128", ErrInvalidConfig)
	}
	if c.Transmit.VideoPT == c.Transmit.AudioPT {
		return fmt.Errorf("%w: video and audio payload types must differ", ErrInvalidConfig)
	}
	if c.Reflector.QueueSize <= 0 {
		return fmt.Errorf("%w: reflector queue size must be positive", ErrInvalidConfig)
	}
	if c.Reflector.MaxDatagram < 1500 || c.Reflector.MaxDatagram > 65535 {
		return fmt.Errorf("%w: reflector max datagram %d out of range [1500, 65535]", ErrInvalidConfig, c.Reflector.MaxDatagram)
	}
	if t := codec.Parse(c.Reflector.InputCodec); !t.IsCompressed() {
		return fmt.Errorf("%w: reflector input codec %q", ErrInvalidConfig, c.Reflector.InputCodec)
	}
	if c.Reflector.FPS <= 0 {
		return fmt.Errorf("%w: reflector fps must be positive", ErrInvalidConfig)
	}
	if c.Record.Enabled() && c.Record.SegmentDuration <= 0 {
		return fmt.Errorf("%w: segment duration must be positive", ErrInvalidConfig)
	}
	if c.HTTP.WebRTC && c.HTTP.Listen == "" {
		return fmt.Errorf("%w: webrtc viewers need an HTTP listen address", ErrInvalidConfig)
	}
	if c.Record.Dir != "" && c.Record.Bucket != "" {
		return fmt.Errorf("%w: record dir and bucket are mutually exclusive", ErrInvalidConfig)
	}
	return nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(out)
}
