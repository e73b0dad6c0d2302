// Command uv captures video and audio, compresses the video and sends
// both over RTP.
//
// Usage:
//
//	uv -t testcard:size=1280x720:fps=30 -c codec=H.264:bitrate=4M -target host:5004
//	uv -t help          # list video capture drivers
//	uv -c help          # compression options
//	uv -list            # list all devices
//
// Settings come from -config (YAML), UVKIT_* environment variables and
// flags, later ones winning.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/uvkit/internal/config"
	"github.com/thesyncim/uvkit/internal/httpapi"
	"github.com/thesyncim/uvkit/internal/logging"
	"github.com/thesyncim/uvkit/internal/metrics"
	acapture "github.com/thesyncim/uvkit/pkg/audio/capture"
	"github.com/thesyncim/uvkit/pkg/audio/playback"
	"github.com/thesyncim/uvkit/pkg/capture"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/encoder"
	"github.com/thesyncim/uvkit/pkg/pipeline"
	"github.com/thesyncim/uvkit/pkg/sink/record"
	webrtcsink "github.com/thesyncim/uvkit/pkg/sink/webrtc"
	"github.com/thesyncim/uvkit/pkg/transmit"

	_ "github.com/thesyncim/uvkit/pkg/audio/capture/mixer"
	_ "github.com/thesyncim/uvkit/pkg/capture/camera"
	_ "github.com/thesyncim/uvkit/pkg/capture/hdstation"
	_ "github.com/thesyncim/uvkit/pkg/capture/testcard"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	videoSpec  = flag.String("t", "", `video capture, driver[:options] ("help" lists drivers)`)
	audioSpec  = flag.String("s", "", `audio capture, driver[:options] ("help" lists drivers)`)
	playSpec   = flag.String("r", "", `audio playback, driver[:options] ("help" lists drivers)`)
	compress   = flag.String("c", "", `compression, eg. codec=H.264:bitrate=4M ("help" for options, "none" sends raw)`)
	target     = flag.String("target", "", "RTP destination host:port")
	httpListen = flag.String("http", "", "control API address, eg. :8080")
	logLevel   = flag.String("log", "", "log level (debug, info, warn, error, quiet)")
	list       = flag.Bool("list", false, "list all devices")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *list {
		capture.PrintList(os.Stdout)
		acapture.PrintList(os.Stdout)
		playback.PrintList(os.Stdout)
		return 0
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runPipeline(ctx, cfg, log, m)
	switch {
	case errors.Is(err, capture.ErrHelpShown),
		errors.Is(err, acapture.ErrHelpShown),
		errors.Is(err, playback.ErrHelpShown),
		errors.Is(err, errHelp):
		return 0
	case err != nil && !errors.Is(err, context.Canceled):
		log.Error().Err(err).Msg("uv failed")
		return 1
	}
	return 0
}

var errHelp = errors.New("help shown")

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			cfg.Capture.Video = *videoSpec
		case "s":
			cfg.Capture.Audio = *audioSpec
		case "r":
			cfg.Capture.Playback = *playSpec
		case "c":
			cfg.Compress = *compress
		case "target":
			cfg.Transmit.Target = *target
		case "http":
			cfg.HTTP.Listen = *httpListen
		case "log":
			cfg.LogLevel = *logLevel
		}
	})
}

func runPipeline(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) error {
	var (
		pcfg pipeline.Config
		cc   *codec.CompressConfig
		err  error
	)

	if cfg.Compress != "" && cfg.Compress != "none" {
		cc, err = codec.ParseCompressOptions(cfg.Compress, log)
		if err != nil {
			return err
		}
		if cc.Help {
			codec.Usage(os.Stdout)
			return errHelp
		}
	}

	if cfg.Capture.Video != "" {
		dev, err := capture.Open(cfg.Capture.Video, capture.Params{
			Log: log, Metrics: m, FFmpegPath: cfg.FFmpegPath, Help: os.Stdout,
		})
		if err != nil {
			return err
		}
		defer dev.Close()
		pcfg.Video = dev
	}
	if cfg.Capture.Audio != "" {
		dev, err := acapture.Open(cfg.Capture.Audio, acapture.Params{
			Log: log, Metrics: m, FFmpegPath: cfg.FFmpegPath, Help: os.Stdout,
		})
		if err != nil {
			return err
		}
		defer dev.Close()
		pcfg.Audio = dev
	}
	if cfg.Capture.Playback != "" {
		dev, err := playback.Open(cfg.Capture.Playback, playback.Params{Log: log, Metrics: m, Help: os.Stdout})
		if err != nil {
			return err
		}
		defer dev.Close()
		pcfg.Playback = dev
	}

	if cc != nil && pcfg.Video != nil {
		comp, err := encoder.New(cc,
			encoder.WithLogger(log),
			encoder.WithMetrics(m),
			encoder.WithFFmpegPath(cfg.FFmpegPath),
		)
		if err != nil {
			return err
		}
		defer comp.Close()
		pcfg.Compressor = comp
	}

	if cfg.Transmit.Target != "" {
		sender, err := transmit.Dial(cfg.Transmit.Target, transmit.Config{
			MTU:          uint16(cfg.Transmit.MTU),
			VideoPT:      cfg.Transmit.VideoPT,
			AudioPT:      cfg.Transmit.AudioPT,
			AudioPortOff: cfg.Transmit.AudioPortOff,
		}, transmit.WithLogger(log), transmit.WithMetrics(m))
		if err != nil {
			return err
		}
		defer sender.Close()
		pcfg.VideoSinks = append(pcfg.VideoSinks, pipeline.VideoSinkFunc(sender.SendVideo))
		pcfg.AudioSinks = append(pcfg.AudioSinks, pipeline.AudioSinkFunc(sender.SendAudio))
	}

	var rec *record.Recorder
	if cfg.Record.Enabled() {
		if cc == nil {
			log.Warn().Msg("recording needs compression, not recording")
		} else {
			store, err := openStorage(ctx, cfg.Record)
			if err != nil {
				return err
			}
			if c, ok := store.(io.Closer); ok {
				defer c.Close()
			}
			rec = record.New(store, record.Config{
				SegmentDuration: cfg.Record.SegmentDuration,
				Prefix:          cfg.Record.Prefix,
			}, record.WithLogger(log), record.WithMetrics(m))
			defer rec.Close()
			pcfg.VideoSinks = append(pcfg.VideoSinks, rec)
		}
	}

	var viewers *webrtcsink.Sink
	if cfg.HTTP.WebRTC {
		if cc == nil || !webrtcsink.Supported(cc.Codec) {
			log.Warn().Msg("webrtc viewers need H.264, H.265, VP8, VP9 or AV1 compression, disabled")
		} else {
			viewers, err = webrtcsink.New(cc.Codec, 0, webrtcsink.Config{ICEServers: cfg.HTTP.ICEServers},
				webrtcsink.WithLogger(log))
			if err != nil {
				return err
			}
			defer viewers.Close()
			pcfg.VideoSinks = append(pcfg.VideoSinks, viewers)
		}
	}

	p, err := pipeline.New(pcfg, pipeline.WithLogger(log), pipeline.WithMetrics(m))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if cfg.HTTP.Listen != "" {
		acfg := httpapi.Config{Stats: p.Stats, Metrics: m, ServeMetrics: cfg.HTTP.Metrics}
		if viewers != nil {
			acfg.Viewers = viewers
		}
		if rec != nil {
			acfg.Recordings = rec
		}
		api := httpapi.New(acfg, httpapi.WithLogger(log))
		g.Go(func() error { return api.ListenAndServe(gctx, cfg.HTTP.Listen) })
	}
	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.RecordConfig) (record.Storage, error) {
	if cfg.Bucket != "" {
		return record.NewGCSStorage(ctx, cfg.Bucket, "")
	}
	return record.NewLocalStorage(cfg.Dir)
}
