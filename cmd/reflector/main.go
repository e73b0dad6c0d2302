// Command reflector receives an RTP stream on one UDP port and forwards
// every datagram to a set of replicas. A replica given with a compression
// receives the video decoded and compressed again. Replicas can be added
// and removed at runtime through the HTTP API.
//
// Usage:
//
//	reflector -listen :5004 -replica 10.0.0.2:5004 -replica "10.0.0.3:5004 codec=VP9" -http :8081
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/uvkit/internal/config"
	"github.com/thesyncim/uvkit/internal/httpapi"
	"github.com/thesyncim/uvkit/internal/logging"
	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/codec"
	"github.com/thesyncim/uvkit/pkg/reflector"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	listen     = flag.String("listen", "", "UDP address to receive on")
	queueSize  = flag.Int("queue", 0, "datagrams buffered between receive and send")
	inputCodec = flag.String("input-codec", "", "codec of the received video, for compressed replicas")
	fps        = flag.Float64("fps", 0, "frame rate of the received video, for compressed replicas")
	httpListen = flag.String("http", "", "control API address, eg. :8081")
	logLevel   = flag.String("log", "", "log level (debug, info, warn, error, quiet)")
	replicas   replicaList
)

// replicaList collects repeated -replica flags.
type replicaList []string

func (r *replicaList) String() string { return strings.Join(*r, ",") }

func (r *replicaList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func init() {
	flag.Var(&replicas, "replica", `destination "host:port [compression]" (repeatable)`)
}

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
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Reflector.Listen = *listen
		case "queue":
			cfg.Reflector.QueueSize = *queueSize
		case "input-codec":
			cfg.Reflector.InputCodec = *inputCodec
		case "fps":
			cfg.Reflector.FPS = *fps
		case "http":
			cfg.HTTP.Listen = *httpListen
		case "log":
			cfg.LogLevel = *logLevel
		case "replica":
			cfg.Reflector.Replicas = replicas
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	m := metrics.New()

	r, err := reflector.Listen(cfg.Reflector.Listen, reflector.Config{
		QueueSize:   cfg.Reflector.QueueSize,
		MaxDatagram: cfg.Reflector.MaxDatagram,
		InputCodec:  codec.Parse(cfg.Reflector.InputCodec),
		FPS:         cfg.Reflector.FPS,
		MTU:         uint16(cfg.Transmit.MTU),
	}, reflector.WithLogger(log), reflector.WithMetrics(m), reflector.WithFFmpegPath(cfg.FFmpegPath))
	if err != nil {
		log.Error().Err(err).Msg("reflector failed")
		return 1
	}
	defer r.Close()
	for _, rep := range cfg.Reflector.Replicas {
		if _, err := r.AddReplica(reflector.ParseReplica(rep)); err != nil {
			log.Error().Err(err).Msg("bad replica")
			return 2
		}
	}
	log.Info().Str("addr", r.Addr().String()).Int("replicas", len(cfg.Reflector.Replicas)).Msg("reflector listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	if cfg.HTTP.Listen != "" {
		api := httpapi.New(httpapi.Config{
			Replicas:     r,
			Metrics:      m,
			ServeMetrics: cfg.HTTP.Metrics,
		}, httpapi.WithLogger(log))
		g.Go(func() error { return api.ListenAndServe(gctx, cfg.HTTP.Listen) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("reflector failed")
		return 1
	}
	return 0
}
