// Package httpapi serves the control API of the uv and reflector
// commands: status, reflector replicas, WebRTC viewers and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvkit/internal/metrics"
	"github.com/thesyncim/uvkit/pkg/pipeline"
	"github.com/thesyncim/uvkit/pkg/reflector"
)

const (
	shutdownTimeout = 5 * time.Second
	maxOfferSize    = 64 << 10
	offerTimeout    = 10 * time.Second
)

// Replicas manages the destinations of a reflector.
type Replicas interface {
	AddReplica(addr, compression string) (reflector.Replica, error)
	RemoveReplica(id string) error
	Replicas() []reflector.Replica
}

// Viewers accepts WebRTC viewers by SDP offer.
type Viewers interface {
	Subscribe(ctx context.Context, offer string) (answer, id string, err error)
	Unsubscribe(id string) error
	Subscribers() []string
}

// Recordings lists the segments written by a recorder.
type Recordings interface {
	Session() string
	Segments() []string
}

// Config selects the routes a Server exposes. Nil fields disable the
// matching routes.
type Config struct {
	Stats      func() pipeline.Stats
	Replicas   Replicas
	Viewers    Viewers
	Recordings Recordings
	Metrics    *metrics.Metrics
	// ServeMetrics adds GET /metrics.
	ServeMetrics bool
}

// Server is the HTTP control API.
type Server struct {
	cfg     Config
	router  *gin.Engine
	log     zerolog.Logger
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// New builds the router.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg, log: zerolog.Nop(), started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("module", "http").Logger()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
	}
	if s.cfg.Replicas != nil {
		api.GET("/v1/replicas", s.handleListReplicas)
		api.POST("/v1/replicas", s.handleAddReplica)
		api.DELETE("/v1/replicas/:id", s.handleRemoveReplica)
	}
	if s.cfg.Viewers != nil {
		api.GET("/v1/viewers", s.handleListViewers)
		api.POST("/v1/viewers", s.handleOffer)
		api.DELETE("/v1/viewers/:id", s.handleRemoveViewer)
		api.GET("/v1/viewers/ws", s.handleViewerSocket)
	}
	if s.cfg.Recordings != nil {
		api.GET("/v1/recordings", s.handleRecordings)
	}
	if s.cfg.ServeMetrics && s.cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.cfg.Metrics.Handler()))
	}
	s.router = router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("API listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.cfg.Metrics.RecordHTTPRequest(c.Request.Method, route, status)
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", route).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg.Stats != nil {
		resp["pipeline"] = s.cfg.Stats()
	}
	if s.cfg.Replicas != nil {
		resp["replicas"] = len(s.cfg.Replicas.Replicas())
	}
	if s.cfg.Viewers != nil {
		resp["viewers"] = len(s.cfg.Viewers.Subscribers())
	}
	c.JSON(http.StatusOK, resp)
}

type addReplicaRequest struct {
	Addr        string `json:"addr" binding:"required"`
	Compression string `json:"compression"`
}

func (s *Server) handleListReplicas(c *gin.Context) {
	replicas := s.cfg.Replicas.Replicas()
	if replicas == nil {
		replicas = []reflector.Replica{}
	}
	c.JSON(http.StatusOK, gin.H{"replicas": replicas, "total": len(replicas)})
}

func (s *Server) handleAddReplica(c *gin.Context) {
	var req addReplicaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := s.cfg.Replicas.AddReplica(req.Addr, req.Compression)
	switch {
	case errors.Is(err, reflector.ErrReplicaExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, reflector.ErrReflectorClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("id", r.ID).Str("addr", r.Addr).Str("compression", r.Compression).Msg("replica added")
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleRemoveReplica(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Replicas.RemoveReplica(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("id", id).Msg("replica removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListViewers(c *gin.Context) {
	ids := s.cfg.Viewers.Subscribers()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"viewers": ids, "total": len(ids)})
}

// handleOffer takes a raw SDP offer (application/sdp) and answers with
// the SDP answer. The viewer ID is returned in the Location header.
func (s *Server) handleOffer(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxOfferSize))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing SDP offer"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), offerTimeout)
	defer cancel()
	answer, id, err := s.cfg.Viewers.Subscribe(ctx, string(body))
	if err != nil {
		s.log.Warn().Err(err).Msg("viewer rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Header("Location", "/api/v1/viewers/"+id)
	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}

func (s *Server) handleRemoveViewer(c *gin.Context) {
	if err := s.cfg.Viewers.Unsubscribe(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRecordings(c *gin.Context) {
	segs := s.cfg.Recordings.Segments()
	if segs == nil {
		segs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  s.cfg.Recordings.Session(),
		"segments": segs,
	})
}
