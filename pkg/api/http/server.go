package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-orchestrator/pkg/api/websocket"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
)

// Orchestrator is the part of the orchestrator the API serves
type Orchestrator interface {
	State() string
	// CurrentRun returns the active run, or the last one once stopped
	CurrentRun() (scheduler.Snapshot, bool)
	// Supervision is false outside continuous supervision
	Supervision() (reactive.Report, bool)
	Stop(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	logger       logging.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator Orchestrator
	// Registry is served on /metrics when set
	Registry       *prometheus.Registry
	StreamInterval time.Duration
	Logger         logging.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.NewValidationError("orchestrator is required", nil)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid HTTP port: %d", cfg.Port), nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
	}
	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(cfg Config) {
	s.router.GET("/health", s.handleHealth)

	if cfg.Registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	stream := websocket.NewHandler(cfg.Orchestrator, cfg.StreamInterval, cfg.Logger)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/status/ws", stream.HandleStatusStream)
		v1.GET("/units/:id", s.handleGetUnit)
		v1.POST("/stop", s.handleStop)
	}
}

// Handler exposes the router for in-process use
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown
func (s *Server) Start() error {
	s.logger.Infof("Starting HTTP server, addr: %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.NewNetworkError("failed to start HTTP server", err).WithContext("addr", s.server.Addr)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewNetworkError("failed to shut down HTTP server", err)
	}
	s.logger.Infof("HTTP server shut down")
	return nil
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debugf("HTTP request, method: %s, path: %s, status: %d, duration: %v, client: %s",
			c.Request.Method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}
