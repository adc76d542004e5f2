package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medialens/medialens/pkg/metrics"
)

// Server exposes /health, /ready, /metrics and /metrics/prometheus for one
// worker process. The health endpoint always answers 200; probe semantics
// live in the JSON status field.
type Server struct {
	service   string
	collector *metrics.Collector
	engine    *gin.Engine
	srv       *http.Server
	logger    *slog.Logger

	mu    sync.RWMutex
	ready bool
}

// NewServer builds the HTTP surface for a worker.
func NewServer(service string, collector *metrics.Collector, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		service:   service,
		collector: collector,
		engine:    engine,
		logger:    logger.With("component", "health_server"),
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/metrics/prometheus", gin.WrapH(
		promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return s
}

// SetReady flips the readiness gate. Workers call it with true once the
// consume loop starts and with false when shutdown begins.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, Evaluate(s.service, s.collector.Snapshot()))
}

func (s *Server) handleReady(c *gin.Context) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Snapshot())
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.logger.Info("Health server listening", "addr", addr, "service", s.service)
	return srv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
