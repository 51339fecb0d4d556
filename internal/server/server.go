// Package server provides the HTTP API: health probes, snapshot queries and
// the push channels (Server-Sent Events and WebSocket) that subscribers use.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/insights"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/scheduler"
)

// Aggregator is the part of the scheduler the API drives.
type Aggregator interface {
	Current() (scheduler.State, bool)
	Status() scheduler.Status
	SetTimeScale(scale model.TimeScale) error
	SetTimeRange(d time.Duration) error
	Trigger()
}

// Publisher is the part of the hub the API drives.
type Publisher interface {
	Subscribe() *hub.Subscriber
	Unsubscribe(s *hub.Subscriber)
	Latest() (hub.Delivery, bool)
	Stats() hub.Stats
}

// Pinger checks the record source.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the API. Source and Insights may be nil.
type Deps struct {
	Aggregator Aggregator
	Publisher  Publisher
	Source     Pinger
	Insights   *insights.Service
}

// Server serves the HTTP API.
type Server struct {
	cfg    *config.ServerConfig
	deps   Deps
	router *gin.Engine
	server *http.Server

	mu      sync.Mutex
	started time.Time
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string        `json:"status"`
	Uptime    string        `json:"uptime,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Source    *SourceHealth `json:"source,omitempty"`
}

// SourceHealth represents record source connectivity.
type SourceHealth struct {
	Connected bool   `json:"connected"`
	Latency   string `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New creates a Server and its routes.
func New(cfg *config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)
	r.GET("/livez", s.handleLive)

	api := r.Group("/api/v1")
	api.GET("/snapshot", s.handleSnapshot)
	api.GET("/status", s.handleStatus)
	api.GET("/insights", s.handleInsights)
	api.GET("/stream", s.handleStream)
	api.GET("/ws", s.handleWebSocket)
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.started = time.Now()

	go func() {
		log.Infof("HTTP server listening on %s", s.cfg.Addr())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) uptime() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.started).Round(time.Second).String()
}

// handleHealth is the combined check. The source is only probed when deep
// checks are enabled.
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
	}
	if s.cfg.DeepCheck && s.deps.Source != nil {
		resp.Source = s.checkSource(c.Request.Context())
		if !resp.Source.Connected {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// handleReady reports ready once the source answers.
func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Source != nil {
		sh := s.checkSource(c.Request.Context())
		if !sh.Connected {
			c.JSON(http.StatusServiceUnavailable, HealthResponse{
				Status:    "not ready",
				Timestamp: time.Now(),
				Source:    sh,
			})
			return
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Timestamp: time.Now()})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Uptime:    s.uptime(),
	})
}

func (s *Server) checkSource(ctx context.Context) *SourceHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.deps.Source.Ping(ctx); err != nil {
		return &SourceHealth{Error: err.Error()}
	}
	return &SourceHealth{Connected: true, Latency: time.Since(start).String()}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Microsecond),
			"client":  c.ClientIP(),
		}).Debug("HTTP request")
	}
}
