package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/insights"
	"github.com/merit-monitoring/chatpulse/internal/reader"
	"github.com/merit-monitoring/chatpulse/internal/scheduler"
)

// APIError is the error response body.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error details.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes of the API.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNoSnapshot     = "NO_SNAPSHOT"
	ErrCodeDisabled       = "DISABLED"
	ErrCodeUpstream       = "UPSTREAM_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, APIError{Error: APIErrorDetail{Code: code, Message: message}})
}

// handleSnapshot returns the latest snapshot, or 204 before the first
// cycle has completed.
func (s *Server) handleSnapshot(c *gin.Context) {
	d, ok := s.deps.Publisher.Latest()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("X-Sequence-Number", strconv.FormatUint(d.Seq, 10))
	c.Data(http.StatusOK, "application/json; charset=utf-8", d.Payload)
}

// StatusResponse is the operator view of the running service.
type StatusResponse struct {
	Uptime    string           `json:"uptime"`
	Scheduler scheduler.Status `json:"scheduler"`
	Publisher hub.Stats        `json:"publisher"`
	Insights  bool             `json:"insightsEnabled"`

	// SourceBreaker is set when the source is guarded by a circuit breaker.
	SourceBreaker *reader.BreakerStats `json:"sourceBreaker,omitempty"`
}

// BreakerReporter is implemented by sources that expose their breaker.
type BreakerReporter interface {
	Breaker() reader.BreakerStats
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Uptime:    s.uptime(),
		Scheduler: s.deps.Aggregator.Status(),
		Publisher: s.deps.Publisher.Stats(),
		Insights:  s.deps.Insights.Enabled(),
	}
	if br, ok := s.deps.Source.(BreakerReporter); ok {
		st := br.Breaker()
		resp.SourceBreaker = &st
	}
	c.JSON(http.StatusOK, resp)
}

// handleInsights summarizes the current snapshot on demand.
func (s *Server) handleInsights(c *gin.Context) {
	if !s.deps.Insights.Enabled() {
		respondError(c, http.StatusServiceUnavailable, ErrCodeDisabled, "insights provider is not configured")
		return
	}
	kind, err := insights.ParseKind(c.Query("kind"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	st, ok := s.deps.Aggregator.Current()
	if !ok {
		respondError(c, http.StatusServiceUnavailable, ErrCodeNoSnapshot, "no snapshot has been computed yet")
		return
	}

	res, err := s.deps.Insights.Generate(c.Request.Context(), kind, st.Snapshot)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		respondError(c, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}
