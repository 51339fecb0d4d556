package server

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const keepAliveInterval = 15 * time.Second

// handleStream pushes one "metrics_update" event per delivery. A client
// that connects after the first cycle gets the latest snapshot at once.
func (s *Server) handleStream(c *gin.Context) {
	sub := s.deps.Publisher.Subscribe()
	defer s.deps.Publisher.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	logger := log.WithFields(log.Fields{"subscriber": sub.ID, "transport": "sse"})
	logger.Debug("Stream opened")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-sub.C():
			if !ok {
				return false
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: metrics_update\ndata: %s\n\n", d.Seq, d.Payload); err != nil {
				logger.Debugf("Stream write failed: %v", err)
				return false
			}
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
	logger.Debug("Stream closed")
}
