// Package notifier provides snapshot sinks that run as hub subscribers.
package notifier

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/model"
)

// Notifier is the interface for pushing snapshots to external channels.
type Notifier interface {
	// Send delivers one snapshot to the channel.
	Send(ctx context.Context, snap *model.MetricsSnapshot) error

	// Name returns the name of the notifier.
	Name() string
}

// New builds the notifier selected by cfg. It returns nil for type "none".
func New(cfg *config.NotifierConfig, out io.Writer) (Notifier, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "console":
		return NewConsoleNotifier(out), nil
	case "webhook":
		w, err := NewWebhookNotifier(cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}

// Source is the subscription side of the hub.
type Source interface {
	Subscribe() *hub.Subscriber
	Unsubscribe(s *hub.Subscriber)
}

// Forward subscribes n to src and sends every delivery until ctx is done or
// the subscription is closed. Send failures are logged and never stop the
// loop.
func Forward(ctx context.Context, src Source, n Notifier, timeout time.Duration) {
	sub := src.Subscribe()
	defer src.Unsubscribe(sub)

	logger := log.WithFields(log.Fields{"notifier": n.Name(), "subscriber": sub.ID})
	logger.Info("Notifier attached")

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			err := n.Send(sendCtx, d.Snapshot)
			cancel()
			if err != nil {
				logger.WithField("seq", d.Seq).Warnf("Notification failed: %v", err)
				continue
			}
			logger.WithField("seq", d.Seq).Debug("Notification sent")
		}
	}
}
