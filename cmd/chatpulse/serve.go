package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/insights"
	"github.com/merit-monitoring/chatpulse/internal/logging"
	"github.com/merit-monitoring/chatpulse/internal/notifier"
	"github.com/merit-monitoring/chatpulse/internal/reader"
	"github.com/merit-monitoring/chatpulse/internal/scheduler"
	"github.com/merit-monitoring/chatpulse/internal/server"
	"github.com/merit-monitoring/chatpulse/internal/tracing"
	"github.com/merit-monitoring/chatpulse/internal/watcher"
)

const (
	shutdownTimeout = 30 * time.Second
	notifyTimeout   = 30 * time.Second
)

// runServe wires the live pipeline: source, scheduler, hub, sinks and the
// HTTP API, then blocks until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, g *globalFlags) error {
	cfg, err := loadConfig(cmd.Flags(), g, "")
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(&cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Infof("chatpulse %s starting...", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warnf("Error flushing traces: %v", err)
		}
	}()

	src, err := openSource(ctx, &cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	opts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	h := hub.New(cfg.Publisher.QueueDepth)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	sched := scheduler.New(src, h, opts)

	sink, err := notifier.New(&cfg.Notifier, cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if sink != nil {
		go notifier.Forward(hubCtx, h, sink, notifyTimeout)
	}

	svc, err := insights.New(ctx, &cfg.Insights)
	if err != nil {
		return fmt.Errorf("failed to initialize insights: %w", err)
	}

	api := server.New(&cfg.Server, server.Deps{
		Aggregator: sched,
		Publisher:  h,
		Source:     src,
		Insights:   svc,
	})
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if _, statErr := os.Stat(g.configPath); statErr == nil {
		w := watcher.New(g.configPath, cfg, sched, watcher.WithLoader(reloadConfig(cmd.Flags(), g)))
		if err := w.Start(); err != nil {
			log.Warnf("Config hot reload disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	sched.Start()
	log.Infof("Aggregating the last %dh every %s at %s scale",
		cfg.Aggregation.TimeRangeHours, cfg.Aggregation.UpdateInterval, cfg.Aggregation.TimeScale)

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for the aggregation cycle to finish")
	}
	stopHub()

	if err := api.Stop(shutdownCtx); err != nil {
		log.Errorf("Error stopping HTTP server: %v", err)
	}
	log.Info("Shutdown complete")
	return nil
}

// reloadConfig rereads the file for the watcher with the same flag
// overrides the process started with.
func reloadConfig(flags *pflag.FlagSet, g *globalFlags) watcher.Loader {
	return func() (*config.Config, error) {
		cfg, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		return finishConfig(flags, g, "", cfg)
	}
}

// openSource connects to the store and checks that it answers.
func openSource(ctx context.Context, cfg *config.SourceConfig) (reader.RecordSource, error) {
	src, err := reader.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := src.Ping(pingCtx); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to connect to source: %w", err)
	}
	log.Info("Source connection established")
	return src, nil
}
