package main

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/insights"
	"github.com/merit-monitoring/chatpulse/internal/logging"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/notifier"
	"github.com/merit-monitoring/chatpulse/internal/scheduler"
)

func newOnceCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single aggregation cycle, print the report and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, snap, err := aggregateOnce(cmd, g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				d, err := hub.Encode(snap)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s\n", d.Payload)
				return err
			}
			if _, err := io.WriteString(out, notifier.Render(snap)); err != nil {
				return err
			}
			return notifyOnce(cmd.Context(), &cfg.Notifier, out, snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON instead of the report")
	return cmd
}

func newInsightsCmd(g *globalFlags) *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Run a single aggregation cycle and print a generated summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := insights.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			cfg, snap, err := aggregateOnce(cmd, g)
			if err != nil {
				return err
			}
			svc, err := insights.New(cmd.Context(), &cfg.Insights)
			if err != nil {
				return err
			}
			if !svc.Enabled() {
				return fmt.Errorf("insights.provider is %q: %w", cfg.Insights.Provider, insights.ErrDisabled)
			}
			res, err := svc.Generate(cmd.Context(), kind, snap)
			if err != nil {
				return fmt.Errorf("generating %s: %w", kind, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Text)
			return err
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", string(insights.KindInsights), "insights, anomalies or recommendations")
	return cmd
}

// aggregateOnce loads the configuration in static mode and runs one cycle.
func aggregateOnce(cmd *cobra.Command, g *globalFlags) (*config.Config, *model.MetricsSnapshot, error) {
	cfg, err := loadConfig(cmd.Flags(), g, config.ModeStatic)
	if err != nil {
		return nil, nil, err
	}
	logCloser, err := logging.Setup(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	defer logCloser.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := openSource(ctx, &cfg.Source)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	opts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(src, nil, opts)
	log.Infof("Running single aggregation over the last %dh", cfg.Aggregation.TimeRangeHours)
	if err := sched.RunNow(); err != nil {
		return nil, nil, fmt.Errorf("aggregation failed: %w", err)
	}
	st, _ := sched.Current()
	return cfg, st.Snapshot, nil
}

// notifyOnce sends the report through a configured webhook. The console sink
// is skipped since the report was just printed.
func notifyOnce(ctx context.Context, cfg *config.NotifierConfig, out io.Writer, snap *model.MetricsSnapshot) error {
	if cfg.Type != "webhook" {
		return nil
	}
	n, err := notifier.New(cfg, out)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := n.Send(ctx, snap); err != nil {
		return fmt.Errorf("notification failed: %w", err)
	}
	log.Infof("Report sent via %s", n.Name())
	return nil
}
