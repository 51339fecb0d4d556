// chatpulse aggregates chat and LLM logs into periodic metrics snapshots
// and pushes them to live subscribers.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/merit-monitoring/chatpulse/internal/config"
)

var (
	// Version information (set at build time via -ldflags)
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const defaultConfigPath = "chatpulse.yaml"

type globalFlags struct {
	configPath string
	envFile    string
	overrides  overrides
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatpulse: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "chatpulse",
		Short:         "Live metrics for chat and LLM logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", defaultConfigPath, "path to the configuration file (.yaml or .toml)")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	g.overrides.register(pf)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the aggregation loop and the HTTP API (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, g)
			},
		},
		newOnceCmd(g),
		newInsightsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "chatpulse %s (commit: %s, built: %s)\n", version, commit, buildDate)
			},
		},
	)
	return root
}

// loadConfig reads the environment file and the configuration file, then
// applies flag overrides. A missing file is only an error when --config was
// given explicitly.
func loadConfig(flags *pflag.FlagSet, g *globalFlags, mode string) (*config.Config, error) {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", g.envFile, err)
		}
	}

	cfg, err := config.Load(g.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !flags.Changed("config"):
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return finishConfig(flags, g, mode, cfg)
}

// finishConfig layers the run mode and flag overrides on top of a loaded
// file and validates the result. Config reloads go through it as well.
func finishConfig(flags *pflag.FlagSet, g *globalFlags, mode string, cfg *config.Config) (*config.Config, error) {
	if mode != "" && mode != cfg.Aggregation.Mode {
		cfg.Aggregation.Mode = mode
		if mode == config.ModeStatic && cfg.Source.BatchSize == config.DefaultLiveBatchSize {
			cfg.Source.BatchSize = config.DefaultStaticBatchSize
		}
	}
	if err := g.overrides.apply(flags, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
