// trajflow reconstructs agent trajectories from traffic-simulation event
// logs: filtered Parquet intermediate first, interpolated GeoJSON second.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/pkg/config"
	"github.com/trajflow/trajflow/pkg/pipeline"
	"github.com/trajflow/trajflow/pkg/storage/object"
	"github.com/trajflow/trajflow/pkg/telemetry"
	"github.com/trajflow/trajflow/pkg/tui"
	"github.com/trajflow/trajflow/pkg/watch"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	jsonLogs     bool
	refreshCache bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trajflow",
	Short: "Trajectory reconstruction for traffic simulation output",
	Long: `trajflow converts raw traffic-simulation event logs into time-sampled,
geolocated agent trajectories.

The pipeline runs in two stages: the event log is filtered into a compact
Parquet intermediate, then each agent's movements are interpolated along the
road network and written as a GeoJSON FeatureCollection.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run the full pipeline",
	Long: `Run both pipeline stages for the given configuration.

Examples:
  trajflow run pipeline.yaml
  trajflow run pipeline.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ctx, shutdown, err := setup(args[0])
		if err != nil {
			return err
		}
		defer shutdown()

		tui.PrintHeader(version)
		tui.PrintConfigSummary(cfg)
		return pipeline.New(cfg).Run(ctx)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache <config.yaml>",
	Short: "Prebuild the network geometry cache",
	Long: `Load the network source and persist the Parquet geometry cache without
running the pipeline. With --refresh the cache is rebuilt even when fresh.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ctx, shutdown, err := setup(args[0])
		if err != nil {
			return err
		}
		defer shutdown()
		return pipeline.New(cfg).PrebuildCache(ctx, refreshCache)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <config.yaml>",
	Short: "Run the pipeline on every change of its inputs",
	Long: `Run the pipeline once, then rerun it whenever the event input or the
network source is rewritten. Remote (s3://) inputs cannot be watched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ctx, shutdown, err := setup(args[0])
		if err != nil {
			return err
		}
		defer shutdown()

		tui.PrintHeader(version)
		tui.PrintConfigSummary(cfg)

		run := func(ctx context.Context) error {
			return pipeline.New(cfg).Run(ctx)
		}
		if err := run(ctx); err != nil {
			return err
		}

		paths := []string{cfg.Paths.NetworkInput}
		if !object.IsRemote(cfg.Paths.EventInput) {
			paths = append(paths, cfg.Paths.EventInput)
		}
		w, err := watch.New(paths...)
		if err != nil {
			return err
		}
		w.OnChange = run
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trajflow %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Emit JSON log lines instead of console output")
	cacheCmd.Flags().BoolVar(&refreshCache, "refresh", false, "Rebuild the cache even when it is fresh")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration, configures logging and telemetry, and
// returns a context that cancels on SIGINT/SIGTERM.
func setup(configPath string) (*config.Config, context.Context, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := log.Configure(log.Config{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: !jsonLogs,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	shutdown := func() {
		signal.Stop(sigChan)
		cancel()
	}

	if cfg.Telemetry.Enabled {
		flush, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, version)
		if err != nil {
			shutdown()
			return nil, nil, nil, err
		}
		inner := shutdown
		shutdown = func() {
			flush(context.Background())
			inner()
		}
	}
	return cfg, ctx, shutdown, nil
}
