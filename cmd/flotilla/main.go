package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/flotilla/pkg/config"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - multi-region fleet orchestrator",
	Long: `Flotilla schedules weighted service revisions across a fleet of
systemd-managed instances, independently per region, using only
content-addressed artifacts shared between regions.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flotilla version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringSlice("region", nil, "Regions to operate across (overrides FLOTILLA_REGION)")
	rootCmd.PersistentFlags().String("data-dir", "", "BoltDB data directory (overrides FLOTILLA_DATA_DIR)")
	rootCmd.PersistentFlags().String("environment", "", "Environment namespace (overrides FLOTILLA_ENV)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(regionCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(revisionCmd)
	rootCmd.AddCommand(userCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig reads FLOTILLA_* environment variables and layers any
// persistent flag overrides on top, giving flag > env var > default
// precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if regions, _ := cmd.Flags().GetStringSlice("region"); len(regions) > 0 {
		cfg.Regions = regions
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if environment, _ := cmd.Flags().GetString("environment"); environment != "" {
		cfg.Environment = environment
	}
	return cfg, nil
}

// serveMetrics starts the Prometheus metrics and health-check HTTP
// server in the background; long-running commands (agent, scheduler)
// call this once at startup and let it run for the process lifetime.
func serveMetrics(addr string) {
	metrics.SetVersion(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
}
