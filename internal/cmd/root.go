// Package cmd implements the uws command line: the serve command running
// the HTTP job service, and job record maintenance commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asterope/uws/internal/config"
	"github.com/asterope/uws/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "uws",
	Short: "Asynchronous query job service",
	Long: `uws runs a submit-poll-fetch job service: clients create jobs,
start them, poll their phase, and collect results when they complete.

Configuration comes from uws.yaml (or --config) plus UWS_-prefixed
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: ./uws.yaml, /etc/uws/uws.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) error {
	return observability.Setup(observability.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
