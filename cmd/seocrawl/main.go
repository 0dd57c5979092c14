package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/observability"
)

// Process exit codes.
const (
	exitOK       = 0
	exitCritical = 1
	exitFailure  = 2
)

var (
	cfgFile string
	verbose bool
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "seocrawl",
		Short: "seocrawl: polite single-domain SEO crawler",
		Long: `seocrawl crawls one site at a time and audits every page for SEO signals.

Features:
  • Priority frontier seeded from robots.txt sitemaps
  • robots.txt rules and Crawl-delay honored, 1s politeness floor
  • Adaptive backoff on 429/503 and a safety abort on failure storms
  • Title, meta, heading, link, image and structured-data extraction
  • JSON, JSONL, CSV and Markdown report output
  • Multi-tenant job worker with recurring schedules and an admin API
  • Prometheus metrics endpoint`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// loadConfig reads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogger creates the structured logger described by cfg.Logging.
func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return observability.NewLogger(cfg.Logging, verbose)
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seocrawl %s\n", config.Version)
		},
	}
}
