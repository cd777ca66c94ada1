// Package cmd defines the CLI commands of the scrape-scheduler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrape-scheduler",
		Short: "A scraping job queue with priorities, retries and recurring schedules.",
		Long: `scrape-scheduler accepts single, batch and scheduled scraping jobs over an
HTTP API, runs them under a concurrency ceiling in priority order, retries
failures and re-arms recurring jobs when their next occurrence comes due.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars use the SCHEDULER_ prefix")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newNextRunCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
