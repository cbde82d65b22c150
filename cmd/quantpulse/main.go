package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "quantpulse"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-data ingestion core for Indian equities",
		Version: version,
		Long: `quantpulse ingests the broker security master and daily OHLCV bars,
derives weekly bars, and tracks every job as a durable task run.

Commands are one-shot by default; 'serve' runs the scheduler, heartbeat
monitor, and ops HTTP endpoint as a long-lived process.`,
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	cobra.OnInitialize(func() {
		lvl, err := zerolog.ParseLevel(mustString(rootCmd, "log-level"))
		if err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	})

	rootCmd.AddCommand(
		newMigrateCmd(),
		newImportCmd(),
		newFetchCmd(),
		newAggregateCmd(),
		newEnrichCmd(),
		newTasksCmd(),
		newCoverageCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.PersistentFlags().GetString(name)
	return v
}
