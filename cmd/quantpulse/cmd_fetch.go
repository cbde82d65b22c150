package main

import (
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/jobs"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch OHLCV bars from the upstream broker",
	}
	cmd.AddCommand(newFetchHistoricalCmd(), newFetchEODCmd())
	return cmd
}

func newFetchHistoricalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "historical",
		Short: "Backfill daily bars for every pending instrument",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			params := domain.Params{}
			if v, _ := cmd.Flags().GetString("from"); v != "" {
				params["from_date"] = v
			}
			if v, _ := cmd.Flags().GetString("to"); v != "" {
				params["to_date"] = v
			}
			return a.runTask(cmd.Context(), jobs.TypeFetchHistorical,
				"Historical bar backfill", params)
		},
	}
	cmd.Flags().String("from", "", "Range start, YYYY-MM-DD (default: full history)")
	cmd.Flags().String("to", "", "Range end, YYYY-MM-DD (default: today)")
	return cmd
}

func newFetchEODCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eod",
		Short: "Fetch today's end-of-day quotes in one batched call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.runTask(cmd.Context(), jobs.TypeFetchEOD,
				"End-of-day fetch", nil)
		},
	}
}
