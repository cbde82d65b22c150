package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCoverageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coverage",
		Short: "Report stored OHLCV coverage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.bars.Coverage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("instruments with bars: %d\n", stats.Instruments)
			for tf, n := range stats.RowsByTimeframe {
				fmt.Printf("  %-8s %d rows\n", tf, n)
			}
			if stats.Earliest != nil && stats.Latest != nil {
				fmt.Printf("range: %s .. %s\n",
					stats.Earliest.Format("2006-01-02"), stats.Latest.Format("2006-01-02"))
			}
			return nil
		},
	}
}
