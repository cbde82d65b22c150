package main

import (
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/jobs"
)

func newEnrichCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich-sectors",
		Short: "Backfill sector classification onto equities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			force, _ := cmd.Flags().GetBool("force-refresh")
			return a.runTask(cmd.Context(), jobs.TypeEnrichSectors,
				"Sector enrichment", domain.Params{"force_refresh": force})
		},
	}
	cmd.Flags().Bool("force-refresh", false, "Re-resolve sectors for already classified equities")
	return cmd
}
