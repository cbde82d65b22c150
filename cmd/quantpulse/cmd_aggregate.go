package main

import (
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/jobs"
)

func newAggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate-weekly",
		Short: "Rebuild weekly bars from daily bars",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			weeksBack, _ := cmd.Flags().GetInt("weeks-back")
			return a.runTask(cmd.Context(), jobs.TypeAggregateWeekly,
				"Weekly aggregation", domain.Params{"weeks_back": weeksBack})
		},
	}
	cmd.Flags().Int("weeks-back", 52, "How many weeks of history to rebuild")
	return cmd
}
