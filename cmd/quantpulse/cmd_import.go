package main

import (
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/config"
	"github.com/akashsinga/quantpulse/internal/jobs"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-instruments",
		Short: "Import the broker security master into the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			filterPath, _ := cmd.Flags().GetString("filter")
			if filterPath != "" {
				filter, err := config.LoadCatalogFilter(filterPath)
				if err != nil {
					return err
				}
				a.importer.SetFilter(filter)
			}

			return a.runTask(cmd.Context(), jobs.TypeImportInstruments,
				"Security master import", nil)
		},
	}
	cmd.Flags().String("filter", "", "Path to a YAML catalog filter (default: NSE equity/index/futures)")
	return cmd
}
