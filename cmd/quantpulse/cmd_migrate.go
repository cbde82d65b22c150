package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := store.EnsureSchema(cmd.Context(), a.db); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	}
}
