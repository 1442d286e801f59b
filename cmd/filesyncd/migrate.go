package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/filesync-core/internal/catalogstore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply catalog migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc := daemonContextFrom(cmd.Context())

			catalog, err := catalogstore.Open(cmd.Context(), dc.Cfg.Store.CatalogPath, dc.Logger)
			if err != nil {
				return fmt.Errorf("opening catalog: %w", err)
			}
			defer catalog.Close()

			dc.Logger.Info("catalog migrated", "path", dc.Cfg.Store.CatalogPath)

			return nil
		},
	}
}
