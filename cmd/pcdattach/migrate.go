package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/store"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	var dryRun bool
	var inspect bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or inspect database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			driver, target := cfg.StoreTarget()

			if inspect || dryRun {
				db, err := store.OpenRaw(driver, target)
				if err != nil {
					return err
				}
				defer db.Close()

				plan, err := store.MigrationPlan(db)
				if err != nil {
					return fmt.Errorf("inspect migrations: %w", err)
				}
				return writeOutput(plan, func(w io.Writer) error {
					return writeMigrationStatus(w, plan)
				})
			}

			// Opening the store applies pending migrations.
			st, err := store.OpenDriver(driver, target)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := st.Close(); err != nil {
				return err
			}

			db, err := store.OpenRaw(driver, target)
			if err != nil {
				return err
			}
			defer db.Close()
			plan, err := store.MigrationPlan(db)
			if err != nil {
				return fmt.Errorf("inspect migrations: %w", err)
			}
			return writeOutput(plan, func(w io.Writer) error {
				return writePlain("Migrations applied. Current version: %d\n", plan.CurrentVersion)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	cmd.Flags().BoolVar(&inspect, "inspect", false, "show current schema version and pending migrations")
	return cmd
}
