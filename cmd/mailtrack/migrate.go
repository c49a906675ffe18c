package main

import (
	"fmt"
	"strconv"

	"github.com/migadu/mailtrack/db"
	"github.com/spf13/cobra"
)

func newMigrateCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: "Schema migrations are embedded in the binary. They run under a PostgreSQL\n" +
			"advisory lock, so only one migrate command (or auto-migrating process) proceeds at a time.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withMigrator(func(mg *db.Migrator) error {
				if err := mg.Up(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
				return nil
			})
		},
	})

	var (
		limit int
		all   bool
	)
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations (one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := limit
			if all {
				steps = 0
			} else if steps <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return app.withMigrator(func(mg *db.Migrator) error {
				if err := mg.Down(steps); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations reverted successfully")
				return nil
			})
		},
	}
	down.Flags().IntVar(&limit, "limit", 1, "Number of migrations to revert")
	down.Flags().BoolVar(&all, "all", false, "Revert every migration")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withMigrator(func(mg *db.Migrator) error {
				version, dirty, ok, err := mg.Version()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations have been applied yet")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the migration version without running migrations (clears the dirty flag)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return app.withMigrator(func(mg *db.Migrator) error {
				if err := mg.Force(version); err != nil {
					return fmt.Errorf("failed to force version %d: %w", version, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Version forced to %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

// withMigrator loads the configuration, takes the migration lock and runs fn.
func (app *application) withMigrator(fn func(mg *db.Migrator) error) error {
	if err := app.load(); err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()
	mg, err := db.NewMigrator(ctx, &app.cfg.Database)
	if err != nil {
		return err
	}
	defer mg.Close()
	return fn(mg)
}
