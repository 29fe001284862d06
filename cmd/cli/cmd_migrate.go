package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/invest-assistant/internal/database"
)

// migrateCmd groups the schema commands. They need DB_DRIVER=postgres.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run all available migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *database.Migrator) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Running migrations...")
			if err := m.Up(); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *database.Migrator) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Rolling back migrations...")
			if err := m.Down(); err != nil {
				return fmt.Errorf("failed to rollback migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rollback completed successfully")
			return nil
		})
	},
}

var migrateStepsCmd = &cobra.Command{
	Use:   "steps [n]",
	Short: "Run n migrations up (positive) or down (negative)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid steps argument: %s", args[0])
		}
		return withMigrator(func(m *database.Migrator) error {
			if err := m.Steps(steps); err != nil {
				return fmt.Errorf("failed to run migration steps: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration step(s)\n", steps)
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current migration version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *database.Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return fmt.Errorf("failed to get migration version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
			if dirty {
				fmt.Fprintln(cmd.OutOrStdout(), "WARNING: Database is in a dirty state")
			}
			return nil
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force [version]",
	Short: "Set the migration version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version argument: %s", args[0])
		}
		return withMigrator(func(m *database.Migrator) error {
			if err := m.Force(version); err != nil {
				return fmt.Errorf("failed to force migration version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration version forced to %d\n", version)
			return nil
		})
	},
}

// migrateSeedCmd inserts the default experts and fallback templates. Learned
// scores of existing experts are kept.
var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the default expert catalog and fallback templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, closer, err := database.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := database.Seed(ctx, store); err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Seed completed successfully")
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStepsCmd, migrateVersionCmd, migrateForceCmd, migrateSeedCmd)
}

func withMigrator(fn func(m *database.Migrator) error) error {
	m, err := database.NewMigrator(cfg)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}
