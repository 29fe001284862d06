package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/invest-assistant/internal/app"
	"github.com/NikhilSetiya/invest-assistant/internal/database"
	"github.com/NikhilSetiya/invest-assistant/pkg/health"
)

// expertsCmd lists the catalog
var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "List registered experts and their performance scores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, closer, err := database.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		experts, err := store.ListExperts(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), experts)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCORE\tACTIVE\tDESCRIPTION")
		for _, e := range experts {
			fmt.Fprintf(w, "%s\t%.1f\t%t\t%s\n", e.Name, e.PerformanceScore, e.IsActive, e.Description)
		}
		return w.Flush()
	},
}

// healthCmd runs the same checks as GET /health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the data store, Redis and dependency circuits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var report *health.HealthResponse
		err := withApp(ctx, func(ctx context.Context, a *app.App) error {
			report = a.Health.CheckHealth(ctx)
			return nil
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			names := make([]string, 0, len(report.Checks))
			for name := range report.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "overall\t%s\t%s\n", report.Status, report.Duration)
			for _, name := range names {
				check := report.Checks[name]
				detail := check.Message
				if check.Error != "" {
					detail = check.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, check.Status, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if report.Status == health.StatusUnhealthy {
			return fmt.Errorf("service is unhealthy")
		}
		return nil
	},
}
