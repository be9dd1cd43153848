package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Manage the action log schema",
	Long:      `Apply, roll back or list Postgres migrations. The sqlite store only supports up.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	if err := a.openStore(ctx, action == "up"); err != nil {
		return err
	}

	if a.pg == nil {
		if action != "up" {
			return fmt.Errorf("migrate %s requires the postgres store", action)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	}

	switch action {
	case "up":
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	case "down":
		if err := a.pg.Rollback(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back latest migration")
		return nil
	case "status":
		records, err := a.pg.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tAPPLIED\tAT")
		for _, r := range records {
			at := "-"
			if r.AppliedAt != nil {
				at = r.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%v\t%s\n", r.Name, r.Applied, at)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
}
