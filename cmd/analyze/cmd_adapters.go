package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zatekoja/clinicalanalysis/backend/internal/bootstrap"
)

func newAdaptersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List the registered specialty adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				statuses := app.Service.GetAdapterStatus()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), statuses)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSPECIALTIES\tWEIGHT\tLOADED")
				for _, s := range statuses {
					fmt.Fprintf(tw, "%s\t%s\t%.2f\t%t\n", s.ID, strings.Join(s.Specialties, ","), s.Weight, s.Loaded)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
