package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored conversations",
	}

	cmd.AddCommand(newSessionsListCmd(a))
	cmd.AddCommand(newSessionsCleanupCmd(a))

	return cmd
}

func newSessionsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, release, err := a.newStore()
			if err != nil {
				return err
			}
			defer release()

			ids, err := st.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTURNS\tUPDATED")
			for _, id := range ids {
				info, err := st.Info(ctx, id)
				if err != nil {
					return err
				}
				if info == nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", info.ID, info.Turns, info.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newSessionsCleanupCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove sessions not updated recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, release, err := a.newStore()
			if err != nil {
				return err
			}
			defer release()

			count, err := st.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions\n", count)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Remove sessions not updated for the duration")
	return cmd
}
