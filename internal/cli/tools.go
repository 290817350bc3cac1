package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/x/slices"
	"github.com/spf13/cobra"
)

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Discover and print the tools of the configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			endpoints, err := a.cfg.Endpoints()
			if err != nil {
				return err
			}

			ts, err := toolset.Discover(ctx, endpoints,
				toolset.WithDiscoveryTimeout(a.cfg.Discovery.Timeout.TimeDuration()),
				toolset.WithMaxParallel(a.cfg.Discovery.MaxParallel),
			)
			if err != nil {
				return err
			}
			defer ts.Close()

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
			for _, name := range ts.Names() {
				e, _ := ts.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, e.Endpoint.Name, slices.StringUpto(e.Descriptor.Description, 80))
			}
			if err = w.Flush(); err != nil {
				return err
			}

			for _, c := range ts.Collisions() {
				fmt.Fprintf(out, "collision: %s served by %s, shadowed on %s\n", c.Tool, c.Kept, c.Shadowed)
			}
			for _, f := range ts.Failures() {
				fmt.Fprintf(out, "unreachable: %s at %s: %s\n", f.Endpoint.Name, f.Endpoint.Address, f.Err.Error())
			}
			return nil
		},
	}
}
