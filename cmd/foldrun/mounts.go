package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "Prepare a workspace and print the mounts a run would get",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, _ := cmd.Flags().GetString("folder")
			agentID, _ := cmd.Flags().GetString("agent")

			a, err := bootstrapFromFlags(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := a.workspaces.Get(cmd.Context(), folder)
			if err != nil {
				return err
			}
			plan, err := a.planner.Plan(cmd.Context(), ws, agentID)
			if err != nil {
				return fmt.Errorf("mount planning failed: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tGUEST\tMODE")
			for _, m := range plan.Mounts {
				mode := "rw"
				if m.ReadOnly {
					mode = "ro"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.HostPath, m.ContainerPath, mode)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringP("folder", "f", "", "Workspace folder")
	cmd.Flags().String("agent", "", "Sub-agent id")
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}
