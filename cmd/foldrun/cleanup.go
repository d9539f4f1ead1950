package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop agent containers left behind by a previous process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrapFromFlags(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.lifecycle.CleanupOrphans(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed after %d containers: %w", n, err)
			}
			fmt.Printf("Stopped %d orphaned containers\n", n)
			return nil
		},
	}
}
