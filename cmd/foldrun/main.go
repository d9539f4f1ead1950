package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foldrun",
		Short: "Agent execution orchestrator",
		Long: "foldrun runs agent turns for workspace folders, either in throwaway containers " +
			"or as host subprocesses, and streams their output.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Directory containing config.yaml")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMountsCommand())
	rootCmd.AddCommand(newCleanupCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrapFromFlags(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	return bootstrap(configPath)
}
