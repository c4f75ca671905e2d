package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"relayguard/internal/app"
)

var (
	stakesFile    string
	stakesSource  string
	stakesWorkers int
	stakesDryRun  bool
)

var stakesCmd = &cobra.Command{
	Use:   "stakes",
	Short: "Manage externally sourced stake balances",
}

var stakesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import identity,amount[,source] rows from a CSV file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if stakesFile == "" {
			return errors.New("--file is required")
		}
		opts := app.ImportOptions{
			Path:    stakesFile,
			Source:  stakesSource,
			DryRun:  stakesDryRun,
			Workers: stakesWorkers,
		}
		return getApp().ImportStakes(cmd.Context(), opts)
	},
}

func init() {
	stakesImportCmd.Flags().StringVar(&stakesFile, "file", "", "CSV file to import")
	stakesImportCmd.Flags().StringVar(&stakesSource, "source", "", "Source label for rows without one (default \"import\")")
	stakesImportCmd.Flags().IntVar(&stakesWorkers, "workers", 4, "Concurrent database writers")
	stakesImportCmd.Flags().BoolVar(&stakesDryRun, "dry-run", false, "Validate the file without writing")

	stakesCmd.AddCommand(stakesImportCmd)
}
