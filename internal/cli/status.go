package cli

import (
	"github.com/spf13/cobra"

	"relayguard/internal/app"
)

var (
	statusEvents    int
	statusSnapshots int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show treasury state, tier table and recent guard events",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.StatusOptions{Events: statusEvents, Snapshots: statusSnapshots}
		return getApp().Status(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 20, "Number of recent events to display (0 disables)")
	statusCmd.Flags().IntVar(&statusSnapshots, "snapshots", 10, "Number of recent treasury snapshots to display (0 disables)")
}
