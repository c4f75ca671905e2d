package cli

import (
	"github.com/spf13/cobra"
)

var blacklistReason string

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage the runtime identity blacklist",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <identity>",
	Short: "Block an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BlacklistAdd(cmd.Context(), args[0], blacklistReason)
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove <identity>",
	Short: "Unblock an identity added at runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BlacklistRemove(cmd.Context(), args[0])
	},
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured and runtime entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BlacklistList(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "", "Reason recorded with the entry")

	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
	blacklistCmd.AddCommand(blacklistListCmd)
}
