package cli

import (
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track TICKER [NAME]",
	Short: "Add an instrument to the watch-list",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		return getApp().Track(cmd.Context(), args[0], name)
	},
}

var untrackCmd = &cobra.Command{
	Use:   "untrack TICKER",
	Short: "Stop collecting an instrument; its history is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Untrack(cmd.Context(), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active instruments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListInstruments(cmd.Context())
	},
}
