package cli

import (
	"github.com/spf13/cobra"

	"market-autopilot/internal/app"
)

var (
	notifySeverity string
	notifyCategory string
	notifyBody     string
)

var notifyCmd = &cobra.Command{
	Use:   "notify TITLE",
	Short: "Send a test notification through the configured channels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Notify(cmd.Context(), app.NotifyOptions{
			Severity: notifySeverity,
			Title:    args[0],
			Body:     notifyBody,
			Category: notifyCategory,
		})
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifySeverity, "severity", "warning", "info, warning, error or critical")
	notifyCmd.Flags().StringVar(&notifyCategory, "category", "health", "Notification category")
	notifyCmd.Flags().StringVar(&notifyBody, "body", "", "Notification body")
}
