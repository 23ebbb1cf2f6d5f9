package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-autopilot/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show TICKER",
	Short: "Display recent prices, indicators and the latest prediction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Ticker: args[0],
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of price points to display")
}
