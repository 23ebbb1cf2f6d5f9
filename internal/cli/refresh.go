package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-autopilot/internal/app"
)

var (
	refreshWorkers int
	refreshAnalyze bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [ticker...]",
	Short: "Fetch price history now (all active instruments when no ticker is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if refreshWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{
			Tickers: args,
			Workers: refreshWorkers,
			Analyze: refreshAnalyze,
		})
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshWorkers, "workers", 2, "Number of instruments fetched concurrently")
	refreshCmd.Flags().BoolVar(&refreshAnalyze, "analyze", true, "Recompute indicators after fetching")
}
