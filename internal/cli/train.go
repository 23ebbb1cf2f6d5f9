package cli

import (
	"time"

	"github.com/spf13/cobra"

	"market-autopilot/internal/app"
)

var (
	trainAnalyze  bool
	trainProgress time.Duration
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the price model in the foreground; Ctrl-C stops at the next epoch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context(), app.TrainOptions{
			Analyze:  trainAnalyze,
			Progress: trainProgress,
		})
	},
}

func init() {
	trainCmd.Flags().BoolVar(&trainAnalyze, "analyze", true, "Recompute indicators before training")
	trainCmd.Flags().DurationVar(&trainProgress, "progress", time.Second, "Progress print interval")
}
