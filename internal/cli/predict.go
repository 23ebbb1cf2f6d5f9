package cli

import (
	"github.com/spf13/cobra"
)

var predictCmd = &cobra.Command{
	Use:   "predict [ticker...]",
	Short: "Predict the next close with the stored model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Predict(cmd.Context(), args)
	},
}
