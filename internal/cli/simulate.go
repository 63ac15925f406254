package cli

import (
	"time"

	"github.com/spf13/cobra"

	"crash-guardian/internal/app"
)

var simulateStep time.Duration

var simulateCmd = &cobra.Command{
	Use:   "simulate <observations.csv>",
	Short: "Replay recorded samples and signals through an in-memory guardian",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{InputPath: args[0], Step: simulateStep})
	},
}

func init() {
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 0, "Simulated evaluation interval (defaults to scheduler.interval)")
}
