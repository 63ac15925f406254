package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crash-guardian/internal/app"
)

var (
	statusEndpoint string
	eventsLimit    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live gate state and lifetime statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{Endpoint: statusEndpoint})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Events(cmd.Context(), app.EventsOptions{Limit: eventsLimit})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reconstruct state and statistics from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusEndpoint, "endpoint", "", "Guardian HTTP address (defaults to http.addr)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
}
