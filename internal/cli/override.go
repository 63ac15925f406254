package cli

import (
	"github.com/spf13/cobra"

	"crash-guardian/internal/app"
	"crash-guardian/internal/market"
)

var (
	operatorEndpoint string
	operatorToken    string
	operatorID       string
	overrideReason   string
	falseTriggerNote string
)

var overrideCmd = &cobra.Command{
	Use:   "override <SAFE|WARNING|TRIGGERED|RECOVERING>",
	Short: "Force the guardian into a state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Override(cmd.Context(), app.OverrideOptions{
			Endpoint: operatorEndpoint,
			Token:    operatorToken,
			Target:   market.State(args[0]),
			Operator: operatorID,
			Reason:   overrideReason,
		})
	},
}

var falseTriggerCmd = &cobra.Command{
	Use:   "false-trigger",
	Short: "Mark the most recent trigger as a false positive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().FalseTrigger(cmd.Context(), app.FalseTriggerOptions{
			Endpoint: operatorEndpoint,
			Token:    operatorToken,
			Operator: operatorID,
			Note:     falseTriggerNote,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{overrideCmd, falseTriggerCmd} {
		c.Flags().StringVar(&operatorEndpoint, "endpoint", "", "Guardian HTTP address (defaults to http.addr)")
		c.Flags().StringVar(&operatorToken, "token", "", "Bearer token (defaults to http.override_token)")
		c.Flags().StringVar(&operatorID, "operator", "", "Operator identity recorded in the audit trail")
		_ = c.MarkFlagRequired("operator")
	}
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the state is being forced")
	_ = overrideCmd.MarkFlagRequired("reason")
	falseTriggerCmd.Flags().StringVar(&falseTriggerNote, "note", "", "Free-form note")
}
