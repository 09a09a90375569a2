package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
	"spendguard/internal/models"
)

var limitPeriod string

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage per-peer spending limits",
}

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List spending limits with current-window usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListLimits(cmd.Context())
	},
}

var limitsSetCmd = &cobra.Command{
	Use:   "set <peer-id> <limit-sats>",
	Short: "Create or replace a peer's spending limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sats, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[1], err)
		}
		period, err := models.ParsePeriod(limitPeriod)
		if err != nil {
			return err
		}
		return getApp().SetLimit(cmd.Context(), app.LimitOptions{PeerID: args[0], LimitSats: sats, Period: period})
	},
}

var limitsRemoveCmd = &cobra.Command{
	Use:   "remove <peer-id>",
	Short: "Remove a peer's spending limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveLimit(cmd.Context(), args[0])
	},
}

func init() {
	limitsSetCmd.Flags().StringVar(&limitPeriod, "period", string(models.PeriodDaily), "Accounting window: hourly, daily, weekly or monthly")

	limitsCmd.AddCommand(limitsListCmd, limitsSetCmd, limitsRemoveCmd)
}
