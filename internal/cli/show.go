package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
	"spendguard/internal/models"
)

var (
	showLimit  int
	showStatus []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently handled requests and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		statuses := make([]models.RequestStatus, 0, len(showStatus))
		for _, s := range showStatus {
			st := models.RequestStatus(s)
			if !st.Valid() {
				return fmt.Errorf("unknown --status %q", s)
			}
			statuses = append(statuses, st)
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, Statuses: statuses})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of requests to display")
	showCmd.Flags().StringSliceVar(&showStatus, "status", nil, "Only show these statuses (manual, declined, paid, failed, pending_recovery, proposal)")
}
