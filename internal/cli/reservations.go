package cli

import (
	"time"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	reservationsPeer     string
	reservationsOpenOnly bool
	reservationsLimit    int
	recoverOlderThan     time.Duration
	recoverRollback      bool
	pruneRetention       time.Duration
)

var reservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "Inspect and recover spending reservations",
}

var reservationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reservations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListReservations(cmd.Context(), app.ReservationFilter{
			PeerID:   reservationsPeer,
			OpenOnly: reservationsOpenOnly,
			Limit:    reservationsLimit,
		})
	},
}

var reservationsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "List stale open reservations, optionally rolling them back",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RecoverReservations(cmd.Context(), recoverOlderThan, recoverRollback)
	},
}

var reservationsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old resolved reservations outside every current window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PruneReservations(cmd.Context(), pruneRetention)
	},
}

func init() {
	reservationsListCmd.Flags().StringVar(&reservationsPeer, "peer", "", "Only show reservations for this peer")
	reservationsListCmd.Flags().BoolVar(&reservationsOpenOnly, "open", false, "Only show open reservations")
	reservationsListCmd.Flags().IntVar(&reservationsLimit, "limit", 50, "Show at most this many (newest)")

	reservationsRecoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", 0, "Staleness threshold (defaults to ledger.stale_after)")
	reservationsRecoverCmd.Flags().BoolVar(&recoverRollback, "rollback", false, "Roll back the stale reservations instead of only listing them")

	reservationsPruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "Keep resolved reservations newer than this (defaults to ledger.retention)")

	reservationsCmd.AddCommand(reservationsListCmd, reservationsRecoverCmd, reservationsPruneCmd)
}
