package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPeer      string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily committed spend as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PeerID:    exportPeer,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseTimeFlag accepts RFC3339 or a bare date (midnight UTC). Empty means unset.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start of the window (RFC3339 or YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End of the window (RFC3339 or YYYY-MM-DD, exclusive; defaults to now)")
	exportCmd.Flags().StringVar(&exportPeer, "peer", "", "Only include spend to this peer")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum days to export (defaults to export.max_data_points)")
}
