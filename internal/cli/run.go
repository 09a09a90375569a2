package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery and autopay service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a single discovery cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Poll(cmd.Context())
	},
}
