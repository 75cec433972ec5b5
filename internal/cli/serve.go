package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the outbox worker and the expiry/stall sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire unpaid transactions and alert on stalled steps once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context())
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and deliver outbound events",
}

var outboxDeliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver due outbox entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeliverOutbox(cmd.Context())
	},
}

func init() {
	outboxCmd.AddCommand(outboxDeliverCmd)
}
