package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"corridor-flows/internal/app"
)

var (
	reportFrom    string
	reportTo      string
	reportBucket  time.Duration
	reportPNGPath string
	reportCSVPath string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export transaction volume per bucket as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReportOptions{
			Bucket:  reportBucket,
			PNGPath: reportPNGPath,
			CSVPath: reportCSVPath,
		}

		if reportFrom != "" {
			from, err := time.Parse(time.RFC3339, reportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if reportTo != "" {
			to, err := time.Parse(time.RFC3339, reportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Report(cmd.Context(), opts)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	reportCmd.Flags().DurationVar(&reportBucket, "bucket", 0, "Bucket width (defaults to config)")
	reportCmd.Flags().StringVar(&reportPNGPath, "png", "", "Path to write PNG chart")
	reportCmd.Flags().StringVar(&reportCSVPath, "csv", "", "Path to write CSV data")
}
