package cli

import (
	"github.com/spf13/cobra"

	"corridor-flows/internal/app"
)

var (
	simulateFile   string
	simulateAmount string
	simulateRate   string
	simulateStatus string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a corridor end to end in memory against sandbox venues",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount("--amount", simulateAmount)
		if err != nil {
			return err
		}
		rate, err := parseAmount("--rate", simulateRate)
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			CorridorFile:   simulateFile,
			Amount:         amount,
			Rate:           rate,
			ProviderStatus: simulateStatus,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "Corridor file (defaults to a single PIX payout)")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "100", "Amount the customer sends")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "1", "Fiat per unit of crypto for the final conversion")
	simulateCmd.Flags().StringVar(&simulateStatus, "provider-status", "completed", "Raw status the payout provider reports")
}
