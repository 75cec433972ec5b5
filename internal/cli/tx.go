package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"corridor-flows/internal/app"
	"corridor-flows/internal/flow"
)

var (
	openAsset         string
	openNetwork       string
	openCurrency      string
	openAmount        string
	openTargetAmount  string
	openPartnerID     string
	openWebhookURL    string
	openRefundAddress string
	openExpiresIn     time.Duration

	fundsOnChainID string
	fundsAmount    string

	signalFile string
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Drive individual transactions",
}

var txOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a quoted transaction awaiting customer funds",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount("--amount", openAmount)
		if err != nil {
			return err
		}
		target, err := parseAmount("--target-amount", openTargetAmount)
		if err != nil {
			return err
		}
		return getApp().OpenTransaction(cmd.Context(), app.OpenOptions{
			Asset:         flow.Asset(strings.ToUpper(openAsset)),
			Network:       flow.Network(strings.ToUpper(openNetwork)),
			Currency:      flow.Asset(strings.ToUpper(openCurrency)),
			Amount:        amount,
			TargetAmount:  target,
			PartnerID:     openPartnerID,
			WebhookURL:    openWebhookURL,
			RefundAddress: openRefundAddress,
			ExpiresIn:     openExpiresIn,
		})
	},
}

var txShowCmd = &cobra.Command{
	Use:   "show <transaction-id>",
	Short: "Display a transaction and its step cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowTransaction(cmd.Context(), args[0])
	},
}

var txFundsCmd = &cobra.Command{
	Use:   "funds-received <transaction-id>",
	Short: "Record customer funds received on-chain and start the plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if fundsOnChainID == "" {
			return errors.New("--on-chain-id must be provided")
		}
		amount, err := parseAmount("--amount", fundsAmount)
		if err != nil {
			return err
		}
		return getApp().FundsReceived(cmd.Context(), args[0], fundsOnChainID, amount)
	},
}

var txSignalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Deliver a JSON signal to the step waiting for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SignalFile(cmd.Context(), signalFile)
	},
}

var txResumeCmd = &cobra.Command{
	Use:   "resume <transaction-id>",
	Short: "Re-run the current step of an interrupted transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resume(cmd.Context(), args[0])
	},
}

func parseAmount(flag, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("%s must be provided", flag)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be greater than zero", flag)
	}
	return d, nil
}

func init() {
	txOpenCmd.Flags().StringVar(&openAsset, "asset", "USDC", "Crypto asset the customer sends")
	txOpenCmd.Flags().StringVar(&openNetwork, "network", "STELLAR", "Network the funds arrive on")
	txOpenCmd.Flags().StringVar(&openCurrency, "currency", "", "Fiat currency paid out")
	txOpenCmd.Flags().StringVar(&openAmount, "amount", "", "Quoted source amount")
	txOpenCmd.Flags().StringVar(&openTargetAmount, "target-amount", "", "Quoted payout amount")
	txOpenCmd.Flags().StringVar(&openPartnerID, "partner", "", "Partner id")
	txOpenCmd.Flags().StringVar(&openWebhookURL, "webhook-url", "", "Partner webhook receiving transaction events")
	txOpenCmd.Flags().StringVar(&openRefundAddress, "refund-address", "", "Address refunds are sent to")
	txOpenCmd.Flags().DurationVar(&openExpiresIn, "expires-in", 30*time.Minute, "Time the customer has to send funds")

	txFundsCmd.Flags().StringVar(&fundsOnChainID, "on-chain-id", "", "Hash of the funding transaction")
	txFundsCmd.Flags().StringVar(&fundsAmount, "amount", "", "Amount received")

	txSignalCmd.Flags().StringVar(&signalFile, "file", "-", "Signal JSON file, - for stdin")

	txCmd.AddCommand(txOpenCmd)
	txCmd.AddCommand(txShowCmd)
	txCmd.AddCommand(txFundsCmd)
	txCmd.AddCommand(txSignalCmd)
	txCmd.AddCommand(txResumeCmd)
}
