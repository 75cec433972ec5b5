package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"corridor-flows/internal/app"
	"corridor-flows/internal/flow"
)

var (
	flowFile     string
	flowDryRun   bool
	flowAsset    string
	flowNetwork  string
	flowCurrency string
)

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Manage corridor flow definitions",
}

var flowCompileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a corridor file and store it as the corridor's active plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flowFile == "" {
			return fmt.Errorf("--file must be provided")
		}
		return getApp().CompileFlow(cmd.Context(), flowFile, flowDryRun)
	},
}

var flowShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the active plan of a corridor",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flowAsset == "" || flowNetwork == "" || flowCurrency == "" {
			return fmt.Errorf("--asset, --network and --currency must be provided")
		}
		return getApp().ShowFlow(cmd.Context(), app.FlowShowOptions{
			Asset:    flow.Asset(strings.ToUpper(flowAsset)),
			Network:  flow.Network(strings.ToUpper(flowNetwork)),
			Currency: flow.Asset(strings.ToUpper(flowCurrency)),
		})
	},
}

func init() {
	flowCompileCmd.Flags().StringVar(&flowFile, "file", "", "Corridor file (YAML or JSON)")
	flowCompileCmd.Flags().BoolVar(&flowDryRun, "dry-run", false, "Print the compiled plan without storing it")

	flowShowCmd.Flags().StringVar(&flowAsset, "asset", "", "Crypto asset received, e.g. USDC")
	flowShowCmd.Flags().StringVar(&flowNetwork, "network", "", "Network funds arrive on, e.g. STELLAR")
	flowShowCmd.Flags().StringVar(&flowCurrency, "currency", "", "Fiat currency paid out, e.g. BRL")

	flowCmd.AddCommand(flowCompileCmd)
	flowCmd.AddCommand(flowShowCmd)
}
