package cli

import (
	"github.com/spf13/cobra"

	"corridor-flows/internal/app"
)

var (
	replayFile   string
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a stream of captured JSON signals in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:   replayFile,
			DryRun: replayDryRun,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "-", "Signals file (one JSON object after another), - for stdin")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Decode the signals without delivering them")
}
