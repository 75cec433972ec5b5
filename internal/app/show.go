package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/service"
	"corridor-flows/internal/transaction"
)

// ShowFlow prints the active plan of a corridor.
func (a *App) ShowFlow(ctx context.Context, opts FlowShowOptions) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	def, err := rt.repo.FindActiveDefinition(ctx, opts.Asset, opts.Network, opts.Currency)
	if err != nil {
		return err
	}
	return printDefinition(a.Out, def)
}

// ShowTransaction prints a transaction with its step cursor.
func (a *App) ShowTransaction(ctx context.Context, txID string) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tx, err := rt.repo.FindTransaction(ctx, txID)
	if err != nil {
		return err
	}
	return printTransaction(a.Out, tx)
}

func printDefinition(out io.Writer, def *flow.Definition) error {
	c := def.Corridor
	id := def.ID
	if id == "" {
		id = "(not saved)"
	}
	fmt.Fprintf(out, "definition %s  %s/%s -> %s via %s  enabled=%t\n", id, c.Asset, c.Network, c.Currency, c.PayoutProvider, def.Enabled)
	fmt.Fprintf(out, "fees fixed=%s pct=%s min=%s max=%s\n", def.Fees.Fixed, def.Fees.Percentage, def.Fees.MinAmount, def.Fees.MaxAmount)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Order\tType\tPolicy\tConfig\tMatch")
	for _, step := range def.Steps {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			step.StepOrder,
			step.StepType,
			step.CompletionPolicy,
			formatPairs(step.Config),
			formatPairs(step.SignalMatch),
		)
	}
	return writer.Flush()
}

func printTransaction(out io.Writer, tx *transaction.Transaction) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", tx.ID},
		{"Status", string(tx.Status)},
		{"Corridor", fmt.Sprintf("%s/%s -> %s", tx.Quote.SourceCurrency, tx.Network, tx.Quote.TargetCurrency)},
		{"Amount", fmt.Sprintf("%s %s", tx.Quote.SourceAmount, tx.Quote.SourceCurrency)},
		{"Payout", fmt.Sprintf("%s %s", tx.Quote.TargetAmount, tx.Quote.TargetCurrency)},
		{"External ID", tx.ExternalID},
		{"On-chain ID", tx.OnChainID},
		{"Flow", tx.Progress.FlowDefinitionID},
		{"Step", fmt.Sprintf("%d (%s)", tx.Progress.StepOrder, tx.Progress.State)},
		{"Correlation", formatPairs(tx.Progress.Correlation)},
	}
	if !tx.ExpiresAt.IsZero() {
		rows = append(rows, [2]string{"Expires", tx.ExpiresAt.UTC().Format(time.RFC3339)})
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row[0], row[1])
	}
	return writer.Flush()
}

func printSignalResult(out io.Writer, res service.SignalResult) {
	if res.Ignored {
		fmt.Fprintf(out, "ignored: %s\n", res.Reason)
		return
	}
	fmt.Fprintf(out, "transaction %s step %d: %s\n", res.TransactionID, res.StepOrder, res.Outcome)
}

func formatPairs(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sanitizeInline(m[k]))
	}
	return strings.Join(parts, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
