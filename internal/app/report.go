package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
)

// reportStatuses are charted in this order.
var reportStatuses = []transaction.Status{
	transaction.PaymentCompleted,
	transaction.ProcessingPayment,
	transaction.AwaitingPayment,
	transaction.PaymentFailed,
	transaction.PaymentExpired,
	transaction.WrongAmount,
}

// Report renders per-bucket transaction volume as CSV and/or PNG.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	bucket := opts.Bucket
	if bucket <= 0 {
		bucket = a.Config.Report.Bucket
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Report.Window)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	rows, err := rt.repo.VolumeBetween(ctx, from, to, bucket)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no transactions found for report window")
		return nil
	}
	a.Logger.Info().Int("rows", len(rows)).Dur("bucket", bucket).Msg("rendering report")

	if opts.CSVPath != "" {
		if err := writeVolumeCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeVolumePNG(opts.PNGPath, rows); err != nil {
			return err
		}
	}
	return nil
}

func writeVolumeCSV(path string, rows []storage.VolumeBucket) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"bucket_ts", "status", "count", "source_amount"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Bucket.UTC().Format(time.RFC3339),
			string(row.Status),
			strconv.FormatInt(row.Count, 10),
			row.Amount.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// volumeSeries pivots rows into one amount series per status over a shared time axis.
func volumeSeries(rows []storage.VolumeBucket) ([]time.Time, map[transaction.Status][]float64, []float64) {
	index := make(map[time.Time]int)
	var axis []time.Time
	for _, row := range rows {
		if _, ok := index[row.Bucket]; !ok {
			index[row.Bucket] = 0
			axis = append(axis, row.Bucket)
		}
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })
	for i, t := range axis {
		index[t] = i
	}

	amounts := make(map[transaction.Status][]float64)
	counts := make([]float64, len(axis))
	for _, row := range rows {
		series, ok := amounts[row.Status]
		if !ok {
			series = make([]float64, len(axis))
			amounts[row.Status] = series
		}
		i := index[row.Bucket]
		series[i] += row.Amount.InexactFloat64()
		counts[i] += float64(row.Count)
	}
	return axis, amounts, counts
}

func writeVolumePNG(path string, rows []storage.VolumeBucket) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	axis, amounts, counts := volumeSeries(rows)
	if len(axis) < 2 {
		return errors.New("at least two buckets are needed to draw a chart")
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Source amount",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Transactions",
			ValueFormatter: chart.IntValueFormatter,
		},
	}
	for _, st := range reportStatuses {
		series, ok := amounts[st]
		if !ok {
			continue
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    string(st),
			XValues: axis,
			YValues: series,
		})
	}
	graph.Series = append(graph.Series, chart.TimeSeries{
		Name:    "Count",
		XValues: axis,
		YValues: counts,
		YAxis:   chart.YAxisSecondary,
	})
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
