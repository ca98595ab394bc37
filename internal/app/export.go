package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"commodity-premium-alerts/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// exportRow is one timestamped line of an exported series.
type exportRow struct {
	At     time.Time
	Values []decimal.Decimal
	Source string
}

// exportTable is a named series ready to be written out.
type exportTable struct {
	Name    string
	Columns []string
	Rows    []exportRow
	// Secondary is the column drawn on the right-hand axis, or -1.
	Secondary int
}

// Export renders a symbol's quotes, or a premium pair's or ratio's history, as
// CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	return a.export(ctx, repo, opts)
}

func (a *App) export(ctx context.Context, repo storage.Repository, opts ExportOptions) error {
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	table, err := loadTable(ctx, repo, opts, from, to)
	if err != nil {
		return err
	}
	if len(table.Rows) == 0 {
		a.Logger.Info().Str("series", table.Name).Msg("no data found for export window")
		return nil
	}

	total := len(table.Rows)
	table.Rows = downsample(table.Rows, opts.MaxPoints)
	a.Logger.Info().Str("series", table.Name).Int("total", total).Int("exported", len(table.Rows)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeCSV(opts.CSVPath, table); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePNG(opts.PNGPath, table); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeXLSX(opts.XLSXPath, table); err != nil {
			return err
		}
	}
	return nil
}

func loadTable(ctx context.Context, repo storage.Repository, opts ExportOptions, from, to time.Time) (exportTable, error) {
	switch {
	case opts.Symbol != "":
		quotes, err := repo.ListQuotesBetween(ctx, opts.Symbol, from, to)
		if err != nil {
			return exportTable{}, err
		}
		table := exportTable{Name: opts.Symbol, Columns: []string{"price"}, Secondary: -1}
		for _, q := range quotes {
			table.Rows = append(table.Rows, exportRow{At: q.Timestamp, Values: []decimal.Decimal{q.Price}, Source: q.Source})
		}
		return table, nil

	case opts.Pair != "":
		records, err := repo.ListMetricsBetween(ctx, storage.MetricPremium, opts.Pair, from, to)
		if err != nil {
			return exportTable{}, err
		}
		table := exportTable{
			Name:      opts.Pair,
			Columns:   []string{"premium_pct", "domestic_price", "theoretical_price", "fx_rate"},
			Secondary: 0,
		}
		for _, r := range records {
			table.Rows = append(table.Rows, exportRow{
				At:     r.Bucket,
				Values: []decimal.Decimal{r.Value, r.DomesticPrice, r.TheoreticalPrice, r.FXRate},
			})
		}
		return table, nil

	case opts.Ratio != "":
		records, err := repo.ListMetricsBetween(ctx, storage.MetricRatio, opts.Ratio, from, to)
		if err != nil {
			return exportTable{}, err
		}
		table := exportTable{Name: opts.Ratio, Columns: []string{"ratio"}, Secondary: -1}
		for _, r := range records {
			table.Rows = append(table.Rows, exportRow{At: r.Bucket, Values: []decimal.Decimal{r.Value}})
		}
		return table, nil
	}
	return exportTable{}, errors.New("one of --symbol, --pair or --ratio is required")
}

func downsample[T any](rows []T, max int) []T {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func (t exportTable) header() []string {
	header := append([]string{"bucket_ts"}, t.Columns...)
	if t.hasSource() {
		header = append(header, "source")
	}
	return header
}

func (t exportTable) hasSource() bool {
	for _, r := range t.Rows {
		if r.Source != "" {
			return true
		}
	}
	return false
}

func writeCSV(path string, table exportTable) error {
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

	if err := writer.Write(table.header()); err != nil {
		return err
	}

	withSource := table.hasSource()
	for _, row := range table.Rows {
		record := []string{row.At.UTC().Format(time.RFC3339)}
		for _, v := range row.Values {
			record = append(record, v.String())
		}
		if withSource {
			record = append(record, row.Source)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeXLSX(path string, table exportTable) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(table.Name)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header := table.header()
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return err
	}

	withSource := table.hasSource()
	for i, row := range table.Rows {
		cells := make([]interface{}, 0, len(header))
		cells = append(cells, row.At.UTC().Format(time.RFC3339))
		for _, v := range row.Values {
			cells = append(cells, v.InexactFloat64())
		}
		if withSource {
			cells = append(cells, row.Source)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 22); err != nil {
		return err
	}
	return f.SaveAs(path)
}

// sheetName strips characters Excel refuses in sheet names.
func sheetName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', '?', '*', '[', ']', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) > 31 {
		out = out[:31]
	}
	if len(out) == 0 {
		return "data"
	}
	return string(out)
}

func writePNG(path string, table exportTable) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(table.Rows))
	values := make([][]float64, len(table.Columns))
	for c := range values {
		values[c] = make([]float64, len(table.Rows))
	}
	for i, row := range table.Rows {
		x[i] = row.At
		for c, v := range row.Values {
			values[c][i] = v.InexactFloat64()
		}
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  table.Name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			ValueFormatter: formatter,
		},
	}
	if table.Secondary >= 0 {
		graph.YAxisSecondary = chart.YAxis{
			Name:           table.Columns[table.Secondary],
			ValueFormatter: formatter,
		}
	}

	for c, name := range table.Columns {
		// FX rate sits on a different scale from prices.
		if name == "fx_rate" {
			continue
		}
		series := chart.TimeSeries{Name: name, XValues: x, YValues: values[c]}
		if c == table.Secondary {
			series.YAxis = chart.YAxisSecondary
		}
		graph.Series = append(graph.Series, series)
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
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
