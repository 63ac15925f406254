package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/market"
)

const defaultExportSpan = 30 * 24 * time.Hour

// Export renders the audit trail as CSV and/or a PNG state timeline.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxEvents = a.Config.ResolveMaxEvents(opts.MaxEvents)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportSpan)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	log, _, closeLog, err := a.openEventLog(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	events, err := log.Between(ctx, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no events found for export window")
		return nil
	}

	downsampled := downsampleEvents(events, opts.MaxEvents)
	a.Logger.Info().Int("total", len(events)).Int("exported", len(downsampled)).Msg("exporting events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTimelinePNG(opts.PNGPath, downsampled, to); err != nil {
			return err
		}
	}

	return nil
}

// downsampleEvents thins events evenly, always keeping the first and last.
func downsampleEvents(events []eventlog.TriggerEvent, max int) []eventlog.TriggerEvent {
	if max <= 0 || len(events) <= max {
		return events
	}
	if max == 1 {
		return events[len(events)-1:]
	}

	result := make([]eventlog.TriggerEvent, 0, max)
	step := float64(len(events)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(events) {
			idx = len(events) - 1
		}
		result = append(result, events[idx])
	}
	return result
}

// peakReading is the deepest drawdown among an event's trigger readings.
func peakReading(ev eventlog.TriggerEvent) (market.DrawdownReading, bool) {
	var best market.DrawdownReading
	found := false
	for _, r := range ev.TriggerReadings {
		if !found || r.DrawdownPct.GreaterThan(best.DrawdownPct) {
			best = r
			found = true
		}
	}
	return best, found
}

func writeEventsCSV(path string, events []eventlog.TriggerEvent) error {
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

	header := []string{"at", "id", "kind", "state_from", "state_to", "manual", "operator", "asset", "peak_drawdown_pct", "peak_window", "downtime", "capital_protected_usd", "ref_id", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		peak, window := "", ""
		if r, ok := peakReading(ev); ok {
			peak = formatDecimal(r.DrawdownPct, 2)
			window = market.FormatWindow(r.Window)
		}
		downtime, capital := "", ""
		if ev.Summary != nil {
			downtime = ev.Summary.Downtime.String()
			capital = formatDecimal(ev.Summary.CapitalProtected, 2)
		}
		record := []string{
			ev.At.UTC().Format(time.RFC3339),
			ev.ID,
			string(ev.Kind),
			string(ev.From),
			string(ev.To),
			strconv.FormatBool(ev.Manual),
			ev.Operator,
			ev.Asset,
			peak,
			window,
			downtime,
			capital,
			ev.RefID,
			sanitizeInline(ev.Reason),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

var stateTicks = []chart.Tick{
	{Value: 0, Label: string(market.StateSafe)},
	{Value: 1, Label: string(market.StateWarning)},
	{Value: 2, Label: string(market.StateRecovering)},
	{Value: 3, Label: string(market.StateTriggered)},
}

// timelineSeries turns transitions into a step line of state levels, held until end.
func timelineSeries(events []eventlog.TriggerEvent, end time.Time) ([]time.Time, []float64) {
	var x []time.Time
	var y []float64
	for _, ev := range events {
		if ev.Kind != eventlog.KindTransition {
			continue
		}
		if len(y) > 0 {
			x = append(x, ev.At)
			y = append(y, y[len(y)-1])
		} else {
			x = append(x, ev.At)
			y = append(y, float64(ev.From.Level()))
		}
		x = append(x, ev.At)
		y = append(y, float64(ev.To.Level()))
	}
	if len(x) > 0 && end.After(x[len(x)-1]) {
		x = append(x, end)
		y = append(y, y[len(y)-1])
	}
	return x, y
}

func writeTimelinePNG(path string, events []eventlog.TriggerEvent, end time.Time) error {
	x, levels := timelineSeries(events, end)
	if len(x) < 2 {
		return errors.New("not enough transitions to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	var ddX []time.Time
	var ddY []float64
	for _, ev := range events {
		if r, ok := peakReading(ev); ok {
			ddX = append(ddX, ev.At)
			ddY = append(ddY, r.DrawdownPct.InexactFloat64())
		}
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "State",
			XValues: x,
			YValues: levels,
		},
	}
	if len(ddX) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Trigger drawdown %",
			XValues: ddX,
			YValues: ddY,
			YAxis:   chart.YAxisSecondary,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
			},
		})
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:  "State",
			Range: &chart.ContinuousRange{Min: 0, Max: 3},
			Ticks: stateTicks,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Drawdown (%)",
			ValueFormatter: pctFormatter,
		},
		Series: series,
	}
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
