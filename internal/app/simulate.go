package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/guardian"
	"crash-guardian/internal/market"
)

// simRow is one recorded observation:
//
//	sample,<RFC3339>,<asset>,<price>,<volume>,<source>
//	signal,<RFC3339>,<kind>,<value>,<scope>,<source>
type simRow struct {
	at     time.Time
	sample *market.Sample
	signal *market.ConfirmationSignal
}

// Simulate replays recorded market data through an in-memory guardian on a simulated
// clock and prints the transitions it would have made. Nothing is written to the real
// event log and no alerts are sent.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	f, err := os.Open(opts.InputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := readSimRows(f)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("input contains no observations")
	}

	step := opts.Step
	if step <= 0 {
		step = a.Config.Scheduler.Interval
	}

	events, stats, err := a.simulate(ctx, rows, step)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tFrom\tTo\tReason")
	for _, ev := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", formatTime(ev.At), ev.From, ev.To, sanitizeInline(ev.Reason))
	}
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "Final state\t%s\n", stats.State)
	writeStats(writer, stats)
	return writer.Flush()
}

func (a *App) simulate(ctx context.Context, rows []simRow, step time.Duration) ([]eventlog.TriggerEvent, guardian.Stats, error) {
	var clock atomic.Int64
	clock.Store(rows[0].at.UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	cfg := *a.Config
	cfg.Alerting.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, guardian.Stats{}, err
	}

	log := eventlog.NewMemoryLog()
	g, err := guardian.New(guardian.Options{
		Config: &cfg,
		Log:    log,
		Gate:   gate.New(),
		Clock:  now,
		Logger: a.Logger,
	})
	if err != nil {
		return nil, guardian.Stats{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(runCtx) }()

	// every message is flushed before the clock moves, so the writer sees the time the
	// observation was recorded at
	advance := func(to time.Time) { clock.Store(to.UnixNano()) }
	next := rows[0].at.Add(step)
	for _, row := range rows {
		for !next.After(row.at) {
			advance(next)
			if err := g.Tick(runCtx, next); err != nil {
				return nil, guardian.Stats{}, err
			}
			if err := g.Flush(runCtx); err != nil {
				return nil, guardian.Stats{}, err
			}
			next = next.Add(step)
		}
		advance(row.at)
		if row.sample != nil {
			err = g.SubmitSample(runCtx, *row.sample)
		} else {
			err = g.SubmitSignal(runCtx, *row.signal)
		}
		if err != nil {
			return nil, guardian.Stats{}, err
		}
		if err := g.Flush(runCtx); err != nil {
			return nil, guardian.Stats{}, err
		}
	}
	advance(next)
	if err := g.Tick(runCtx, next); err != nil {
		return nil, guardian.Stats{}, err
	}
	if err := g.Flush(runCtx); err != nil {
		return nil, guardian.Stats{}, err
	}

	stats := g.Stats()
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, guardian.Stats{}, err
	}
	return log.Events(), stats, nil
}

func readSimRows(r io.Reader) ([]simRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var rows []simRow
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(rec[0], "type") {
			continue
		}
		row, err := parseSimRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	return rows, nil
}

func parseSimRow(rec []string) (simRow, error) {
	if len(rec) < 6 {
		return simRow{}, fmt.Errorf("expected 6 fields, got %d", len(rec))
	}
	at, err := time.Parse(time.RFC3339, rec[1])
	if err != nil {
		return simRow{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	at = at.UTC()

	switch strings.ToLower(rec[0]) {
	case "sample":
		price, err := decimal.NewFromString(rec[3])
		if err != nil {
			return simRow{}, fmt.Errorf("invalid price: %w", err)
		}
		volume := decimal.Zero
		if rec[4] != "" {
			if volume, err = decimal.NewFromString(rec[4]); err != nil {
				return simRow{}, fmt.Errorf("invalid volume: %w", err)
			}
		}
		s := market.NewSample(rec[2], price, volume, at, rec[5])
		if err := s.Validate(); err != nil {
			return simRow{}, err
		}
		return simRow{at: at, sample: &s}, nil
	case "signal":
		value, err := decimal.NewFromString(rec[3])
		if err != nil {
			return simRow{}, fmt.Errorf("invalid value: %w", err)
		}
		scope := rec[4]
		if scope == "" {
			scope = market.GlobalScope
		}
		sig := market.ConfirmationSignal{
			Kind:   market.SignalKind(rec[2]),
			Scope:  scope,
			Value:  value,
			At:     at,
			Source: rec[5],
		}
		if err := sig.Validate(); err != nil {
			return simRow{}, err
		}
		return simRow{at: at, signal: &sig}, nil
	default:
		return simRow{}, fmt.Errorf("unknown row type %q", rec[0])
	}
}
