package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/guardian"
	"crash-guardian/internal/market"
)

// Replay reconstructs the guardian state and lifetime statistics from the event log alone,
// the same way a restarting writer would.
func (a *App) Replay(ctx context.Context) error {
	log, _, closeLog, err := a.openEventLog(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	state, last, err := eventlog.ReplayLatestState(ctx, log)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	history, err := log.Between(ctx, time.Time{}, time.Now().UTC().Add(time.Minute))
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	stats := foldStats(history)
	stats.State = state

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "State (replayed)\t%s\n", state)
	fmt.Fprintf(writer, "Events\t%d\n", len(history))
	if last.ID != "" {
		fmt.Fprintf(writer, "Latest event\t%s (%s)\n", last.ID, last.Kind)
		fmt.Fprintf(writer, "At\t%s\n", formatTime(last.At))
		fmt.Fprintf(writer, "Reason\t%s\n", sanitizeInline(last.Reason))
	}
	writeStats(writer, stats)
	return writer.Flush()
}

// foldStats rebuilds the counters from events ordered oldest first.
func foldStats(events []eventlog.TriggerEvent) guardian.Stats {
	stats := guardian.Stats{State: market.StateSafe, CapitalProtected: decimal.Zero}
	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindFalseTrigger:
			stats.FalseTriggers++
			continue
		case eventlog.KindTransition:
		default:
			continue
		}
		if ev.To == market.StateTriggered && ev.From != market.StateTriggered {
			stats.TotalTriggers++
			stats.LastTriggeredAt = ev.At
			stats.LastTriggerID = ev.ID
		}
		if ev.Summary != nil {
			stats.TotalDowntime += ev.Summary.Downtime
			stats.CapitalProtected = stats.CapitalProtected.Add(ev.Summary.CapitalProtected)
		}
		stats.State = ev.To
		stats.Since = ev.At
		stats.ActiveEventID = ev.ID
		if ev.To == market.StateSafe {
			stats.ActiveEventID = ""
		}
	}
	return stats
}
