package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/gate"
	"crash-guardian/internal/guardian"
)

// Status prints the live gate and statistics of a running guardian. When it cannot be
// reached the state is reconstructed from the local event log instead.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	base := a.endpoint(opts.Endpoint)

	status, raw, err := a.call(ctx, http.MethodGet, base+"/v1/gate", "", nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("endpoint", base).Msg("guardian unreachable; replaying event log")
		return a.Replay(ctx)
	}
	// 503 still carries the snapshot
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return apiError(status, raw)
	}
	var snap struct {
		gate.Snapshot
		Allow bool `json:"allow"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode gate: %w", err)
	}

	var stats *guardian.Stats
	status, raw, err = a.call(ctx, http.MethodGet, base+"/v1/stats", "", nil)
	if err == nil && status == http.StatusOK {
		var s guardian.Stats
		if json.Unmarshal(raw, &s) == nil {
			stats = &s
		}
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "State\t%s\n", snap.Status)
	fmt.Fprintf(writer, "Allow new positions\t%t\n", snap.Allow)
	fmt.Fprintf(writer, "Since\t%s\n", formatTime(snap.Since))
	fmt.Fprintf(writer, "Updated\t%s\n", formatTime(snap.UpdatedAt))
	if snap.EventID != "" {
		fmt.Fprintf(writer, "Event\t%s\n", snap.EventID)
	}
	if snap.Reason != "" {
		fmt.Fprintf(writer, "Reason\t%s\n", sanitizeInline(snap.Reason))
	}
	if snap.Error != "" {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(snap.Error))
	}
	if stats != nil {
		writeStats(writer, *stats)
	}
	return writer.Flush()
}

func writeStats(w io.Writer, s guardian.Stats) {
	fmt.Fprintf(w, "Triggers\t%d\n", s.TotalTriggers)
	fmt.Fprintf(w, "False triggers\t%d\n", s.FalseTriggers)
	fmt.Fprintf(w, "Total downtime\t%s\n", s.TotalDowntime)
	fmt.Fprintf(w, "Capital protected (USD)\t%s\n", formatDecimal(s.CapitalProtected, 2))
	if !s.LastTriggeredAt.IsZero() {
		fmt.Fprintf(w, "Last trigger\t%s (%s)\n", formatTime(s.LastTriggeredAt), s.LastTriggerID)
	}
	if !s.LastCheckAt.IsZero() {
		fmt.Fprintf(w, "Last check\t%s\n", formatTime(s.LastCheckAt))
	}
}

func (a *App) out() io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return os.Stdout
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
