package app

import (
	"context"
	"fmt"
	"text/tabwriter"
)

// Events prints the most recent audit events, newest first.
func (a *App) Events(ctx context.Context, opts EventsOptions) error {
	log, _, closeLog, err := a.openEventLog(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	events, err := log.List(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(a.out(), "no events recorded")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tID\tKind\tFrom\tTo\tOperator\tReason")
	for _, ev := range events {
		operator := ev.Operator
		if operator == "" {
			operator = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(ev.At),
			ev.ID,
			ev.Kind,
			ev.From,
			ev.To,
			operator,
			sanitizeInline(ev.Reason),
		)
	}
	return writer.Flush()
}
