package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/alerting"
	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/market"
)

var (
	// ErrNoTrigger is returned when a false trigger is marked before anything triggered.
	ErrNoTrigger = errors.New("guardian: no trigger to mark")
	// ErrAlreadyMarked is returned when the last trigger is already marked false.
	ErrAlreadyMarked = errors.New("guardian: trigger already marked false")
)

const (
	persistTimeout = 2 * time.Second
	notifyTimeout  = 15 * time.Second
)

// change describes one event to record.
type change struct {
	kind          eventlog.Kind
	to            market.State
	reason        string
	manual        bool
	operator      string
	asset         string
	refID         string
	readings      []market.DrawdownReading
	corroborating []market.DrawdownReading
	signals       []market.ConfirmationSignal
	assessment    *market.RecoveryAssessment
	summary       *eventlog.Summary
}

// commit appends the event, then applies it. The state never changes unless the event
// is durable.
func (g *Guardian) commit(ctx context.Context, ch change) (eventlog.TriggerEvent, error) {
	now := g.now()
	kind := ch.kind
	if kind == "" {
		kind = eventlog.KindTransition
	}
	from := g.state
	ev := eventlog.NewEvent(kind, from, ch.to, ch.reason, now)
	ev.Manual = ch.manual
	ev.Operator = ch.operator
	ev.Asset = ch.asset
	ev.RefID = ch.refID
	ev.Assessment = ch.assessment
	ev.Summary = ch.summary
	if ch.readings != nil {
		ev.TriggerReadings = ch.readings
	}
	ev.CorroboratingReadings = ch.corroborating
	if ch.signals != nil {
		ev.ConfirmationSignals = ch.signals
	}

	appendCtx, cancel := context.WithTimeout(context.Background(), durableTimeout)
	defer cancel()
	if err := g.log.Append(appendCtx, ev); err != nil {
		return eventlog.TriggerEvent{}, fmt.Errorf("%w: append event %s: %v", ErrWriterFailed, ev.ID, err)
	}

	if kind == eventlog.KindTransition {
		g.state = ch.to
		g.since = now
		g.reason = ch.reason
		g.activeEvent = ev.ID
		if ch.to == market.StateSafe {
			g.activeEvent = ""
		}
		if ch.to == market.StateTriggered && from != market.StateTriggered {
			g.counters.TotalTriggers++
			g.counters.LastTriggeredAt = now
			g.counters.LastTriggerID = ev.ID
		}
		if s := ch.summary; s != nil {
			g.counters.TotalDowntime += s.Downtime
			g.counters.CapitalProtected = g.counters.CapitalProtected.Add(s.CapitalProtected)
		}
		g.calmSince = time.Time{}
		g.metrics.Transition(from, ch.to, ch.manual)
	}

	g.publish(ctx, now)
	g.notify(ev)

	g.logger.Info().
		Str("event_id", ev.ID).
		Str("kind", string(kind)).
		Str("from", string(from)).
		Str("to", string(ch.to)).
		Bool("manual", ch.manual).
		Str("reason", ch.reason).
		Msg("event recorded")
	return ev, nil
}

// publish pushes the current state to the backend and then to the gate.
func (g *Guardian) publish(ctx context.Context, now time.Time) {
	snap := gate.Snapshot{
		Status:    g.state,
		EventID:   g.activeEvent,
		Reason:    g.reason,
		Since:     g.since,
		UpdatedAt: now,
	}
	stats := g.counters
	stats.State = g.state
	stats.Since = g.since
	stats.ActiveEventID = g.activeEvent
	g.stats.Store(&stats)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := g.backend.Persist(persistCtx, Record{Snapshot: snap, Stats: stats}); err != nil {
		g.metrics.BackendError()
		g.logger.Warn().Err(err).Msg("state backend persist failed")
	}
	g.gate.Publish(snap)
	g.metrics.State(g.state)
}

func (g *Guardian) notify(ev eventlog.TriggerEvent) {
	if g.notifier == nil || !g.cfg.Alerting.Enabled {
		return
	}
	note := alerting.Notification{
		Environment: g.cfg.App.Environment,
		Event:       ev,
		Channels:    g.cfg.Alerting.Channels,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := g.notifier.Notify(ctx, note); err != nil {
			g.metrics.NotifyError()
			g.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("notification failed")
		}
	}()
}

// closeEpisode ends the current halt and summarises it.
func (g *Guardian) closeEpisode(now time.Time) *eventlog.Summary {
	ep := g.episode
	g.episode = nil
	if ep == nil {
		return nil
	}
	exposure := decimal.NewFromFloat(g.cfg.Guardian.ExposureUSD)
	return &eventlog.Summary{
		TriggeredAt:      ep.triggeredAt,
		Downtime:         now.Sub(ep.triggeredAt),
		MaxDrawdownPct:   ep.maxDrawdown,
		CapitalProtected: exposure.Mul(ep.maxDrawdown).Div(hundred).Round(2),
	}
}

// override applies an operator command. The event is written even when the target equals
// the current state.
func (g *Guardian) override(ctx context.Context, req gate.OverrideRequest) (eventlog.TriggerEvent, error) {
	now := g.now()
	c := g.observe(now)
	ch := change{
		to:       req.Target,
		reason:   fmt.Sprintf("manual override by %s: %s", req.Operator, req.Reason),
		manual:   true,
		operator: req.Operator,
		readings: c.readings,
		signals:  g.monitor.Signals(now),
	}

	switch req.Target {
	case market.StateTriggered:
		if g.episode == nil {
			g.episode = &episode{manual: true, triggeredAt: now, lastBreach: now}
		} else {
			g.episode.manual = true
			g.episode.lastBreach = now
		}
	case market.StateRecovering:
		if g.episode == nil {
			g.episode = &episode{manual: true, triggeredAt: now, lastBreach: now}
		}
		g.recoveringSince = now
	case market.StateSafe, market.StateWarning:
		ch.summary = g.closeEpisode(now)
	}
	if g.episode != nil {
		ch.asset = g.episode.asset
	}
	return g.commit(ctx, ch)
}

// markFalseTrigger annotates the most recent trigger. The state does not change.
func (g *Guardian) markFalseTrigger(ctx context.Context, operator, note string) (eventlog.TriggerEvent, error) {
	ref := g.counters.LastTriggerID
	if ref == "" {
		return eventlog.TriggerEvent{}, ErrNoTrigger
	}
	if ref == g.lastFalseRef {
		return eventlog.TriggerEvent{}, fmt.Errorf("%w: %s", ErrAlreadyMarked, ref)
	}
	reason := fmt.Sprintf("false trigger marked by %s", operator)
	if note != "" {
		reason += ": " + note
	}
	g.counters.FalseTriggers++
	ev, err := g.commit(ctx, change{
		kind:     eventlog.KindFalseTrigger,
		to:       g.state,
		reason:   reason,
		manual:   true,
		operator: operator,
		refID:    ref,
	})
	if err != nil {
		g.counters.FalseTriggers--
		return ev, err
	}
	g.lastFalseRef = ref
	return ev, nil
}

// restore rebuilds the state from the event log. Stabilization and recovery clocks restart
// at process start, so a restart never shortens a halt.
func (g *Guardian) restore(ctx context.Context) error {
	now := g.now()
	g.startedAt = now

	state, last, err := eventlog.ReplayLatestState(ctx, g.log)
	if err != nil {
		return err
	}

	rec, ok, err := g.backend.Load(ctx)
	switch {
	case err != nil:
		g.metrics.BackendError()
		g.logger.Warn().Err(err).Msg("state backend load failed; statistics start from zero")
	case ok:
		g.counters = rec.Stats
	}

	g.state = state
	g.since = now
	g.reason = "restored from event log"
	if last.Kind == eventlog.KindFalseTrigger {
		g.lastFalseRef = last.RefID
	}
	if state != market.StateSafe {
		g.activeEvent = last.ID
		if last.Kind == eventlog.KindFalseTrigger && g.counters.ActiveEventID != "" {
			g.activeEvent = g.counters.ActiveEventID
		}
	}

	if last.Kind == eventlog.KindFalseTrigger {
		if prev, ok := g.lastTransition(ctx); ok {
			last = prev
		}
	}
	if state == market.StateTriggered || state == market.StateRecovering {
		ep := &episode{
			asset:       last.Asset,
			manual:      last.Manual,
			triggeredAt: last.At,
			lastBreach:  now,
		}
		if !g.counters.LastTriggeredAt.IsZero() {
			ep.triggeredAt = g.counters.LastTriggeredAt
		}
		switch {
		case last.Assessment != nil:
			ep.high = last.Assessment.High
			ep.trough = last.Assessment.Trough
		case len(last.TriggerReadings) > 0:
			r := last.TriggerReadings[0]
			ep.high = r.High
			ep.trough = r.Price
			ep.window = r.Window
			ep.maxDrawdown = r.DrawdownPct
		}
		g.episode = ep
		if state == market.StateRecovering {
			g.recoveringSince = now
		}
	}

	g.publish(ctx, now)
	g.logger.Info().
		Str("state", string(state)).
		Str("event_id", g.activeEvent).
		Int64("total_triggers", g.counters.TotalTriggers).
		Msg("guardian state restored")
	return nil
}

// lastTransition finds the newest state change, skipping annotations.
func (g *Guardian) lastTransition(ctx context.Context) (eventlog.TriggerEvent, bool) {
	events, err := g.log.List(ctx, 100)
	if err != nil {
		g.logger.Warn().Err(err).Msg("list events failed")
		return eventlog.TriggerEvent{}, false
	}
	for _, ev := range events {
		if ev.Kind == eventlog.KindTransition {
			return ev, true
		}
	}
	return eventlog.TriggerEvent{}, false
}
