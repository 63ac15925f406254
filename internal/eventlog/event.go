// Package eventlog is the append-only audit trail of guardian transitions. Every event is
// a self-contained snapshot of why a transition happened; events are never mutated.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crash-guardian/internal/market"
)

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("eventlog: closed")

// Kind distinguishes state transitions from operator annotations.
type Kind string

const (
	// KindTransition records a state change.
	KindTransition Kind = "transition"
	// KindFalseTrigger records an operator marking the last trigger as false; the state is unchanged.
	KindFalseTrigger Kind = "false_trigger"
)

// Summary closes a halt episode on RECOVERING -> SAFE.
type Summary struct {
	TriggeredAt      time.Time       `json:"triggered_at"`
	Downtime         time.Duration   `json:"downtime"`
	MaxDrawdownPct   decimal.Decimal `json:"max_drawdown_pct"`
	CapitalProtected decimal.Decimal `json:"capital_protected_usd"`
}

// TriggerEvent is one audit record.
type TriggerEvent struct {
	ID                    string                      `json:"id"`
	Kind                  Kind                        `json:"kind"`
	At                    time.Time                   `json:"at"`
	From                  market.State                `json:"state_from"`
	To                    market.State                `json:"state_to"`
	Reason                string                      `json:"reason"`
	Manual                bool                        `json:"manual,omitempty"`
	Operator              string                      `json:"operator,omitempty"`
	Asset                 string                      `json:"asset,omitempty"`
	TriggerReadings       []market.DrawdownReading    `json:"trigger_readings"`
	CorroboratingReadings []market.DrawdownReading    `json:"corroborating_readings,omitempty"`
	ConfirmationSignals   []market.ConfirmationSignal `json:"confirmation_readings"`
	Assessment            *market.RecoveryAssessment  `json:"recovery_assessment,omitempty"`
	Summary               *Summary                    `json:"summary,omitempty"`
	// RefID points at the event a false-trigger annotation refers to.
	RefID string `json:"ref_id,omitempty"`
}

// NewEvent stamps a fresh id.
func NewEvent(kind Kind, from, to market.State, reason string, at time.Time) TriggerEvent {
	return TriggerEvent{
		ID:                  uuid.NewString(),
		Kind:                kind,
		At:                  at.UTC(),
		From:                from,
		To:                  to,
		Reason:              reason,
		TriggerReadings:     []market.DrawdownReading{},
		ConfirmationSignals: []market.ConfirmationSignal{},
	}
}

// Log is the durable event store. Append must not return before the event is durable.
type Log interface {
	Append(ctx context.Context, ev TriggerEvent) error
	// Latest returns the most recent event, false when the log is empty.
	Latest(ctx context.Context) (TriggerEvent, bool, error)
	// List returns up to limit events, newest first.
	List(ctx context.Context, limit int) ([]TriggerEvent, error)
	// Between returns events with from <= At < to, oldest first.
	Between(ctx context.Context, from, to time.Time) ([]TriggerEvent, error)
	Close() error
}

// ReplayLatestState reconstructs the guardian state after a restart. An empty log yields SAFE.
func ReplayLatestState(ctx context.Context, log Log) (market.State, TriggerEvent, error) {
	ev, ok, err := log.Latest(ctx)
	if err != nil {
		return "", TriggerEvent{}, err
	}
	if !ok {
		return market.StateSafe, TriggerEvent{}, nil
	}
	if !ev.To.Valid() {
		// an unreadable state must not reopen trading
		return market.StateTriggered, ev, nil
	}
	return ev.To, ev, nil
}
