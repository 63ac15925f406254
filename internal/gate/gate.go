// Package gate is the read projection trading agents consult before every order. Reads
// are lock-free loads of the last published snapshot and never wait on the writer.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/market"
)

var (
	// ErrInvalidOverride is returned for override requests missing a field or naming an unknown state.
	ErrInvalidOverride = errors.New("gate: invalid override")
	// ErrReadOnly is returned by gates with no writer attached, such as followers.
	ErrReadOnly = errors.New("gate: no writer attached")
)

// Snapshot is an immutable view of the guardian state.
type Snapshot struct {
	Status    market.State `json:"state"`
	EventID   string       `json:"event_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Since     time.Time    `json:"since"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
}

// Allow reports whether new positions may be opened.
func (s Snapshot) Allow() bool {
	return s.Status == market.StateSafe
}

// OverrideRequest is the operator's manual command.
type OverrideRequest struct {
	Target   market.State `json:"target_state"`
	Operator string       `json:"operator_id"`
	Reason   string       `json:"reason"`
}

// Validate normalises and checks the request.
func (r *OverrideRequest) Validate() error {
	r.Operator = strings.TrimSpace(r.Operator)
	r.Reason = strings.TrimSpace(r.Reason)
	target, err := market.ParseState(string(r.Target))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	r.Target = target
	if r.Operator == "" {
		return fmt.Errorf("%w: operator_id is required", ErrInvalidOverride)
	}
	if r.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidOverride)
	}
	return nil
}

// Writer is the guardian's privileged write path.
type Writer interface {
	Override(ctx context.Context, req OverrideRequest) (eventlog.TriggerEvent, error)
	MarkFalseTrigger(ctx context.Context, operator, note string) (eventlog.TriggerEvent, error)
}

// Gate publishes snapshots to readers.
type Gate struct {
	snap   atomic.Pointer[Snapshot]
	writer atomic.Value // holds writerBox
	now    func() time.Time
}

type writerBox struct{ w Writer }

// New returns a gate reporting UNAVAILABLE until the first snapshot is published, so a
// process that has not yet replayed its event log never reports SAFE.
func New() *Gate {
	g := &Gate{now: time.Now}
	now := g.now().UTC()
	g.snap.Store(&Snapshot{Status: market.StateUnavailable, Reason: "guardian starting", Since: now, UpdatedAt: now})
	return g
}

// Attach binds the writer used by ManualOverride.
func (g *Gate) Attach(w Writer) {
	g.writer.Store(writerBox{w: w})
}

// Publish replaces the current snapshot.
func (g *Gate) Publish(s Snapshot) {
	cp := s
	g.snap.Store(&cp)
}

// Fail publishes UNAVAILABLE keeping the last known event id for operators.
func (g *Gate) Fail(err error) {
	prev := g.CurrentState()
	now := g.now().UTC()
	g.Publish(Snapshot{
		Status:    market.StateUnavailable,
		EventID:   prev.EventID,
		Reason:    "guardian writer failed",
		Since:     now,
		UpdatedAt: now,
		Error:     err.Error(),
	})
}

// CurrentState returns the latest published snapshot.
func (g *Gate) CurrentState() Snapshot {
	return *g.snap.Load()
}

// Allow is CurrentState().Allow().
func (g *Gate) Allow() bool {
	return g.snap.Load().Allow()
}

// ManualOverride forwards a validated override to the writer. The resulting event is
// durable and published by the time this returns.
func (g *Gate) ManualOverride(ctx context.Context, target market.State, operatorID, reason string) (eventlog.TriggerEvent, error) {
	req := OverrideRequest{Target: target, Operator: operatorID, Reason: reason}
	if err := req.Validate(); err != nil {
		return eventlog.TriggerEvent{}, err
	}
	w, err := g.attached()
	if err != nil {
		return eventlog.TriggerEvent{}, err
	}
	return w.Override(ctx, req)
}

// MarkFalseTrigger records that the last trigger was a false positive.
func (g *Gate) MarkFalseTrigger(ctx context.Context, operatorID, note string) (eventlog.TriggerEvent, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return eventlog.TriggerEvent{}, fmt.Errorf("%w: operator_id is required", ErrInvalidOverride)
	}
	w, err := g.attached()
	if err != nil {
		return eventlog.TriggerEvent{}, err
	}
	return w.MarkFalseTrigger(ctx, operatorID, strings.TrimSpace(note))
}

func (g *Gate) attached() (Writer, error) {
	box, ok := g.writer.Load().(writerBox)
	if !ok || box.w == nil {
		return nil, ErrReadOnly
	}
	return box.w, nil
}
