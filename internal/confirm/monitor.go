// Package confirm corroborates drawdown breaches before the guardian halts trading.
// A breach is confirmed by independent sources agreeing on the drawdown, or by an
// auxiliary market-stress signal crossing its own threshold.
package confirm

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/config"
	"crash-guardian/internal/drawdown"
	"crash-guardian/internal/market"
	"crash-guardian/internal/window"
)

// SignalPolicy is the threshold pair and freshness bound of one auxiliary signal kind.
type SignalPolicy struct {
	Threshold         decimal.Decimal
	RecoveryThreshold decimal.Decimal
	MaxAge            time.Duration
}

// Policy governs what counts as corroboration.
type Policy struct {
	MinAgreeingSources int
	AgreementRatio     decimal.Decimal
	SourceTolerance    time.Duration
	Signals            map[market.SignalKind]SignalPolicy
}

// PolicyFromConfig converts the validated confirmation section.
func PolicyFromConfig(c config.ConfirmationConfig) Policy {
	p := Policy{
		MinAgreeingSources: c.MinAgreeingSources,
		AgreementRatio:     decimal.NewFromFloat(c.AgreementRatio),
		SourceTolerance:    c.SourceTolerance,
		Signals:            make(map[market.SignalKind]SignalPolicy, 2),
	}
	add := func(kind market.SignalKind, sc config.SignalConfig) {
		if !sc.Enabled {
			return
		}
		p.Signals[kind] = SignalPolicy{
			Threshold:         decimal.NewFromFloat(sc.Threshold),
			RecoveryThreshold: decimal.NewFromFloat(sc.RecoveryThreshold),
			MaxAge:            sc.MaxAge,
		}
	}
	add(market.SignalLiquidationVolume, c.Liquidation)
	add(market.SignalPegDeviation, c.Peg)
	return p
}

// Windows is the per-source view of the window store used for corroboration.
type Windows interface {
	Sources(asset string) []string
	SourceWindow(asset, source string, duration time.Duration) (window.Window, bool)
}

// Confirmation is the outcome of checking one breach.
type Confirmation struct {
	Confirmed bool
	// Readings are the per-source readings that agreed with the breach.
	Readings []market.DrawdownReading
	// Signals are the fresh auxiliary signals at or above their trigger threshold.
	Signals []market.ConfirmationSignal
	// Disagreement is set when other sources were fresh but did not corroborate.
	Disagreement bool
}

type signalKey struct {
	kind  market.SignalKind
	scope string
}

// Monitor keeps the latest auxiliary signals. Like the window store it is owned by the
// guardian goroutine and is not safe for concurrent use.
type Monitor struct {
	policy  Policy
	windows Windows
	latest  map[signalKey]market.ConfirmationSignal
}

// NewMonitor constructs a monitor reading per-source windows from windows.
func NewMonitor(policy Policy, windows Windows) *Monitor {
	return &Monitor{policy: policy, windows: windows, latest: make(map[signalKey]market.ConfirmationSignal)}
}

// SetPolicy swaps the policy; already observed signals are kept.
func (m *Monitor) SetPolicy(p Policy) {
	m.policy = p
}

// Observe records a signal, keeping only the newest per kind and scope.
func (m *Monitor) Observe(sig market.ConfirmationSignal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if _, ok := m.policy.Signals[sig.Kind]; !ok {
		return fmt.Errorf("confirm: signal kind %q not enabled", sig.Kind)
	}
	if sig.Scope == "" {
		sig.Scope = market.GlobalScope
	}
	key := signalKey{kind: sig.Kind, scope: sig.Scope}
	if cur, ok := m.latest[key]; ok && !sig.At.After(cur.At) {
		return nil
	}
	m.latest[key] = sig
	return nil
}

// Signals returns the fresh signals; stale ones are absent.
func (m *Monitor) Signals(now time.Time) []market.ConfirmationSignal {
	out := make([]market.ConfirmationSignal, 0, len(m.latest))
	for _, sig := range m.latest {
		if m.fresh(sig, now) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

func (m *Monitor) fresh(sig market.ConfirmationSignal, now time.Time) bool {
	p, ok := m.policy.Signals[sig.Kind]
	if !ok {
		return false
	}
	return now.Sub(sig.At) <= p.MaxAge
}

// relevant yields fresh signals that apply to asset: its own scope or the global one.
func (m *Monitor) relevant(asset string, now time.Time) []market.ConfirmationSignal {
	var out []market.ConfirmationSignal
	for _, sig := range m.Signals(now) {
		if sig.Scope == market.GlobalScope || sig.Scope == asset {
			out = append(out, sig)
		}
	}
	return out
}

// Confirm decides whether breach is corroborated.
func (m *Monitor) Confirm(breach market.DrawdownReading, now time.Time) Confirmation {
	var res Confirmation

	threshold := breach.DrawdownPct.Mul(m.policy.AgreementRatio)
	disagreeing := 0
	for _, src := range m.windows.Sources(breach.Asset) {
		w, ok := m.windows.SourceWindow(breach.Asset, src, breach.Window)
		if !ok {
			continue
		}
		if absDuration(w.LatestAt.Sub(breach.At)) > m.policy.SourceTolerance {
			continue
		}
		r := drawdown.Reading(w)
		if r.DrawdownPct.GreaterThanOrEqual(threshold) {
			res.Readings = append(res.Readings, r)
		} else {
			disagreeing++
		}
	}
	if len(res.Readings) >= m.policy.MinAgreeingSources {
		res.Confirmed = true
	}

	for _, sig := range m.relevant(breach.Asset, now) {
		if sig.Value.GreaterThanOrEqual(m.policy.Signals[sig.Kind].Threshold) {
			res.Signals = append(res.Signals, sig)
			res.Confirmed = true
		}
	}

	res.Disagreement = !res.Confirmed && disagreeing > 0
	return res
}

// AuxiliaryCalm reports whether every enabled signal kind is fresh and below its recovery
// threshold for asset. A missing or stale signal is not calm.
func (m *Monitor) AuxiliaryCalm(asset string, now time.Time) (bool, []market.ConfirmationSignal) {
	signals := m.relevant(asset, now)
	calm := true
	for kind, p := range m.policy.Signals {
		seen := false
		for _, sig := range signals {
			if sig.Kind != kind {
				continue
			}
			seen = true
			if sig.Value.GreaterThanOrEqual(p.RecoveryThreshold) {
				calm = false
			}
		}
		if !seen {
			calm = false
		}
	}
	return calm, signals
}

// Missing lists the enabled signal kinds with no fresh value for asset.
func (m *Monitor) Missing(asset string, now time.Time) []market.SignalKind {
	have := make(map[market.SignalKind]bool, len(m.policy.Signals))
	for _, sig := range m.relevant(asset, now) {
		have[sig.Kind] = true
	}
	var out []market.SignalKind
	for kind := range m.policy.Signals {
		if !have[kind] {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Latest returns the newest fresh value of kind for asset, preferring the asset scope.
func (m *Monitor) Latest(kind market.SignalKind, asset string, now time.Time) (market.ConfirmationSignal, bool) {
	if sig, ok := m.latest[signalKey{kind: kind, scope: asset}]; ok && m.fresh(sig, now) {
		return sig, true
	}
	sig, ok := m.latest[signalKey{kind: kind, scope: market.GlobalScope}]
	if ok && m.fresh(sig, now) {
		return sig, true
	}
	return market.ConfirmationSignal{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
