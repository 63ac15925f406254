package guardian

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/confirm"
	"crash-guardian/internal/market"
)

var hundred = decimal.NewFromInt(100)

type breach struct {
	reading   market.DrawdownReading
	threshold decimal.Decimal
	severity  decimal.Decimal
	conf      confirm.Confirmation
}

// cycle is everything one evaluation observed.
type cycle struct {
	now         time.Time
	readings    []market.DrawdownReading
	breaches    []breach
	confirmed   *breach
	approaching []market.DrawdownReading
	stale       []string
}

func (g *Guardian) observe(now time.Time) cycle {
	c := cycle{now: now}
	ratio := decimal.NewFromFloat(g.cfg.Guardian.WarningRatio)

	for _, asset := range g.cfg.TrackedAssets() {
		for _, r := range g.eval.Evaluate(asset) {
			g.metrics.Drawdown(r)
			c.readings = append(c.readings, r)
			th, ok := g.cfg.Threshold(asset, r.Window)
			if !ok {
				continue
			}
			switch {
			case r.DrawdownPct.GreaterThanOrEqual(th):
				c.breaches = append(c.breaches, breach{reading: r, threshold: th, severity: r.DrawdownPct.Div(th)})
			case r.DrawdownPct.GreaterThanOrEqual(th.Mul(ratio)):
				c.approaching = append(c.approaching, r)
			}
		}
	}

	sort.SliceStable(c.breaches, func(i, j int) bool {
		return c.breaches[i].severity.GreaterThan(c.breaches[j].severity)
	})
	for i := range c.breaches {
		c.breaches[i].conf = g.monitor.Confirm(c.breaches[i].reading, now)
		if c.breaches[i].conf.Confirmed && c.confirmed == nil {
			c.confirmed = &c.breaches[i]
		}
	}
	c.stale = g.staleAssets(now)
	return c
}

// staleAssets lists primary assets with no sample within the staleness bound. Assets never
// seen only count once the startup grace has passed.
func (g *Guardian) staleAssets(now time.Time) []string {
	bound := g.cfg.Guardian.StalenessBound
	var stale []string
	for _, asset := range g.cfg.PrimaryAssets() {
		last, ok := g.windows.LastSeen(asset)
		if !ok {
			if now.Sub(g.startedAt) >= g.cfg.Guardian.StartupGrace {
				stale = append(stale, asset)
			}
			continue
		}
		if now.Sub(last) > bound {
			stale = append(stale, asset)
		}
	}
	return stale
}

// evaluate runs one cycle. At most one transition happens per cycle.
func (g *Guardian) evaluate(ctx context.Context, _ time.Time) error {
	now := g.now()
	c := g.observe(now)
	g.counters.LastCheckAt = now
	g.trackEpisode(c)

	var err error
	switch g.state {
	case market.StateSafe:
		err = g.fromSafe(ctx, c)
	case market.StateWarning:
		err = g.fromWarning(ctx, c)
	case market.StateTriggered:
		err = g.fromTriggered(ctx, c)
	case market.StateRecovering:
		err = g.fromRecovering(ctx, c)
	}
	if err != nil {
		return err
	}
	g.publish(ctx, now)
	return nil
}

func (g *Guardian) trackEpisode(c cycle) {
	ep := g.episode
	if ep == nil {
		return
	}
	if len(c.breaches) > 0 {
		ep.lastBreach = c.now
	}
	if ep.asset == "" {
		return
	}
	for _, r := range c.readings {
		if r.Asset != ep.asset {
			continue
		}
		if ep.trough.IsZero() || r.Price.LessThan(ep.trough) {
			ep.trough = r.Price
		}
		if r.DrawdownPct.GreaterThan(ep.maxDrawdown) {
			ep.maxDrawdown = r.DrawdownPct
		}
	}
}

func (g *Guardian) fromSafe(ctx context.Context, c cycle) error {
	if c.confirmed != nil {
		return g.trigger(ctx, c, *c.confirmed, false)
	}
	if ch, ok := g.warningChange(c); ok {
		_, err := g.commit(ctx, ch)
		return err
	}
	return nil
}

func (g *Guardian) fromWarning(ctx context.Context, c cycle) error {
	if c.confirmed != nil {
		return g.trigger(ctx, c, *c.confirmed, false)
	}
	if len(c.breaches) > 0 || len(c.approaching) > 0 || len(c.stale) > 0 {
		g.calmSince = time.Time{}
		return nil
	}
	if g.calmSince.IsZero() {
		g.calmSince = c.now
		return nil
	}
	clearAfter := g.cfg.Guardian.WarningClearAfter
	if c.now.Sub(g.calmSince) < clearAfter {
		return nil
	}
	_, err := g.commit(ctx, change{
		to:       market.StateSafe,
		reason:   fmt.Sprintf("readings below warning margin for %s", clearAfter),
		readings: c.readings,
		signals:  g.monitor.Signals(c.now),
	})
	return err
}

func (g *Guardian) fromTriggered(ctx context.Context, c cycle) error {
	ep := g.episode
	if len(c.breaches) > 0 || ep == nil {
		return nil
	}
	if ep.manual && !g.cfg.Guardian.AutoRecoverManual {
		return nil
	}
	a := g.assess(c)
	if !a.Satisfied() {
		return nil
	}
	g.recoveringSince = c.now
	g.recoveryHeld = false
	_, err := g.commit(ctx, change{
		to: market.StateRecovering,
		reason: fmt.Sprintf("recovery conditions met: no breach for %s, auxiliary signals calm, %s%% retraced",
			a.StabilizationElapsed.Round(time.Second), a.RecoveryPct.StringFixed(1)),
		asset:      ep.asset,
		readings:   c.readings,
		signals:    g.monitor.Signals(c.now),
		assessment: &a,
	})
	return err
}

func (g *Guardian) fromRecovering(ctx context.Context, c cycle) error {
	if c.confirmed != nil {
		return g.trigger(ctx, c, *c.confirmed, true)
	}
	if len(c.breaches) > 0 {
		g.recoveringSince = c.now
		g.logger.Warn().Str("breach", c.breaches[0].reading.String()).Msg("unconfirmed breach while recovering; recovery window restarted")
		return nil
	}
	if missing := g.missingData(c); len(missing) > 0 {
		// time without data is not time without a breach
		if !g.recoveryHeld {
			g.logger.Warn().Strs("missing", missing).Msg("data missing while recovering; recovery window restarted")
		}
		g.recoveryHeld = true
		g.recoveringSince = c.now
		return nil
	}
	g.recoveryHeld = false
	window := g.cfg.Recovery.RecoveryWindow
	if c.now.Sub(g.recoveringSince) < window {
		return nil
	}
	_, err := g.commit(ctx, change{
		to:       market.StateSafe,
		reason:   fmt.Sprintf("recovery window of %s elapsed without breach", window),
		readings: c.readings,
		signals:  g.monitor.Signals(c.now),
		summary:  g.closeEpisode(c.now),
	})
	return err
}

// missingData lists what the guardian cannot observe right now: silent primary assets,
// a silent triggering asset and auxiliary signal kinds with no fresh value.
func (g *Guardian) missingData(c cycle) []string {
	missing := append([]string(nil), c.stale...)
	scope := market.GlobalScope
	if ep := g.episode; ep != nil && ep.asset != "" {
		scope = ep.asset
		if !g.fresh(ep.asset, c.now) && !slices.Contains(missing, ep.asset) {
			missing = append(missing, ep.asset)
		}
	}
	for _, kind := range g.monitor.Missing(scope, c.now) {
		missing = append(missing, string(kind))
	}
	return missing
}

// fresh reports whether asset delivered a sample within the staleness bound.
func (g *Guardian) fresh(asset string, now time.Time) bool {
	last, ok := g.windows.LastSeen(asset)
	return ok && now.Sub(last) <= g.cfg.Guardian.StalenessBound
}

func (g *Guardian) trigger(ctx context.Context, c cycle, b breach, retrigger bool) error {
	r := b.reading
	ep := &episode{
		asset:       r.Asset,
		window:      r.Window,
		triggeredAt: c.now,
		lastBreach:  c.now,
		high:        r.High,
		trough:      r.Price,
		maxDrawdown: r.DrawdownPct,
	}
	if _, vol, ok := g.latest(r.Asset); ok {
		ep.volumeAtTop = vol
	}
	if prev := g.episode; prev != nil {
		ep.triggeredAt = prev.triggeredAt
		ep.maxDrawdown = decimal.Max(ep.maxDrawdown, prev.maxDrawdown)
	}
	g.episode = ep

	prefix := "confirmed breach"
	if retrigger {
		prefix = "confirmed breach during recovery"
	}
	readings := make([]market.DrawdownReading, 0, len(c.breaches))
	readings = append(readings, r)
	for _, other := range c.breaches {
		if other.reading.Asset != r.Asset || other.reading.Window != r.Window {
			readings = append(readings, other.reading)
		}
	}
	_, err := g.commit(ctx, change{
		to:            market.StateTriggered,
		reason:        fmt.Sprintf("%s: %s >= %s%% threshold; %s", prefix, r, b.threshold.String(), corroboration(b.conf)),
		asset:         r.Asset,
		readings:      readings,
		corroborating: b.conf.Readings,
		signals:       g.monitor.Signals(c.now),
	})
	return err
}

func corroboration(c confirm.Confirmation) string {
	parts := make([]string, 0, 2)
	if len(c.Readings) > 0 {
		srcs := make([]string, 0, len(c.Readings))
		for _, r := range c.Readings {
			srcs = append(srcs, r.Source)
		}
		parts = append(parts, fmt.Sprintf("%d sources agree (%s)", len(srcs), strings.Join(srcs, ", ")))
	}
	for _, sig := range c.Signals {
		parts = append(parts, fmt.Sprintf("%s %s", sig.Kind, sig.Value.StringFixed(2)))
	}
	return "corroborated by " + strings.Join(parts, ", ")
}

// warningChange decides SAFE -> WARNING: an unconfirmed breach, a reading inside the
// approaching margin, or silent primary data.
func (g *Guardian) warningChange(c cycle) (change, bool) {
	ch := change{to: market.StateWarning, signals: g.monitor.Signals(c.now)}
	switch {
	case len(c.breaches) > 0:
		b := c.breaches[0]
		why := "awaiting corroboration"
		if b.conf.Disagreement {
			why = "sources disagree"
		}
		ch.reason = fmt.Sprintf("unconfirmed breach: %s >= %s%% threshold (%s)", b.reading, b.threshold.String(), why)
		ch.asset = b.reading.Asset
		for _, b := range c.breaches {
			ch.readings = append(ch.readings, b.reading)
		}
		ch.corroborating = b.conf.Readings
	case len(c.approaching) > 0:
		r := c.approaching[0]
		ch.reason = fmt.Sprintf("approaching threshold: %s within %.0f%% of limit", r, g.cfg.Guardian.WarningRatio*100)
		ch.asset = r.Asset
		ch.readings = c.approaching
	case len(c.stale) > 0:
		ch.reason = fmt.Sprintf("stale data: no samples for %s within %s", strings.Join(c.stale, ", "), g.cfg.Guardian.StalenessBound)
		ch.readings = c.readings
	default:
		return change{}, false
	}
	return ch, true
}

// assess computes the recovery conditions of the current episode.
func (g *Guardian) assess(c cycle) market.RecoveryAssessment {
	ep := g.episode
	now := c.now
	a := market.RecoveryAssessment{
		Asset:                ep.asset,
		Since:                ep.lastBreach,
		StabilizationElapsed: now.Sub(ep.lastBreach),
		High:                 ep.high,
		Trough:               ep.trough,
		DataFresh:            len(c.stale) == 0,
	}
	a.Stabilized = a.StabilizationElapsed >= g.cfg.Recovery.StabilizationPeriod

	scope := ep.asset
	if scope == "" {
		scope = market.GlobalScope
	}
	a.SignalsCalm, _ = g.monitor.AuxiliaryCalm(scope, now)
	if sig, ok := g.monitor.Latest(market.SignalLiquidationVolume, scope, now); ok {
		v := sig.Value
		a.LiquidationRate = &v
	}

	if ep.asset == "" {
		// manual trigger with no market cause: nothing to retrace
		a.RecoveryPct = hundred
		a.PriceRecovered = true
		return a
	}

	price, vol, ok := g.latest(ep.asset)
	if !ok || !g.fresh(ep.asset, now) {
		a.DataFresh = false
		return a
	}
	a.Price = price
	a.RecoveryPct = Retracement(ep.high, ep.trough, price)
	a.PriceRecovered = a.RecoveryPct.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.Recovery.MinRecoveryPct))
	if ep.volumeAtTop.IsPositive() {
		a.VolumeRecoveryPct = vol.Div(ep.volumeAtTop).Mul(hundred)
	}
	return a
}

// Retracement is how much of the fall from high to trough price has recovered, in percent.
func Retracement(high, trough, price decimal.Decimal) decimal.Decimal {
	if !high.GreaterThan(trough) {
		if price.GreaterThanOrEqual(high) {
			return hundred
		}
		return decimal.Zero
	}
	pct := price.Sub(trough).Div(high.Sub(trough)).Mul(hundred)
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}

// latest returns the asset's last price and the volume of its shortest window.
func (g *Guardian) latest(asset string) (decimal.Decimal, decimal.Decimal, bool) {
	for _, d := range g.windows.Durations() {
		if w, ok := g.windows.Window(asset, d); ok {
			return w.Latest, w.VolumeSum, true
		}
	}
	return decimal.Decimal{}, decimal.Decimal{}, false
}
