package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSample is returned for samples that cannot be ingested.
var ErrInvalidSample = errors.New("market: invalid sample")

// Sample is a single normalised price/volume observation from one upstream feed.
type Sample struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// NewSample normalises identifiers and timestamps.
func NewSample(asset string, price, volume decimal.Decimal, ts time.Time, source string) Sample {
	return Sample{
		Asset:     NormalizeAsset(asset),
		Price:     price,
		Volume:    volume,
		Timestamp: ts.UTC(),
		Source:    strings.ToLower(strings.TrimSpace(source)),
	}
}

// Validate checks the invariants every ingested sample must hold.
func (s Sample) Validate() error {
	switch {
	case s.Asset == "":
		return fmt.Errorf("%w: missing asset", ErrInvalidSample)
	case s.Source == "":
		return fmt.Errorf("%w: missing source for %s", ErrInvalidSample, s.Asset)
	case !s.Price.IsPositive():
		return fmt.Errorf("%w: non-positive price %s for %s", ErrInvalidSample, s.Price, s.Asset)
	case s.Volume.IsNegative():
		return fmt.Errorf("%w: negative volume %s for %s", ErrInvalidSample, s.Volume, s.Asset)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp for %s", ErrInvalidSample, s.Asset)
	}
	return nil
}

// NormalizeAsset canonicalises an asset identifier ("btcusdt " -> "BTCUSDT").
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// SignalKind names an auxiliary confirmation metric.
type SignalKind string

const (
	// SignalLiquidationVolume is aggregate liquidation notional over a trailing window.
	SignalLiquidationVolume SignalKind = "liquidation_volume"
	// SignalPegDeviation is the absolute stable-asset deviation from its peg, in percent.
	SignalPegDeviation SignalKind = "peg_deviation"
)

// GlobalScope marks a signal that is not tied to a single asset.
const GlobalScope = "*"

// ConfirmationSignal is an independent secondary metric used to corroborate a breach.
type ConfirmationSignal struct {
	Kind   SignalKind      `json:"kind"`
	Scope  string          `json:"scope"`
	Value  decimal.Decimal `json:"value"`
	At     time.Time       `json:"at"`
	Source string          `json:"source,omitempty"`
}

// Validate checks a signal before it is handed to the confirmation monitor.
func (c ConfirmationSignal) Validate() error {
	if c.Kind == "" {
		return errors.New("market: signal kind missing")
	}
	if c.At.IsZero() {
		return fmt.Errorf("market: signal %s missing timestamp", c.Kind)
	}
	if c.Value.IsNegative() {
		return fmt.Errorf("market: signal %s has negative value %s", c.Kind, c.Value)
	}
	return nil
}

// DrawdownReading is the drawdown of one asset over one window at a point in time.
type DrawdownReading struct {
	Asset       string          `json:"asset"`
	Source      string          `json:"source,omitempty"`
	Window      time.Duration   `json:"window"`
	DrawdownPct decimal.Decimal `json:"drawdown_pct"`
	High        decimal.Decimal `json:"high"`
	Price       decimal.Decimal `json:"price"`
	At          time.Time       `json:"at"`
}

// String renders a compact human-readable form used in transition reasons.
func (r DrawdownReading) String() string {
	return fmt.Sprintf("%s %s drawdown %s%% (high %s, last %s)",
		r.Asset, FormatWindow(r.Window), r.DrawdownPct.StringFixed(2), r.High.String(), r.Price.String())
}

// FormatWindow prints durations the way they are configured ("5m", "1h", "4h").
func FormatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
