// Package drawdown turns rolling windows into drawdown readings. It holds no state of
// its own and performs no I/O.
package drawdown

import (
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/market"
	"crash-guardian/internal/window"
)

var hundred = decimal.NewFromInt(100)

// WindowReader is the subset of the window store the evaluator needs.
type WindowReader interface {
	Durations() []time.Duration
	SourceWindow(asset, source string, duration time.Duration) (window.Window, bool)
}

// Evaluator computes drawdown readings from the current windows.
type Evaluator struct {
	windows WindowReader
}

// New constructs an evaluator over a window reader.
func New(windows WindowReader) *Evaluator {
	return &Evaluator{windows: windows}
}

// Evaluate returns one reading per configured window for the asset's aggregate series.
// Windows without samples are skipped.
func (e *Evaluator) Evaluate(asset string) []market.DrawdownReading {
	return e.EvaluateSource(asset, window.Aggregate)
}

// EvaluateSource returns the readings of a single source.
func (e *Evaluator) EvaluateSource(asset, source string) []market.DrawdownReading {
	durations := e.windows.Durations()
	out := make([]market.DrawdownReading, 0, len(durations))
	for _, d := range durations {
		w, ok := e.windows.SourceWindow(asset, source, d)
		if !ok {
			continue
		}
		out = append(out, Reading(w))
	}
	return out
}

// Reading computes the drawdown of the latest price against the window high.
func Reading(w window.Window) market.DrawdownReading {
	return market.DrawdownReading{
		Asset:       w.Asset,
		Source:      w.Source,
		Window:      w.Duration,
		DrawdownPct: Percent(w.High, w.Latest),
		High:        w.High,
		Price:       w.Latest,
		At:          w.LatestAt,
	}
}

// Percent is (high - price) / high * 100, clamped at zero once price reaches the high.
func Percent(high, price decimal.Decimal) decimal.Decimal {
	if !high.IsPositive() || price.GreaterThanOrEqual(high) {
		return decimal.Zero
	}
	return high.Sub(price).Div(high).Mul(hundred)
}
