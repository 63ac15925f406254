package feeds

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-guardian/internal/config"
	"crash-guardian/internal/market"
)

// Liquidations turns the Binance futures force-order stream into a trailing notional sum,
// reported as a market-wide liquidation_volume signal.
type Liquidations struct {
	symbols  []string
	window   time.Duration
	interval time.Duration
	sink     Sink
	tally    *tally
	now      func() time.Time
	logger   zerolog.Logger
}

// NewLiquidations builds the feed.
func NewLiquidations(cfg config.LiquidationConfig, sink Sink, logger zerolog.Logger) *Liquidations {
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	interval := cfg.EmitInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	upper := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(s)))
	}
	return &Liquidations{
		symbols:  upper,
		window:   window,
		interval: interval,
		sink:     sink,
		tally:    &tally{},
		now:      time.Now,
		logger:   logger.With().Str("component", "liquidations").Logger(),
	}
}

func (f *Liquidations) Name() string { return "binance_liquidations" }

func (f *Liquidations) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := func(ev *futures.WsLiquidationOrderEvent) {
		amount, at, err := liquidationNotional(ev)
		if err != nil {
			f.logger.Debug().Err(err).Msg("skipping liquidation event")
			return
		}
		f.tally.add(at, amount)
	}
	errHandler := func(err error) {
		if err != nil {
			f.logger.Warn().Err(err).Msg("websocket error")
		}
	}

	errc := make(chan error, len(f.symbols))
	for _, sym := range f.symbols {
		doneC, stopC, err := futures.WsLiquidationOrderServe(sym, handler, errHandler)
		if err != nil {
			return fmt.Errorf("subscribe %s liquidations: %w", sym, err)
		}
		go func(sym string) {
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
			case <-doneC:
				close(stopC)
				errc <- fmt.Errorf("%s liquidation stream closed", sym)
			}
		}(sym)
	}
	f.logger.Info().Strs("symbols", f.symbols).Dur("window", f.window).Msg("liquidation streams subscribed")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-ticker.C:
			if err := f.emit(ctx); err != nil {
				return err
			}
		}
	}
}

func (f *Liquidations) emit(ctx context.Context) error {
	now := f.now().UTC()
	sig := market.ConfirmationSignal{
		Kind:   market.SignalLiquidationVolume,
		Scope:  market.GlobalScope,
		Value:  f.tally.sum(now.Add(-f.window)),
		At:     now,
		Source: "binance_futures",
	}
	if err := f.sink.SubmitSignal(ctx, sig); err != nil {
		return fmt.Errorf("submit liquidation signal: %w", err)
	}
	return nil
}

func liquidationNotional(ev *futures.WsLiquidationOrderEvent) (decimal.Decimal, time.Time, error) {
	o := ev.LiquidationOrder
	priceText := o.AvgPrice
	if priceText == "" || priceText == "0" {
		priceText = o.Price
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("parse price %q: %w", priceText, err)
	}
	qtyText := o.AccumulatedFilledQty
	if qtyText == "" || qtyText == "0" {
		qtyText = o.OrigQuantity
	}
	qty, err := decimal.NewFromString(qtyText)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("parse quantity %q: %w", qtyText, err)
	}
	at := time.UnixMilli(o.TradeTime).UTC()
	if o.TradeTime == 0 {
		at = time.UnixMilli(ev.Time).UTC()
	}
	return price.Mul(qty), at, nil
}

// tally is a trailing sum of liquidated notional.
type tally struct {
	mu      sync.Mutex
	entries []tallyEntry
}

type tallyEntry struct {
	at     time.Time
	amount decimal.Decimal
}

func (t *tally) add(at time.Time, amount decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, tallyEntry{at: at, amount: amount})
}

// sum drops entries older than cutoff and totals the rest.
func (t *tally) sum(cutoff time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	total := decimal.Zero
	for _, e := range t.entries {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		total = total.Add(e.amount)
	}
	t.entries = kept
	return total
}
