package feeds

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	binanceSource = "binance"
	batchInterval = time.Second
)

// BinanceTrades streams spot aggregate trades.
type BinanceTrades struct {
	symbols []string
	sink    Sink
	batch   *batcher
	logger  zerolog.Logger
}

// NewBinanceTrades builds the feed for symbols such as BTCUSDT.
func NewBinanceTrades(symbols []string, sink Sink, logger zerolog.Logger) *BinanceTrades {
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(s)))
	}
	return &BinanceTrades{
		symbols: upper,
		sink:    sink,
		batch:   newBatcher(binanceSource),
		logger:  logger.With().Str("component", "binance_trades").Logger(),
	}
}

func (f *BinanceTrades) Name() string { return "binance_trades" }

// Run subscribes every symbol and returns when any stream closes.
func (f *BinanceTrades) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.batch.pump(ctx, batchInterval, f.sink, f.logger)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	errc := make(chan error, len(f.symbols))
	handler := func(ev *binance.WsAggTradeEvent) {
		t, err := aggTrade(ev)
		if err != nil {
			f.logger.Debug().Err(err).Msg("skipping agg trade")
			return
		}
		f.batch.add(t)
	}
	errHandler := func(err error) {
		if err != nil {
			f.logger.Warn().Err(err).Msg("websocket error")
		}
	}

	stops := make([]chan struct{}, 0, len(f.symbols))
	dones := make([]chan struct{}, 0, len(f.symbols))
	defer func() {
		for i := range stops {
			close(stops[i])
			<-dones[i]
		}
	}()
	for _, sym := range f.symbols {
		doneC, stopC, err := binance.WsAggTradeServe(sym, handler, errHandler)
		if err != nil {
			return fmt.Errorf("subscribe %s agg trades: %w", sym, err)
		}
		stops = append(stops, stopC)
		dones = append(dones, doneC)
		go func(sym string, doneC chan struct{}) {
			<-doneC
			errc <- fmt.Errorf("%s agg trade stream closed", sym)
		}(sym, doneC)
	}
	f.logger.Info().Strs("symbols", f.symbols).Msg("binance trade streams subscribed")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func aggTrade(ev *binance.WsAggTradeEvent) (trade, error) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return trade{}, fmt.Errorf("parse price %q: %w", ev.Price, err)
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return trade{}, fmt.Errorf("parse quantity %q: %w", ev.Quantity, err)
	}
	return trade{
		asset: ev.Symbol,
		price: price,
		qty:   qty,
		at:    time.UnixMilli(ev.TradeTime).UTC(),
	}, nil
}
