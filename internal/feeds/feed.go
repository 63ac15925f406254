// Package feeds connects upstream market data to the guardian: exchange trade streams become
// price samples, the liquidation stream and the on-chain peg become confirmation signals.
package feeds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-guardian/internal/config"
	"crash-guardian/internal/market"
)

// Sink receives normalised observations. The guardian implements it.
type Sink interface {
	SubmitSample(ctx context.Context, s market.Sample) error
	SubmitSignal(ctx context.Context, s market.ConfirmationSignal) error
}

// Feed is one upstream connection. Run blocks until ctx ends or the connection drops.
type Feed interface {
	Name() string
	Run(ctx context.Context) error
}

// Build returns the feeds enabled in cfg.
func Build(cfg config.FeedsConfig, sink Sink, logger zerolog.Logger) []Feed {
	var out []Feed
	if cfg.Binance.Enabled && len(cfg.Binance.Symbols) > 0 {
		out = append(out, NewBinanceTrades(cfg.Binance.Symbols, sink, logger))
	}
	if cfg.Bybit.Enabled && len(cfg.Bybit.Symbols) > 0 {
		out = append(out, NewBybitTrades(cfg.Bybit.URL, cfg.Bybit.Symbols, sink, logger))
	}
	if cfg.Liquidations.Enabled && len(cfg.Liquidations.Symbols) > 0 {
		out = append(out, NewLiquidations(cfg.Liquidations, sink, logger))
	}
	if cfg.Peg.Enabled {
		out = append(out, NewPegMonitor(cfg.Peg, sink, logger))
	}
	return out
}

// Supervise runs feed until ctx is cancelled, reconnecting with exponential backoff.
func Supervise(ctx context.Context, feed Feed, logger zerolog.Logger) {
	log := logger.With().Str("component", "feed").Str("feed", feed.Name()).Logger()
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := feed.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.Duration()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("feed disconnected")
		} else {
			log.Info().Dur("retry_in", wait).Msg("feed closed; reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunAll supervises every feed and returns once all have stopped.
func RunAll(ctx context.Context, feeds []Feed, logger zerolog.Logger) {
	var wg sync.WaitGroup
	for _, f := range feeds {
		wg.Add(1)
		go func(f Feed) {
			defer wg.Done()
			Supervise(ctx, f, logger)
		}(f)
	}
	wg.Wait()
}

type trade struct {
	asset string
	price decimal.Decimal
	qty   decimal.Decimal
	at    time.Time
}

// batcher folds trades into one sample per asset per interval: the last price and the
// summed quantity. Exchanges print far more trades than the windows need.
type batcher struct {
	source string
	mu     sync.Mutex
	open   map[string]*market.Sample
}

func newBatcher(source string) *batcher {
	return &batcher{source: source, open: make(map[string]*market.Sample)}
}

func (b *batcher) add(t trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	asset := market.NormalizeAsset(t.asset)
	s := b.open[asset]
	if s == nil {
		fresh := market.NewSample(asset, t.price, t.qty, t.at, b.source)
		b.open[asset] = &fresh
		return
	}
	s.Volume = s.Volume.Add(t.qty)
	if !t.at.Before(s.Timestamp) {
		s.Price = t.price
		s.Timestamp = t.at.UTC()
	}
}

func (b *batcher) drain() []market.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]market.Sample, 0, len(b.open))
	for k, s := range b.open {
		out = append(out, *s)
		delete(b.open, k)
	}
	return out
}

// pump flushes the batcher into sink every interval until ctx ends.
func (b *batcher) pump(ctx context.Context, interval time.Duration, sink Sink, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range b.drain() {
				if err := sink.SubmitSample(ctx, s); err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("asset", s.Asset).Msg("submit sample failed")
					}
					return
				}
			}
		}
	}
}
