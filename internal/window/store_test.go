package window

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-guardian/internal/market"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(durations ...time.Duration) *Store {
	return NewStore(Options{
		Durations:     durations,
		FutureSkew:    5 * time.Second,
		LateTolerance: time.Minute,
		Clock:         func() time.Time { return base.Add(24 * time.Hour) },
	})
}

func sample(asset, source string, offset time.Duration, price int64) market.Sample {
	return market.NewSample(asset, decimal.NewFromInt(price), decimal.NewFromInt(1), base.Add(offset), source)
}

func TestHighFallsBackToNextCandidateOnEviction(t *testing.T) {
	s := newTestStore(10 * time.Minute)

	for _, in := range []market.Sample{
		sample("BTC", "a", 0, 100),
		sample("BTC", "a", 2*time.Minute, 90),
		sample("BTC", "a", 4*time.Minute, 95),
		sample("BTC", "a", 6*time.Minute, 85),
	} {
		_, err := s.Ingest(in)
		require.NoError(t, err)
	}

	w, ok := s.Window("BTC", 10*time.Minute)
	require.True(t, ok)
	assert.True(t, w.High.Equal(decimal.NewFromInt(100)))
	assert.True(t, w.Low.Equal(decimal.NewFromInt(85)))

	// pushes the 100 high out of the window; 95 is the best remaining candidate
	_, err := s.Ingest(sample("BTC", "a", 11*time.Minute, 80))
	require.NoError(t, err)

	w, _ = s.Window("BTC", 10*time.Minute)
	assert.True(t, w.High.Equal(decimal.NewFromInt(95)), "high %s", w.High)
	assert.Equal(t, base.Add(4*time.Minute), w.HighAt)
	assert.True(t, w.Low.Equal(decimal.NewFromInt(80)))
	assert.True(t, w.Latest.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, 4, w.SampleCount)
	assert.True(t, w.VolumeSum.Equal(decimal.NewFromInt(4)))
}

func TestOutOfOrderSampleLandsAtLogicalPosition(t *testing.T) {
	s := newTestStore(5 * time.Minute)

	_, err := s.Ingest(sample("ETH", "a", 0, 10))
	require.NoError(t, err)
	_, err = s.Ingest(sample("ETH", "a", 40*time.Second, 12))
	require.NoError(t, err)
	// arrives late but within tolerance, and is the highest print
	_, err = s.Ingest(sample("ETH", "a", 20*time.Second, 15))
	require.NoError(t, err)

	w, ok := s.Window("ETH", 5*time.Minute)
	require.True(t, ok)
	assert.True(t, w.High.Equal(decimal.NewFromInt(15)))
	assert.True(t, w.Latest.Equal(decimal.NewFromInt(12)), "latest must stay the newest timestamp")
	assert.Equal(t, base.Add(40*time.Second), w.LatestAt)
}

func TestDuplicateSampleIsIdempotent(t *testing.T) {
	s := newTestStore(time.Hour)
	in := sample("BTC", "a", time.Minute, 50850)

	added, err := s.Ingest(in)
	require.NoError(t, err)
	require.True(t, added)
	before, _ := s.Window("BTC", time.Hour)

	added, err = s.Ingest(in)
	require.NoError(t, err)
	assert.False(t, added)
	after, _ := s.Window("BTC", time.Hour)
	assert.Equal(t, before, after)
}

func TestSkewTolerances(t *testing.T) {
	s := newTestStore(time.Hour)
	s.opts.Clock = func() time.Time { return base }

	_, err := s.Ingest(sample("BTC", "a", time.Minute, 1))
	assert.True(t, errors.Is(err, ErrFutureSample))

	_, err = s.Ingest(sample("BTC", "a", 0, 1))
	require.NoError(t, err)
	_, err = s.Ingest(sample("BTC", "a", -2*time.Minute, 1))
	assert.True(t, errors.Is(err, ErrLateSample))
}

func TestSourcesAreTrackedSeparately(t *testing.T) {
	s := newTestStore(time.Hour)
	_, _ = s.Ingest(sample("BTC", "binance", 0, 100))
	_, _ = s.Ingest(sample("BTC", "bybit", time.Second, 80))

	agg, _ := s.Window("BTC", time.Hour)
	assert.True(t, agg.High.Equal(decimal.NewFromInt(100)))
	assert.True(t, agg.Latest.Equal(decimal.NewFromInt(80)))

	bybit, ok := s.SourceWindow("BTC", "bybit", time.Hour)
	require.True(t, ok)
	assert.True(t, bybit.High.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, []string{"binance", "bybit"}, s.Sources("BTC"))
}

func TestLaggingSourceKeepsItsOwnSeries(t *testing.T) {
	s := newTestStore(time.Hour)
	_, err := s.Ingest(sample("BTC", "binance", 5*time.Minute, 100))
	require.NoError(t, err)

	// bybit runs two minutes behind binance, beyond the late tolerance of the aggregate
	added, err := s.Ingest(sample("BTC", "bybit", 3*time.Minute, 90))
	require.NoError(t, err)
	assert.True(t, added)

	agg, _ := s.Window("BTC", time.Hour)
	assert.Equal(t, 1, agg.SampleCount)
	assert.True(t, agg.Low.Equal(decimal.NewFromInt(100)))

	bybit, ok := s.SourceWindow("BTC", "bybit", time.Hour)
	require.True(t, ok)
	assert.True(t, bybit.Latest.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, []string{"binance", "bybit"}, s.Sources("BTC"))

	// the source's own tolerance still applies
	_, err = s.Ingest(sample("BTC", "bybit", time.Minute, 95))
	assert.True(t, errors.Is(err, ErrLateSample))
}

func TestResizeReplaysHistory(t *testing.T) {
	s := newTestStore(time.Hour)
	_, _ = s.Ingest(sample("BTC", "a", 0, 100))
	_, _ = s.Ingest(sample("BTC", "a", 30*time.Minute, 90))

	s.Resize([]time.Duration{10 * time.Minute, time.Hour})
	short, ok := s.Window("BTC", 10*time.Minute)
	require.True(t, ok)
	assert.True(t, short.High.Equal(decimal.NewFromInt(90)))
	long, _ := s.Window("BTC", time.Hour)
	assert.True(t, long.High.Equal(decimal.NewFromInt(100)))
}

func TestStoreMatchesBruteForce(t *testing.T) {
	const d = 3 * time.Minute
	s := newTestStore(d)
	rng := rand.New(rand.NewSource(7))

	type accepted struct {
		ts    time.Time
		price int64
	}
	var all []accepted
	var latest time.Time
	cursor := time.Duration(0)

	for i := 0; i < 2000; i++ {
		cursor += time.Duration(rng.Intn(5000)) * time.Millisecond
		offset := cursor
		if rng.Intn(4) == 0 {
			offset -= time.Duration(rng.Intn(50)) * time.Second
		}
		price := int64(900 + rng.Intn(200))
		in := sample("SOL", "a", offset, price)

		_, err := s.Ingest(in)
		if err != nil {
			require.True(t, errors.Is(err, ErrLateSample))
			continue
		}
		if in.Timestamp.After(latest) {
			latest = in.Timestamp
		}
		all = append(all, accepted{ts: in.Timestamp, price: price})

		cutoff := latest.Add(-d)
		var high, low int64 = -1, 1 << 62
		for _, a := range all {
			if a.ts.Before(cutoff) {
				continue
			}
			if a.price > high {
				high = a.price
			}
			if a.price < low {
				low = a.price
			}
		}
		w, ok := s.Window("SOL", d)
		require.True(t, ok)
		require.True(t, w.High.Equal(decimal.NewFromInt(high)), "step %d: high %s want %d", i, w.High, high)
		require.True(t, w.Low.Equal(decimal.NewFromInt(low)), "step %d: low %s want %d", i, w.Low, low)
	}
}
