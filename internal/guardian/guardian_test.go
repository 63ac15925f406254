package guardian

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-guardian/internal/config"
	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/market"
)

var base = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	clock   atomic.Int64
	cfg     *config.Config
	log     *eventlog.MemoryLog
	backend *MemoryBackend
	gate    *gate.Gate
	g       *Guardian
	errc    chan error
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Assets = []config.AssetConfig{{ID: "BTCUSDT", Primary: true}}
	cfg.Guardian.ExposureUSD = 100000
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	return startHarness(t, testConfig(t, mutate), eventlog.NewMemoryLog(), NewMemoryBackend(), base)
}

func startHarness(t *testing.T, cfg *config.Config, log *eventlog.MemoryLog, backend *MemoryBackend, at time.Time) *harness {
	t.Helper()
	h := &harness{t: t, cfg: cfg, log: log, backend: backend, gate: gate.New(), errc: make(chan error, 1)}
	h.clock.Store(at.UnixNano())

	g, err := New(Options{
		Config:  cfg,
		Log:     log,
		Gate:    h.gate,
		Backend: backend,
		Clock:   h.now,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	h.g = g

	h.ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.errc <- g.Run(h.ctx) }()
	t.Cleanup(h.stop)
	require.NoError(t, g.Flush(h.ctx))
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.g.done
}

func (h *harness) now() time.Time { return time.Unix(0, h.clock.Load()).UTC() }

func (h *harness) advance(d time.Duration) { h.clock.Add(int64(d)) }

func (h *harness) feed(source string, price int64) {
	h.t.Helper()
	h.feedAsset("BTCUSDT", source, price)
}

func (h *harness) feedAsset(asset, source string, price int64) {
	h.t.Helper()
	s := market.NewSample(asset, decimal.NewFromInt(price), decimal.NewFromInt(10), h.now(), source)
	require.NoError(h.t, h.g.SubmitSample(h.ctx, s))
}

func (h *harness) liquidations(value float64) {
	h.t.Helper()
	require.NoError(h.t, h.g.SubmitSignal(h.ctx, market.ConfirmationSignal{
		Kind:  market.SignalLiquidationVolume,
		Scope: market.GlobalScope,
		Value: decimal.NewFromFloat(value),
		At:    h.now(),
	}))
}

func (h *harness) tick() market.State {
	h.t.Helper()
	require.NoError(h.t, h.g.Tick(h.ctx, h.now()))
	require.NoError(h.t, h.g.Flush(h.ctx))
	return h.gate.CurrentState().Status
}

func (h *harness) lastEvent() eventlog.TriggerEvent {
	h.t.Helper()
	events := h.log.Events()
	require.NotEmpty(h.t, events)
	return events[len(events)-1]
}

// flat feeds both sources at price once a minute for n minutes.
func (h *harness) flat(n int, price int64, sources ...string) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.advance(time.Minute)
		for _, src := range sources {
			h.feed(src, price)
		}
		require.Equal(h.t, market.StateSafe, h.tick())
	}
}

func TestGateUnavailableUntilRestored(t *testing.T) {
	g := gate.New()
	assert.Equal(t, market.StateUnavailable, g.CurrentState().Status)

	h := newHarness(t, nil)
	snap := h.gate.CurrentState()
	assert.Equal(t, market.StateSafe, snap.Status)
	assert.True(t, h.gate.Allow())
	assert.Empty(t, h.log.Events(), "a clean start writes no events")
}

func TestConfirmedCrashAcrossSourcesTriggers(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(30, 50000, "binance", "bybit")

	h.advance(time.Minute)
	h.feed("binance", 42000)
	h.feed("bybit", 42100)
	require.Equal(t, market.StateTriggered, h.tick())

	ev := h.lastEvent()
	assert.Equal(t, market.StateSafe, ev.From)
	assert.Equal(t, market.StateTriggered, ev.To)
	assert.Equal(t, "BTCUSDT", ev.Asset)
	assert.Contains(t, ev.Reason, "2 sources agree")
	assert.Len(t, ev.CorroboratingReadings, 2)
	require.NotEmpty(t, ev.TriggerReadings)
	assert.True(t, ev.TriggerReadings[0].DrawdownPct.GreaterThanOrEqual(decimal.NewFromInt(8)))

	snap := h.gate.CurrentState()
	assert.Equal(t, ev.ID, snap.EventID)
	assert.False(t, h.gate.Allow())

	stats := h.g.Stats()
	assert.EqualValues(t, 1, stats.TotalTriggers)
	assert.Equal(t, ev.ID, stats.LastTriggerID)
}

func TestSingleSourceDipOnlyWarns(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(30, 50000, "binance", "bybit")

	h.advance(time.Minute)
	h.feed("bybit", 50000)
	h.feed("binance", 42000)
	require.Equal(t, market.StateWarning, h.tick())
	ev := h.lastEvent()
	assert.Contains(t, ev.Reason, "unconfirmed breach")
	assert.Contains(t, ev.Reason, "sources disagree")
	assert.Len(t, h.log.Events(), 1)

	// the print heals; WARNING holds for the clear period, then drops to SAFE
	var cleared time.Time
	for i := 0; i < 15; i++ {
		h.advance(time.Minute)
		h.feed("bybit", 50000)
		h.feed("binance", 50000)
		if h.tick() == market.StateSafe {
			cleared = h.now()
			break
		}
	}
	require.False(t, cleared.IsZero(), "warning never cleared")
	assert.Equal(t, base.Add(31*time.Minute).Add(11*time.Minute), cleared)
	assert.Equal(t, market.StateSafe, h.lastEvent().To)
}

func TestWarningClearRestartsOnRenewedStress(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(30, 50000, "binance", "bybit")

	h.advance(time.Minute)
	h.feed("bybit", 50000)
	h.feed("binance", 42000)
	require.Equal(t, market.StateWarning, h.tick())

	for i := 0; i < 8; i++ {
		h.advance(time.Minute)
		h.feed("bybit", 50000)
		h.feed("binance", 50000)
		require.Equal(t, market.StateWarning, h.tick())
	}
	// renewed stress on one source restarts the clear period
	h.advance(time.Minute)
	h.feed("bybit", 50000)
	h.feed("binance", 43500)
	require.Equal(t, market.StateWarning, h.tick())

	for i := 0; i < 10; i++ {
		h.advance(time.Minute)
		h.feed("bybit", 50000)
		h.feed("binance", 50000)
		require.Equal(t, market.StateWarning, h.tick(), "minute %d", i)
	}
	h.advance(time.Minute)
	h.feed("bybit", 50000)
	h.feed("binance", 50000)
	assert.Equal(t, market.StateSafe, h.tick())
}

func TestFullCycleWithLiquidationConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.feed("binance", 50850)
	h.flat(30, 50850, "binance")

	h.advance(time.Minute)
	h.feed("binance", 42150)
	h.liquidations(8e8)
	require.Equal(t, market.StateTriggered, h.tick())
	trigger := h.lastEvent()
	assert.Contains(t, trigger.Reason, "liquidation_volume")
	require.Len(t, trigger.ConfirmationSignals, 1)
	triggeredAt := h.now()

	for i := 0; i < 4; i++ {
		h.advance(time.Minute)
		h.feed("binance", 42150)
		require.Equal(t, market.StateTriggered, h.tick())
	}
	lastBreach := h.now()

	var recovering eventlog.TriggerEvent
	for i := 0; i < 40; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		h.liquidations(5e7)
		if h.tick() == market.StateRecovering {
			recovering = h.lastEvent()
			break
		}
	}
	require.Equal(t, market.StateRecovering, recovering.To)
	assert.Equal(t, lastBreach.Add(30*time.Minute), recovering.At)
	require.NotNil(t, recovering.Assessment)
	a := recovering.Assessment
	assert.True(t, a.Satisfied())
	assert.Equal(t, "46.8", a.RecoveryPct.StringFixed(1))
	assert.True(t, a.High.Equal(decimal.NewFromInt(50850)))
	assert.True(t, a.Trough.Equal(decimal.NewFromInt(42150)))
	require.NotNil(t, a.LiquidationRate)
	assert.False(t, h.gate.Allow(), "RECOVERING still blocks new positions")

	recoveringAt := h.now()
	var safe eventlog.TriggerEvent
	for i := 0; i < 130; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		h.liquidations(5e7)
		if h.tick() == market.StateSafe {
			safe = h.lastEvent()
			break
		}
	}
	require.Equal(t, market.StateSafe, safe.To)
	assert.Equal(t, recoveringAt.Add(2*time.Hour), safe.At)
	require.NotNil(t, safe.Summary)
	assert.Equal(t, safe.At.Sub(triggeredAt), safe.Summary.Downtime)
	assert.Equal(t, "17.11", safe.Summary.MaxDrawdownPct.StringFixed(2))
	assert.Equal(t, "17109.14", safe.Summary.CapitalProtected.StringFixed(2))
	assert.True(t, h.gate.Allow())

	stats := h.g.Stats()
	assert.Equal(t, safe.Summary.Downtime, stats.TotalDowntime)
	assert.Len(t, h.log.Events(), 3)
}

func TestRecoveringReturnsToTriggeredOnConfirmedBreach(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Recovery.StabilizationPeriod = 5 * time.Minute
	})
	h.flat(30, 50850, "binance")

	h.advance(time.Minute)
	h.feed("binance", 42150)
	h.liquidations(8e8)
	require.Equal(t, market.StateTriggered, h.tick())

	state := market.StateTriggered
	for i := 0; i < 10 && state != market.StateRecovering; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		h.liquidations(5e7)
		state = h.tick()
	}
	require.Equal(t, market.StateRecovering, state)

	h.advance(time.Minute)
	h.feed("binance", 38000)
	h.liquidations(9e8)
	require.Equal(t, market.StateTriggered, h.tick())
	ev := h.lastEvent()
	assert.Equal(t, market.StateRecovering, ev.From)
	assert.Contains(t, ev.Reason, "during recovery")
	assert.EqualValues(t, 2, h.g.Stats().TotalTriggers)
}

func TestNoRecoveryWithoutCalmSignals(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Recovery.StabilizationPeriod = 5 * time.Minute
	})
	h.flat(30, 50850, "binance")
	h.advance(time.Minute)
	h.feed("binance", 42150)
	h.liquidations(8e8)
	require.Equal(t, market.StateTriggered, h.tick())

	// price recovers but no liquidation reading arrives: missing signals are not calm
	for i := 0; i < 20; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		require.Equal(t, market.StateTriggered, h.tick())
	}
}

// enterRecovering crashes BTCUSDT with a liquidation spike and feeds a calm market until
// the guardian starts recovering.
func (h *harness) enterRecovering() {
	h.t.Helper()
	h.flat(30, 50850, "binance")
	h.advance(time.Minute)
	h.feed("binance", 42150)
	h.liquidations(8e8)
	require.Equal(h.t, market.StateTriggered, h.tick())

	state := market.StateTriggered
	for i := 0; i < 10 && state != market.StateRecovering; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		h.liquidations(5e7)
		state = h.tick()
	}
	require.Equal(h.t, market.StateRecovering, state)
}

func TestRecoveryHeldWhileSignalsSilent(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Recovery.StabilizationPeriod = 5 * time.Minute
	})
	h.enterRecovering()

	// prices keep flowing but the liquidation stream stops
	for i := 0; i < 150; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		require.Equal(t, market.StateRecovering, h.tick(), "minute %d", i+1)
	}

	// the recovery window only counts from the last cycle without data
	lastGap := h.now()
	var safe eventlog.TriggerEvent
	for i := 0; i < 130; i++ {
		h.advance(time.Minute)
		h.feed("binance", 46220)
		h.liquidations(5e7)
		if h.tick() == market.StateSafe {
			safe = h.lastEvent()
			break
		}
	}
	require.Equal(t, market.StateSafe, safe.To)
	assert.Equal(t, lastGap.Add(2*time.Hour), safe.At)
}

func TestRecoveryHeldWhileTriggeringAssetSilent(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Assets = []config.AssetConfig{{ID: "BTCUSDT", Primary: true}, {ID: "SOLUSDT"}}
		c.Recovery.StabilizationPeriod = 5 * time.Minute
	})
	for i := 0; i < 30; i++ {
		h.advance(time.Minute)
		h.feed("binance", 50000)
		h.feedAsset("SOLUSDT", "binance", 200)
		require.Equal(t, market.StateSafe, h.tick())
	}

	h.advance(time.Minute)
	h.feed("binance", 50000)
	h.feedAsset("SOLUSDT", "binance", 160)
	h.liquidations(8e8)
	require.Equal(t, market.StateTriggered, h.tick())
	require.Equal(t, "SOLUSDT", h.lastEvent().Asset)

	state := market.StateTriggered
	for i := 0; i < 10 && state != market.StateRecovering; i++ {
		h.advance(time.Minute)
		h.feed("binance", 50000)
		h.feedAsset("SOLUSDT", "binance", 185)
		h.liquidations(5e7)
		state = h.tick()
	}
	require.Equal(t, market.StateRecovering, state)

	// SOLUSDT is not primary, yet its silence must still hold the halt
	for i := 0; i < 150; i++ {
		h.advance(time.Minute)
		h.feed("binance", 50000)
		h.liquidations(5e7)
		require.Equal(t, market.StateRecovering, h.tick(), "minute %d", i+1)
	}
	assert.False(t, h.gate.Allow())
}

func TestDefaultConfigCompletesFullCycle(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.CheckSignalSources())
	h := startHarness(t, cfg, eventlog.NewMemoryLog(), NewMemoryBackend(), base)

	step := func(btc int64, liq float64) market.State {
		h.advance(time.Minute)
		for _, src := range []string{"binance", "bybit"} {
			h.feed(src, btc)
			h.feedAsset("ETHUSDT", src, 3000)
		}
		h.liquidations(liq)
		return h.tick()
	}
	for i := 0; i < 30; i++ {
		require.Equal(t, market.StateSafe, step(50000, 1e6))
	}
	require.Equal(t, market.StateTriggered, step(41000, 8e8))

	state := market.StateTriggered
	for i := 0; i < 60 && state == market.StateTriggered; i++ {
		state = step(50000, 1e6)
	}
	require.Equal(t, market.StateRecovering, state)
	for i := 0; i < 130 && state == market.StateRecovering; i++ {
		state = step(50000, 1e6)
	}
	assert.Equal(t, market.StateSafe, state)
	assert.True(t, h.gate.Allow())
}

func TestReconfigureAppliesBetweenTicks(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(30, 50000, "binance", "bybit")

	// a 5% slide is below every default threshold and the warning margin
	h.advance(time.Minute)
	h.feed("binance", 47500)
	h.feed("bybit", 47500)
	require.Equal(t, market.StateSafe, h.tick())

	invalid := testConfig(t, nil)
	invalid.Thresholds = map[string]float64{"5m": 140, "1h": 15, "4h": 20}
	require.Error(t, h.g.Reconfigure(h.ctx, invalid))

	tighter := testConfig(t, func(c *config.Config) {
		c.Windows = []time.Duration{5 * time.Minute, 10 * time.Minute, time.Hour}
		c.Thresholds = map[string]float64{"5m": 4, "10m": 4, "1h": 15}
	})
	require.NoError(t, h.g.Reconfigure(h.ctx, tighter))

	h.advance(time.Minute)
	h.feed("binance", 47500)
	h.feed("bybit", 47500)
	require.Equal(t, market.StateTriggered, h.tick())
	ev := h.lastEvent()
	require.NotEmpty(t, ev.TriggerReadings)
	assert.Contains(t, []time.Duration{5 * time.Minute, 10 * time.Minute}, ev.TriggerReadings[0].Window)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, time.Hour}, h.g.windows.Durations())
}

func TestStaleDataFailsSafe(t *testing.T) {
	h := newHarness(t, nil)

	// startup grace: no data yet is not stale
	h.advance(time.Minute)
	require.Equal(t, market.StateSafe, h.tick())
	h.advance(time.Minute)
	require.Equal(t, market.StateWarning, h.tick())
	assert.Contains(t, h.lastEvent().Reason, "stale data")
}

func TestStaleDataHoldsHalt(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Recovery.StabilizationPeriod = 2 * time.Minute
	})
	h.flat(30, 50850, "binance")
	h.advance(time.Minute)
	h.feed("binance", 42150)
	h.liquidations(8e8)
	require.Equal(t, market.StateTriggered, h.tick())

	h.advance(time.Minute)
	h.feed("binance", 46220)
	h.liquidations(5e7)
	require.Equal(t, market.StateTriggered, h.tick())

	// the feed goes silent; calm signals alone must not reopen trading
	for i := 0; i < 10; i++ {
		h.advance(time.Minute)
		h.liquidations(5e7)
		require.Equal(t, market.StateTriggered, h.tick())
	}
}

func TestManualOverrideThroughGate(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(5, 50000, "binance", "bybit")

	ev, err := h.gate.ManualOverride(context.Background(), market.StateTriggered, "ops-1", "exchange outage")
	require.NoError(t, err)
	assert.True(t, ev.Manual)
	assert.Equal(t, "ops-1", ev.Operator)
	assert.Equal(t, "manual override by ops-1: exchange outage", ev.Reason)

	snap := h.gate.CurrentState()
	assert.Equal(t, market.StateTriggered, snap.Status)
	assert.Equal(t, ev.ID, snap.EventID)

	// calm markets do not lift a manual halt
	for i := 0; i < 90; i++ {
		h.advance(time.Minute)
		h.feed("binance", 50000)
		h.feed("bybit", 50000)
		h.liquidations(1e6)
		require.Equal(t, market.StateTriggered, h.tick())
	}

	ev, err = h.gate.ManualOverride(context.Background(), market.StateSafe, "ops-1", "venue back")
	require.NoError(t, err)
	assert.Equal(t, market.StateSafe, h.gate.CurrentState().Status)
	require.NotNil(t, ev.Summary)
	assert.Equal(t, 90*time.Minute, ev.Summary.Downtime)
}

func TestManualOverrideAutoRecoversWhenAllowed(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Guardian.AutoRecoverManual = true
		c.Recovery.StabilizationPeriod = 10 * time.Minute
	})
	h.flat(5, 50000, "binance", "bybit")

	_, err := h.g.Override(h.ctx, gate.OverrideRequest{Target: market.StateTriggered, Operator: "ops", Reason: "drill"})
	require.NoError(t, err)

	state := market.StateTriggered
	for i := 0; i < 15 && state == market.StateTriggered; i++ {
		h.advance(time.Minute)
		h.feed("binance", 50000)
		h.feed("bybit", 50000)
		h.liquidations(1e6)
		state = h.tick()
	}
	assert.Equal(t, market.StateRecovering, state)
}

func TestOverrideToSameStateIsLogged(t *testing.T) {
	h := newHarness(t, nil)
	ev, err := h.g.Override(h.ctx, gate.OverrideRequest{Target: "safe", Operator: "ops", Reason: "confirm"})
	require.NoError(t, err)
	assert.Equal(t, market.StateSafe, ev.From)
	assert.Equal(t, market.StateSafe, ev.To)
	assert.Len(t, h.log.Events(), 1)
}

func TestOverrideValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.g.Override(h.ctx, gate.OverrideRequest{Target: market.StateUnavailable, Operator: "ops", Reason: "x"})
	assert.ErrorIs(t, err, gate.ErrInvalidOverride)
	_, err = h.g.Override(h.ctx, gate.OverrideRequest{Target: market.StateTriggered, Reason: "x"})
	assert.ErrorIs(t, err, gate.ErrInvalidOverride)
	assert.Empty(t, h.log.Events())
}

func TestMarkFalseTrigger(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.g.MarkFalseTrigger(h.ctx, "ops", "nothing to mark")
	require.ErrorIs(t, err, ErrNoTrigger)

	trigger, err := h.g.Override(h.ctx, gate.OverrideRequest{Target: market.StateTriggered, Operator: "ops", Reason: "test"})
	require.NoError(t, err)

	ev, err := h.gate.MarkFalseTrigger(context.Background(), "ops", "bad print")
	require.NoError(t, err)
	assert.Equal(t, eventlog.KindFalseTrigger, ev.Kind)
	assert.Equal(t, trigger.ID, ev.RefID)
	assert.Equal(t, market.StateTriggered, ev.From)
	assert.Equal(t, market.StateTriggered, ev.To)
	assert.Equal(t, market.StateTriggered, h.gate.CurrentState().Status)
	assert.Equal(t, trigger.ID, h.gate.CurrentState().EventID)
	assert.EqualValues(t, 1, h.g.Stats().FalseTriggers)

	_, err = h.g.MarkFalseTrigger(h.ctx, "ops", "again")
	assert.ErrorIs(t, err, ErrAlreadyMarked)
}

func TestWriterFailureMakesGateUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.flat(30, 50000, "binance", "bybit")
	h.log.FailWith(errors.New("disk full"))

	h.advance(time.Minute)
	h.feed("binance", 42000)
	h.feed("bybit", 42000)
	require.NoError(t, h.g.Tick(h.ctx, h.now()))

	err := <-h.errc
	require.ErrorIs(t, err, ErrWriterFailed)
	snap := h.gate.CurrentState()
	assert.Equal(t, market.StateUnavailable, snap.Status)
	assert.Contains(t, snap.Error, "disk full")
	assert.False(t, h.gate.Allow())

	assert.ErrorIs(t, h.g.SubmitSample(context.Background(), market.Sample{}), ErrQueueClosed)
	_, err = h.gate.ManualOverride(context.Background(), market.StateSafe, "ops", "retry")
	assert.Error(t, err)
}

func TestOverrideFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.log.FailWith(errors.New("io error"))
	_, err := h.g.Override(h.ctx, gate.OverrideRequest{Target: market.StateTriggered, Operator: "ops", Reason: "x"})
	require.ErrorIs(t, err, ErrWriterFailed)
	require.ErrorIs(t, <-h.errc, ErrWriterFailed)
	assert.Equal(t, market.StateUnavailable, h.gate.CurrentState().Status)
}

func TestRestartRestoresHaltFromLog(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Recovery.StabilizationPeriod = 5 * time.Minute
	})
	log := eventlog.NewMemoryLog()
	backend := NewMemoryBackend()

	first := startHarness(t, cfg, log, backend, base)
	first.flat(30, 50850, "binance")
	first.advance(time.Minute)
	first.feed("binance", 42150)
	first.liquidations(8e8)
	require.Equal(t, market.StateTriggered, first.tick())
	trigger := first.lastEvent()
	first.stop()
	assert.Equal(t, market.StateUnavailable, first.gate.CurrentState().Status)

	restartAt := first.now().Add(time.Hour)
	second := startHarness(t, cfg, log, backend, restartAt)
	snap := second.gate.CurrentState()
	assert.Equal(t, market.StateTriggered, snap.Status)
	assert.Equal(t, trigger.ID, snap.EventID)
	assert.EqualValues(t, 1, second.g.Stats().TotalTriggers)

	// stabilization restarts at process start even though the breach is an hour old
	second.feed("binance", 46220)
	second.liquidations(5e7)
	require.Equal(t, market.StateTriggered, second.tick())
	for i := 0; i < 4; i++ {
		second.advance(time.Minute)
		second.feed("binance", 46220)
		second.liquidations(5e7)
		require.Equal(t, market.StateTriggered, second.tick())
	}
	second.advance(time.Minute)
	second.feed("binance", 46220)
	second.liquidations(5e7)
	assert.Equal(t, market.StateRecovering, second.tick())
}

func TestHeartbeatPersistsToBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.advance(30 * time.Second)
	h.feed("binance", 50000)
	h.tick()

	rec, ok, err := h.backend.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, market.StateSafe, rec.Snapshot.Status)
	assert.Equal(t, h.now(), rec.Snapshot.UpdatedAt)
	assert.Equal(t, h.now(), rec.Stats.LastCheckAt)
}

func TestRetracement(t *testing.T) {
	d := decimal.NewFromInt
	assert.Equal(t, "46.78", Retracement(d(50850), d(42150), d(46220)).StringFixed(2))
	assert.True(t, Retracement(d(100), d(80), d(70)).IsZero())
	assert.Equal(t, "100", Retracement(d(100), d(100), d(100)).String())
}
