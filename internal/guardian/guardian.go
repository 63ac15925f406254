// Package guardian is the single writer of the circuit breaker. Every sample, signal,
// evaluation tick, reconfiguration and operator command is funnelled through one bounded
// queue and handled serially by Run; readers only ever see the snapshots it publishes.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-guardian/internal/alerting"
	"crash-guardian/internal/config"
	"crash-guardian/internal/confirm"
	"crash-guardian/internal/drawdown"
	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/market"
	"crash-guardian/internal/metrics"
	"crash-guardian/internal/window"
)

var (
	// ErrQueueClosed is returned by Submit calls once the writer has stopped.
	ErrQueueClosed = errors.New("guardian: writer not running")
	// ErrWriterFailed wraps the fatal error that stopped the writer.
	ErrWriterFailed = errors.New("guardian: writer failed")
)

// durableTimeout bounds event log appends; they must not inherit a cancelled run context.
const durableTimeout = 10 * time.Second

// Options wires the guardian's collaborators. Log and Gate are required.
type Options struct {
	Config   *config.Config
	Log      eventlog.Log
	Gate     *gate.Gate
	Backend  StateBackend
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics
	Clock    func() time.Time
	Logger   zerolog.Logger
}

type (
	sampleMsg      struct{ sample market.Sample }
	signalMsg      struct{ signal market.ConfirmationSignal }
	tickMsg        struct{ at time.Time }
	reconfigureMsg struct{ cfg *config.Config }
	overrideMsg    struct {
		req   gate.OverrideRequest
		reply chan reply
	}
	barrierMsg      struct{ done chan struct{} }
	falseTriggerMsg struct {
		operator string
		note     string
		reply    chan reply
	}
)

type reply struct {
	event eventlog.TriggerEvent
	err   error
}

// episode tracks one halt from TRIGGERED until SAFE.
type episode struct {
	asset       string
	window      time.Duration
	manual      bool
	triggeredAt time.Time
	lastBreach  time.Time
	high        decimal.Decimal
	trough      decimal.Decimal
	maxDrawdown decimal.Decimal
	volumeAtTop decimal.Decimal
}

// Guardian owns the windows, the confirmation monitor and the state.
type Guardian struct {
	cfg      *config.Config
	windows  *window.Store
	eval     *drawdown.Evaluator
	monitor  *confirm.Monitor
	log      eventlog.Log
	gate     *gate.Gate
	backend  StateBackend
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger

	inbox   chan any
	done    chan struct{}
	stopped atomic.Bool
	stats   atomic.Pointer[Stats]

	// owned by the Run goroutine
	state           market.State
	since           time.Time
	activeEvent     string
	reason          string
	lastFalseRef    string
	startedAt       time.Time
	episode         *episode
	calmSince       time.Time
	recoveringSince time.Time
	recoveryHeld    bool
	counters        Stats
}

// New constructs a guardian. It does not touch the event log until Run.
func New(opts Options) (*Guardian, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("guardian: config is required")
	}
	if opts.Log == nil || opts.Gate == nil {
		return nil, fmt.Errorf("guardian: event log and gate are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	cfg := opts.Config

	g := &Guardian{
		cfg:      cfg,
		log:      opts.Log,
		gate:     opts.Gate,
		backend:  opts.Backend,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		now:      func() time.Time { return opts.Clock().UTC() },
		logger:   opts.Logger.With().Str("component", "guardian").Logger(),
		inbox:    make(chan any, cfg.Ingest.QueueSize),
		done:     make(chan struct{}),
		state:    market.StateSafe,
	}
	g.windows = window.NewStore(window.Options{
		Durations:     cfg.Windows,
		FutureSkew:    cfg.Ingest.FutureSkew,
		LateTolerance: cfg.Ingest.LateTolerance,
		Clock:         g.now,
	})
	g.eval = drawdown.New(g.windows)
	g.monitor = confirm.NewMonitor(confirm.PolicyFromConfig(cfg.Confirmation), g.windows)
	g.stats.Store(&Stats{State: market.StateSafe})
	opts.Gate.Attach(g)
	return g, nil
}

// SubmitSample queues a sample, blocking while the queue is full.
func (g *Guardian) SubmitSample(ctx context.Context, s market.Sample) error {
	return g.submit(ctx, sampleMsg{sample: s})
}

// SubmitSignal queues a confirmation signal.
func (g *Guardian) SubmitSignal(ctx context.Context, s market.ConfirmationSignal) error {
	return g.submit(ctx, signalMsg{signal: s})
}

// Tick asks for one evaluation cycle.
func (g *Guardian) Tick(ctx context.Context, at time.Time) error {
	return g.submit(ctx, tickMsg{at: at})
}

// Reconfigure hands over a new configuration. It takes effect between cycles; one that
// fails validation is returned as an error and never reaches the writer.
func (g *Guardian) Reconfigure(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("guardian: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("guardian: reconfigure: %w", err)
	}
	return g.submit(ctx, reconfigureMsg{cfg: cfg})
}

// Override performs a manual transition and waits until it is durable and published.
func (g *Guardian) Override(ctx context.Context, req gate.OverrideRequest) (eventlog.TriggerEvent, error) {
	if err := req.Validate(); err != nil {
		return eventlog.TriggerEvent{}, err
	}
	ch := make(chan reply, 1)
	if err := g.submit(ctx, overrideMsg{req: req, reply: ch}); err != nil {
		return eventlog.TriggerEvent{}, err
	}
	return g.await(ctx, ch)
}

// MarkFalseTrigger records that the most recent trigger was a false positive.
func (g *Guardian) MarkFalseTrigger(ctx context.Context, operator, note string) (eventlog.TriggerEvent, error) {
	ch := make(chan reply, 1)
	if err := g.submit(ctx, falseTriggerMsg{operator: operator, note: note, reply: ch}); err != nil {
		return eventlog.TriggerEvent{}, err
	}
	return g.await(ctx, ch)
}

func (g *Guardian) await(ctx context.Context, ch chan reply) (eventlog.TriggerEvent, error) {
	select {
	case r := <-ch:
		return r.event, r.err
	case <-ctx.Done():
		return eventlog.TriggerEvent{}, ctx.Err()
	case <-g.done:
		// the writer may have answered just before stopping
		select {
		case r := <-ch:
			return r.event, r.err
		default:
			return eventlog.TriggerEvent{}, ErrQueueClosed
		}
	}
}

func (g *Guardian) submit(ctx context.Context, msg any) error {
	if g.stopped.Load() {
		return ErrQueueClosed
	}
	select {
	case g.inbox <- msg:
		g.metrics.QueueDepth(len(g.inbox))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrQueueClosed
	}
}

// Stats returns the latest published statistics. Safe from any goroutine.
func (g *Guardian) Stats() Stats {
	return *g.stats.Load()
}

// Run restores state from the event log and processes messages until ctx is cancelled
// or the writer fails. On failure the gate reports UNAVAILABLE.
func (g *Guardian) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrWriterFailed, r)
		}
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			g.logger.Info().Msg("guardian writer stopped")
			g.gate.Fail(errors.New("guardian stopped"))
		default:
			g.logger.Error().Err(err).Msg("guardian writer failed")
			g.gate.Fail(err)
		}
		g.stopped.Store(true)
		close(g.done)
	}()

	if err := g.restore(ctx); err != nil {
		return fmt.Errorf("%w: restore: %v", ErrWriterFailed, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-g.inbox:
			if err := g.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle processes one message. A non-nil error is fatal to the writer.
func (g *Guardian) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case sampleMsg:
		g.ingest(m.sample)
	case signalMsg:
		if err := g.monitor.Observe(m.signal); err != nil {
			g.logger.Warn().Err(err).Str("kind", string(m.signal.Kind)).Msg("dropping confirmation signal")
			return nil
		}
		g.metrics.Signal(m.signal)
	case tickMsg:
		return g.evaluate(ctx, m.at)
	case reconfigureMsg:
		g.applyConfig(m.cfg)
	case overrideMsg:
		ev, err := g.override(ctx, m.req)
		m.reply <- reply{event: ev, err: err}
		if err != nil && errors.Is(err, ErrWriterFailed) {
			return err
		}
	case barrierMsg:
		close(m.done)
	case falseTriggerMsg:
		ev, err := g.markFalseTrigger(ctx, m.operator, m.note)
		m.reply <- reply{event: ev, err: err}
		if err != nil && errors.Is(err, ErrWriterFailed) {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown message %T", ErrWriterFailed, msg)
	}
	return nil
}

func (g *Guardian) ingest(s market.Sample) {
	added, err := g.windows.Ingest(s)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, window.ErrFutureSample):
			reason = "future"
		case errors.Is(err, window.ErrLateSample):
			reason = "late"
		}
		g.metrics.SampleDropped(reason)
		g.logger.Warn().Err(err).Str("asset", s.Asset).Str("source", s.Source).Msg("dropping sample")
		return
	}
	if added {
		g.metrics.SampleIngested(s.Source)
	}
}

func (g *Guardian) applyConfig(cfg *config.Config) {
	g.cfg = cfg
	g.windows.Resize(cfg.Windows)
	g.windows.SetTolerances(cfg.Ingest.FutureSkew, cfg.Ingest.LateTolerance)
	g.monitor.SetPolicy(confirm.PolicyFromConfig(cfg.Confirmation))
	g.logger.Info().Int("windows", len(cfg.Windows)).Int("assets", len(cfg.Assets)).Msg("configuration applied")
}

// Flush returns once every message queued before it has been processed.
func (g *Guardian) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := g.submit(ctx, barrierMsg{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrQueueClosed
	}
}

var _ gate.Writer = (*Guardian)(nil)
