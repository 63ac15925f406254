package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crash-guardian/internal/alerting"
	"crash-guardian/internal/config"
	"crash-guardian/internal/eventlog"
	"crash-guardian/internal/feeds"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/guardian"
	"crash-guardian/internal/market"
	"crash-guardian/internal/metrics"
	"crash-guardian/internal/scheduler"
	"crash-guardian/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// ConfigPath is watched for hot reloads while the guardian runs.
	ConfigPath string
	// Out receives command output; nil means stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openEventLog opens the configured audit trail. The store is returned as well when the
// log lives in PostgreSQL, since it also carries the leadership lock.
func (a *App) openEventLog(ctx context.Context) (eventlog.Log, *storage.Store, func(), error) {
	switch a.Config.EventLog.Backend {
	case config.EventLogPostgres:
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if store == nil {
			return nil, nil, nil, storage.ErrNotConfigured
		}
		log, err := eventlog.NewPostgresLog(ctx, store)
		if err != nil {
			closeStore()
			return nil, nil, nil, err
		}
		return log, store, closeStore, nil
	default:
		log, err := eventlog.OpenFile(a.Config.EventLog.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return log, nil, func() { _ = log.Close() }, nil
	}
}

func (a *App) openBackend(ctx context.Context) (guardian.StateBackend, *redis.Client, func(), error) {
	if a.Config.State.Backend != config.StateRedis {
		return guardian.NewMemoryBackend(), nil, func() {}, nil
	}
	client, err := guardian.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	return guardian.NewRedisBackend(client, a.Config.State.Key), client, func() { _ = client.Close() }, nil
}

// Run executes the long-running guardian service: the HTTP gate is served from the start,
// the writer only once this node holds leadership.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, store, closeLog, err := a.openEventLog(ctx)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer closeLog()

	backend, client, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer closeBackend()

	m := metrics.New()
	gt := gate.New()
	server := gate.NewServer(gate.ServerConfig{
		Addr:               a.Config.HTTP.Addr,
		Token:              a.Config.HTTP.OverrideToken,
		ReadTimeout:        a.Config.HTTP.ReadTimeout,
		WriteTimeout:       a.Config.HTTP.WriteTimeout,
		OverridesPerMinute: a.Config.HTTP.OverridesPerMinute,
	}, gt, log, backendStats(backend), m.Handler(), a.Logger)

	// the server outlives a failed writer so clients keep seeing UNAVAILABLE
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(serverCtx)
	})
	group.Go(func() error {
		defer stopServer()
		err := a.lead(gctx, log, store, backend, client, gt, m)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.drainUnavailable(gctx, gt, err)
		}
		return err
	})

	a.Logger.Info().Str("event_log", a.Config.EventLog.Backend).Str("state", a.Config.State.Backend).Msg("starting crash guardian")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("crash guardian terminated with error")
		return err
	}

	a.Logger.Info().Msg("crash guardian stopped")
	return nil
}

func (a *App) lead(ctx context.Context, log eventlog.Log, store *storage.Store, backend guardian.StateBackend, client *redis.Client, gt *gate.Gate, m *metrics.Metrics) error {
	release, err := a.awaitLeadership(ctx, store, backend, client, gt)
	if err != nil {
		return err
	}
	defer release()
	return a.runWriter(ctx, log, backend, gt, m)
}

// drainUnavailable keeps the gate failed and served until the drain period ends or the
// process is told to stop.
func (a *App) drainUnavailable(ctx context.Context, gt *gate.Gate, cause error) {
	if !errors.Is(cause, guardian.ErrQueueClosed) {
		// a closed queue means the guardian already published its own failure
		gt.Fail(cause)
	}
	drain := a.Config.HTTP.FailureDrain
	a.Logger.Error().Err(cause).Dur("drain", drain).Msg("writer failed; serving UNAVAILABLE before exit")
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// awaitLeadership returns at once on single-node setups. With a shared database it blocks
// on the advisory lock, mirroring the leader's published state while it waits.
func (a *App) awaitLeadership(ctx context.Context, store *storage.Store, backend guardian.StateBackend, client *redis.Client, gt *gate.Gate) (func(), error) {
	if store == nil {
		return func() {}, nil
	}

	standby, stopStandby := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if client == nil {
			gt.Fail(errors.New("standby: waiting for writer leadership"))
			<-standby.Done()
			return
		}
		follower := guardian.NewFollower(backend, gt, time.Second, 3*a.Config.Scheduler.Interval, a.Logger)
		if rb, ok := backend.(*guardian.RedisBackend); ok {
			_ = follower.Run(standby, client, rb.Channel())
		}
	}()

	release, err := storage.WaitForLeadership(ctx, store, a.Config.Database.AdvisoryLockKey, a.Config.Database.LockRetry, a.Logger)
	stopStandby()
	<-done
	if err != nil {
		return nil, err
	}
	// the mirrored snapshot is not ours to serve once the writer takes over
	gt.Fail(errors.New("leadership acquired; restoring state"))
	return release, nil
}

func (a *App) runWriter(ctx context.Context, log eventlog.Log, backend guardian.StateBackend, gt *gate.Gate, m *metrics.Metrics) error {
	if err := a.Config.CheckSignalSources(); err != nil {
		return err
	}
	g, err := guardian.New(guardian.Options{
		Config:   a.Config,
		Log:      log,
		Gate:     gt,
		Backend:  backend,
		Notifier: a.newNotifier(),
		Metrics:  m,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.Run(gctx)
	})
	group.Go(func() error {
		return sched.Run(gctx, g.Tick)
	})
	group.Go(func() error {
		feeds.RunAll(gctx, feeds.Build(a.Config.Feeds, g, a.Logger), a.Logger)
		return nil
	})

	if err := config.Watch(a.ConfigPath, a.Logger, func(cfg *config.Config) {
		if err := cfg.CheckSignalSources(); err != nil {
			a.Logger.Error().Err(err).Msg("configuration reload rejected; keeping previous configuration")
			return
		}
		applyCtx, cancel := context.WithTimeout(gctx, 5*time.Second)
		defer cancel()
		if err := g.Reconfigure(applyCtx, cfg); err != nil {
			a.Logger.Warn().Err(err).Msg("reconfiguration not delivered to guardian")
		}
	}); err != nil {
		a.Logger.Warn().Err(err).Msg("configuration hot reload disabled")
	}

	return group.Wait()
}

// backendStats serves /v1/stats from the last persisted record, so standby nodes answer too.
func backendStats(backend guardian.StateBackend) gate.StatsFunc {
	return func(ctx context.Context) (any, error) {
		rec, ok, err := backend.Load(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return guardian.Stats{State: market.StateUnavailable}, nil
		}
		return rec.Stats, nil
	}
}

// ExportOptions hold parameters for exporting the audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxEvents int
}

// EventsOptions configure the events command.
type EventsOptions struct {
	Limit int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	// Endpoint is the base URL of a running guardian; empty falls back to the local event log.
	Endpoint string
}

// OverrideOptions carry an operator command to a running guardian.
type OverrideOptions struct {
	Endpoint string
	Token    string
	Target   market.State
	Operator string
	Reason   string
}

// FalseTriggerOptions carry a false-trigger annotation to a running guardian.
type FalseTriggerOptions struct {
	Endpoint string
	Token    string
	Operator string
	Note     string
}

// SimulateOptions configure an offline replay of recorded market data.
type SimulateOptions struct {
	InputPath string
	// Step is the simulated evaluation interval; zero uses scheduler.interval.
	Step time.Duration
}
