package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"crash-guardian/internal/logging"
	"crash-guardian/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Windows      []time.Duration    `mapstructure:"windows"`
	Thresholds   map[string]float64 `mapstructure:"thresholds"`
	Assets       []AssetConfig      `mapstructure:"assets"`
	Guardian     GuardianConfig     `mapstructure:"guardian"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	EventLog     EventLogConfig     `mapstructure:"event_log"`
	State        StateConfig        `mapstructure:"state"`
	Feeds        FeedsConfig        `mapstructure:"feeds"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Export       ExportConfig       `mapstructure:"export"`

	thresholds map[string]map[time.Duration]decimal.Decimal
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	LockRetry       time.Duration `mapstructure:"lock_retry"`
}

// RedisConfig covers the shared state backend.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig governs the periodic evaluation tick.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// IngestConfig bounds the writer queue and sample clock skew.
type IngestConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	FutureSkew    time.Duration `mapstructure:"future_skew"`
	LateTolerance time.Duration `mapstructure:"late_tolerance"`
}

// AssetConfig declares a tracked asset and its per-window threshold overrides.
type AssetConfig struct {
	ID         string             `mapstructure:"id"`
	Primary    bool               `mapstructure:"primary"`
	Thresholds map[string]float64 `mapstructure:"thresholds"`
}

// GuardianConfig tunes the state machine.
type GuardianConfig struct {
	WarningRatio      float64       `mapstructure:"warning_ratio"`
	WarningClearAfter time.Duration `mapstructure:"warning_clear_after"`
	StalenessBound    time.Duration `mapstructure:"staleness_bound"`
	StartupGrace      time.Duration `mapstructure:"startup_grace"`
	ExposureUSD       float64       `mapstructure:"exposure_usd"`
	AutoRecoverManual bool          `mapstructure:"auto_recover_manual"`
}

// SignalConfig is the policy of one auxiliary confirmation signal.
type SignalConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Threshold         float64       `mapstructure:"threshold"`
	RecoveryThreshold float64       `mapstructure:"recovery_threshold"`
	MaxAge            time.Duration `mapstructure:"max_age"`
}

// ConfirmationConfig governs breach corroboration.
type ConfirmationConfig struct {
	MinAgreeingSources int           `mapstructure:"min_agreeing_sources"`
	AgreementRatio     float64       `mapstructure:"agreement_ratio"`
	SourceTolerance    time.Duration `mapstructure:"source_tolerance"`
	Liquidation        SignalConfig  `mapstructure:"liquidation"`
	Peg                SignalConfig  `mapstructure:"peg"`
}

// RecoveryConfig governs TRIGGERED -> RECOVERING -> SAFE.
type RecoveryConfig struct {
	StabilizationPeriod time.Duration `mapstructure:"stabilization_period"`
	MinRecoveryPct      float64       `mapstructure:"min_recovery_pct"`
	RecoveryWindow      time.Duration `mapstructure:"recovery_window"`
}

// EventLogConfig selects the durable audit log.
type EventLogConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// StateConfig selects where the published snapshot is persisted.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Key     string `mapstructure:"key"`
}

// FeedsConfig configures the upstream market data collaborators.
type FeedsConfig struct {
	Binance      BinanceConfig     `mapstructure:"binance"`
	Bybit        BybitConfig       `mapstructure:"bybit"`
	Liquidations LiquidationConfig `mapstructure:"liquidations"`
	Peg          PegConfig         `mapstructure:"peg"`
}

// BinanceConfig covers the Binance spot trade stream.
type BinanceConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Symbols []string `mapstructure:"symbols"`
}

// BybitConfig covers the Bybit public trade websocket.
type BybitConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
}

// LiquidationConfig covers the Binance futures liquidation stream.
type LiquidationConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Symbols      []string      `mapstructure:"symbols"`
	Window       time.Duration `mapstructure:"window"`
	EmitInterval time.Duration `mapstructure:"emit_interval"`
}

// PegConfig covers the on-chain stable-asset price feed.
type PegConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	FeedAddress    string        `mapstructure:"feed_address"`
	Asset          string        `mapstructure:"asset"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig configures the gate API.
type HTTPConfig struct {
	Addr               string        `mapstructure:"addr"`
	OverrideToken      string        `mapstructure:"override_token"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	OverridesPerMinute int           `mapstructure:"overrides_per_minute"`
	// FailureDrain is how long the gate keeps answering UNAVAILABLE after the writer
	// fails, before the process exits.
	FailureDrain time.Duration `mapstructure:"failure_drain"`
}

// AlertingConfig defines transition notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxEvents int `mapstructure:"max_events"`
}

const (
	// EventLogFile keeps the audit trail as fsync'd JSON lines.
	EventLogFile = "file"
	// EventLogPostgres keeps the audit trail in PostgreSQL.
	EventLogPostgres = "postgres"
	// StateMemory keeps the snapshot in process only.
	StateMemory = "memory"
	// StateRedis shares the snapshot through Redis.
	StateRedis = "redis"
)

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRASHGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the configuration file whenever it changes. Only configurations that
// pass validation are handed to apply; rejected ones are logged and dropped, so the
// caller keeps running on the last valid configuration.
func Watch(path string, logger zerolog.Logger, apply func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config for watch: %w", err)
	}
	log := logger.With().Str("component", "config_watch").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("configuration reload rejected; keeping previous configuration")
			return
		}
		log.Info().Str("file", e.Name).Msg("configuration reloaded")
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "crashguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x63726773))
	v.SetDefault("database.lock_retry", "5s")

	v.SetDefault("redis.timeout", "500ms")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ingest.queue_size", 4096)
	v.SetDefault("ingest.future_skew", "2s")
	v.SetDefault("ingest.late_tolerance", "30s")

	v.SetDefault("windows", []string{"5m", "1h", "4h"})
	v.SetDefault("thresholds", map[string]float64{"5m": 8, "1h": 15, "4h": 20})
	v.SetDefault("assets", []map[string]any{
		{"id": "BTCUSDT", "primary": true},
		{"id": "ETHUSDT", "primary": true},
	})

	v.SetDefault("guardian.warning_ratio", 0.8)
	v.SetDefault("guardian.warning_clear_after", "10m")
	v.SetDefault("guardian.staleness_bound", "1m")
	v.SetDefault("guardian.startup_grace", "2m")
	v.SetDefault("guardian.exposure_usd", 0.0)
	v.SetDefault("guardian.auto_recover_manual", false)

	v.SetDefault("confirmation.min_agreeing_sources", 2)
	v.SetDefault("confirmation.agreement_ratio", 0.7)
	v.SetDefault("confirmation.source_tolerance", "30s")
	v.SetDefault("confirmation.liquidation.enabled", true)
	v.SetDefault("confirmation.liquidation.threshold", 500_000_000.0)
	v.SetDefault("confirmation.liquidation.recovery_threshold", 100_000_000.0)
	v.SetDefault("confirmation.liquidation.max_age", "2m")
	v.SetDefault("confirmation.peg.enabled", false)
	v.SetDefault("confirmation.peg.threshold", 1.0)
	v.SetDefault("confirmation.peg.recovery_threshold", 0.3)
	v.SetDefault("confirmation.peg.max_age", "30m")

	v.SetDefault("recovery.stabilization_period", "30m")
	v.SetDefault("recovery.min_recovery_pct", 40.0)
	v.SetDefault("recovery.recovery_window", "2h")

	v.SetDefault("event_log.backend", EventLogFile)
	v.SetDefault("event_log.path", "data/trigger_events.jsonl")

	v.SetDefault("state.backend", StateMemory)
	v.SetDefault("state.key", "crashguard:state")

	v.SetDefault("feeds.binance.enabled", true)
	v.SetDefault("feeds.binance.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("feeds.bybit.enabled", true)
	v.SetDefault("feeds.bybit.url", "wss://stream.bybit.com/v5/public/spot")
	v.SetDefault("feeds.bybit.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("feeds.liquidations.enabled", true)
	v.SetDefault("feeds.liquidations.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("feeds.liquidations.window", "1h")
	v.SetDefault("feeds.liquidations.emit_interval", "10s")
	v.SetDefault("feeds.peg.enabled", false)
	v.SetDefault("feeds.peg.asset", "USDT")
	v.SetDefault("feeds.peg.poll_interval", "1m")
	v.SetDefault("feeds.peg.request_timeout", "10s")

	v.SetDefault("http.addr", "127.0.0.1:8088")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "5s")
	v.SetDefault("http.overrides_per_minute", 6)
	v.SetDefault("http.failure_drain", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_events", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values and resolves the
// threshold table. A configuration that fails here is never applied.
func (c *Config) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("windows must list at least one duration")
	}
	seen := make(map[time.Duration]bool, len(c.Windows))
	for _, w := range c.Windows {
		if w <= 0 {
			return fmt.Errorf("windows: duration %s must be positive", w)
		}
		if seen[w] {
			return fmt.Errorf("windows: duration %s listed twice", w)
		}
		seen[w] = true
	}

	defaults, err := parseThresholds("thresholds", c.Thresholds, seen)
	if err != nil {
		return err
	}
	for _, w := range c.Windows {
		if _, ok := defaults[w]; !ok {
			return fmt.Errorf("thresholds: missing default for window %s", market.FormatWindow(w))
		}
	}

	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must list at least one asset")
	}
	resolved := make(map[string]map[time.Duration]decimal.Decimal, len(c.Assets))
	primaries := 0
	for i := range c.Assets {
		a := &c.Assets[i]
		a.ID = market.NormalizeAsset(a.ID)
		if a.ID == "" {
			return fmt.Errorf("assets[%d].id is required", i)
		}
		if _, dup := resolved[a.ID]; dup {
			return fmt.Errorf("assets: %s listed twice", a.ID)
		}
		overrides, err := parseThresholds("assets."+a.ID+".thresholds", a.Thresholds, seen)
		if err != nil {
			return err
		}
		table := make(map[time.Duration]decimal.Decimal, len(defaults))
		for w, v := range defaults {
			table[w] = v
		}
		for w, v := range overrides {
			table[w] = v
		}
		resolved[a.ID] = table
		if a.Primary {
			primaries++
		}
	}
	if primaries == 0 {
		return fmt.Errorf("assets: at least one asset must be primary")
	}

	if c.Guardian.WarningRatio <= 0 || c.Guardian.WarningRatio >= 1 {
		return fmt.Errorf("guardian.warning_ratio must be between 0 and 1 (exclusive)")
	}
	if c.Guardian.WarningClearAfter <= 0 {
		return fmt.Errorf("guardian.warning_clear_after must be greater than zero")
	}
	if c.Guardian.StalenessBound <= 0 {
		return fmt.Errorf("guardian.staleness_bound must be greater than zero")
	}
	if c.Guardian.StartupGrace < 0 {
		return fmt.Errorf("guardian.startup_grace cannot be negative")
	}
	if c.Guardian.ExposureUSD < 0 {
		return fmt.Errorf("guardian.exposure_usd cannot be negative")
	}

	if c.Confirmation.MinAgreeingSources < 2 {
		return fmt.Errorf("confirmation.min_agreeing_sources must be at least 2")
	}
	if c.Confirmation.AgreementRatio <= 0 || c.Confirmation.AgreementRatio > 1 {
		return fmt.Errorf("confirmation.agreement_ratio must be in (0, 1]")
	}
	if c.Confirmation.SourceTolerance <= 0 {
		return fmt.Errorf("confirmation.source_tolerance must be greater than zero")
	}
	for name, sc := range map[string]SignalConfig{"liquidation": c.Confirmation.Liquidation, "peg": c.Confirmation.Peg} {
		if !sc.Enabled {
			continue
		}
		if sc.Threshold <= 0 || sc.RecoveryThreshold < 0 {
			return fmt.Errorf("confirmation.%s thresholds must be positive", name)
		}
		if sc.RecoveryThreshold >= sc.Threshold {
			return fmt.Errorf("confirmation.%s.recovery_threshold must be below threshold", name)
		}
		if sc.MaxAge <= 0 {
			return fmt.Errorf("confirmation.%s.max_age must be greater than zero", name)
		}
	}

	if c.Recovery.StabilizationPeriod <= 0 || c.Recovery.RecoveryWindow <= 0 {
		return fmt.Errorf("recovery periods must be greater than zero")
	}
	if c.Recovery.MinRecoveryPct < 0 || c.Recovery.MinRecoveryPct > 100 {
		return fmt.Errorf("recovery.min_recovery_pct must be within [0, 100]")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be greater than zero")
	}
	if c.Ingest.FutureSkew <= 0 || c.Ingest.LateTolerance < 0 {
		return fmt.Errorf("ingest skew tolerances must be positive")
	}

	switch c.EventLog.Backend {
	case EventLogFile:
		if c.EventLog.Path == "" {
			return fmt.Errorf("event_log.path is required for the file backend")
		}
	case EventLogPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres event log")
		}
	default:
		return fmt.Errorf("event_log.backend %q not supported", c.EventLog.Backend)
	}
	switch c.State.Backend {
	case StateMemory:
	case StateRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis state backend")
		}
	default:
		return fmt.Errorf("state.backend %q not supported", c.State.Backend)
	}

	if c.Feeds.Peg.Enabled && (c.Feeds.Peg.RPCURL == "" || c.Feeds.Peg.FeedAddress == "") {
		return fmt.Errorf("feeds.peg requires rpc_url and feed_address")
	}
	if c.Feeds.Liquidations.Enabled && c.Feeds.Liquidations.Window <= 0 {
		return fmt.Errorf("feeds.liquidations.window must be greater than zero")
	}
	if c.HTTP.FailureDrain < 0 {
		return fmt.Errorf("http.failure_drain cannot be negative")
	}
	if c.Export.MaxEvents <= 0 {
		return fmt.Errorf("export.max_events must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	c.thresholds = resolved
	return nil
}

func parseThresholds(field string, raw map[string]float64, windows map[time.Duration]bool) (map[time.Duration]decimal.Decimal, error) {
	out := make(map[time.Duration]decimal.Decimal, len(raw))
	for key, pct := range raw {
		d, err := time.ParseDuration(key)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid window %q: %w", field, key, err)
		}
		if !windows[d] {
			return nil, fmt.Errorf("%s: window %s is not configured", field, key)
		}
		if pct <= 0 || pct >= 100 {
			return nil, fmt.Errorf("%s: threshold %.4g for %s must be within (0, 100)", field, pct, key)
		}
		out[d] = decimal.NewFromFloat(pct)
	}
	return out, nil
}

// CheckSignalSources rejects auxiliary confirmation kinds that no enabled feed produces.
// Recovery waits for every enabled kind to be fresh and calm, so an unfed kind would hold
// a halt forever. Offline tooling that supplies signals itself skips this check.
func (c *Config) CheckSignalSources() error {
	if c.Confirmation.Liquidation.Enabled && !c.Feeds.Liquidations.Enabled {
		return fmt.Errorf("confirmation.liquidation is enabled but feeds.liquidations is not")
	}
	if c.Confirmation.Peg.Enabled && !c.Feeds.Peg.Enabled {
		return fmt.Errorf("confirmation.peg is enabled but feeds.peg is not")
	}
	return nil
}

// Threshold returns the drawdown threshold (percent) for asset and window.
func (c *Config) Threshold(asset string, window time.Duration) (decimal.Decimal, bool) {
	table, ok := c.thresholds[asset]
	if !ok {
		return decimal.Decimal{}, false
	}
	v, ok := table[window]
	return v, ok
}

// PrimaryAssets lists the assets whose silence makes the guardian fail safe.
func (c *Config) PrimaryAssets() []string {
	out := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		if a.Primary {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}

// TrackedAssets lists every configured asset.
func (c *Config) TrackedAssets() []string {
	out := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

// ResolveMaxEvents returns either the CLI override or config default.
func (c *Config) ResolveMaxEvents(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxEvents
}
