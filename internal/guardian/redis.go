package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"crash-guardian/internal/config"
	"crash-guardian/internal/gate"
	"crash-guardian/internal/market"
)

// NewRedisClient builds a client from config and checks connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// RedisBackend stores the record as JSON under key and announces every write on
// key + ":updates" so followers can react without polling.
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

// NewRedisBackend wraps a redis client.
func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

// Channel is the pub/sub channel carrying updates.
func (b *RedisBackend) Channel() string {
	return b.key + ":updates"
}

func (b *RedisBackend) Persist(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	if err := b.client.Set(ctx, b.key, string(payload), 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(), string(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context) (Record, bool, error) {
	val, err := b.client.Get(ctx, b.key).Result()
	if err != nil {
		if err == redis.Nil {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode state record: %w", err)
	}
	return rec, true, nil
}

var _ StateBackend = (*RedisBackend)(nil)

// Follower mirrors a shared record into a local gate on nodes that do not run the writer.
// A record that stops being refreshed is reported as UNAVAILABLE.
type Follower struct {
	backend  StateBackend
	gate     *gate.Gate
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewFollower constructs a follower polling every interval. maxAge bounds how old the
// writer's last heartbeat may be before the local gate fails closed.
func NewFollower(backend StateBackend, g *gate.Gate, interval, maxAge time.Duration, logger zerolog.Logger) *Follower {
	if interval <= 0 {
		interval = time.Second
	}
	return &Follower{
		backend:  backend,
		gate:     g,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger.With().Str("component", "follower").Logger(),
	}
}

// Sync reads the backend once and publishes what it finds.
func (f *Follower) Sync(ctx context.Context) error {
	rec, ok, err := f.backend.Load(ctx)
	if err != nil {
		f.gate.Fail(err)
		return err
	}
	if !ok {
		f.gate.Fail(fmt.Errorf("no guardian state published yet"))
		return nil
	}
	snap := rec.Snapshot
	if f.maxAge > 0 && f.now().Sub(snap.UpdatedAt) > f.maxAge && snap.Status != market.StateUnavailable {
		f.gate.Publish(snap)
		f.gate.Fail(fmt.Errorf("guardian heartbeat older than %s", f.maxAge))
		return nil
	}
	f.gate.Publish(snap)
	return nil
}

// Run polls the backend, and wakes early on pub/sub notifications when client is set.
func (f *Follower) Run(ctx context.Context, client *redis.Client, channel string) error {
	wake := make(chan struct{}, 1)
	if client != nil {
		sub := client.Subscribe(ctx, channel)
		defer sub.Close()
		go func() {
			for range sub.Channel() {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.Sync(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("follower sync failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}
