package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// WaitForLeadership blocks until the advisory lock is held, polling every retry. Only
// the holder may run the guardian writer; other nodes stay standby followers.
func WaitForLeadership(ctx context.Context, locker AdvisoryLocker, key int64, retry time.Duration, logger zerolog.Logger) (func(), error) {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	log := logger.With().Str("component", "leader").Int64("lock_key", key).Logger()

	for {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("advisory lock attempt failed")
		case acquired:
			log.Info().Msg("writer leadership acquired")
			return unlock, nil
		default:
			log.Debug().Msg("another node holds writer leadership; standing by")
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
