package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rently/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker prefers the primary locker and switches to the fallback
// when the primary fails for reasons other than contention. The primary is
// retried once the recovery interval has passed.
type FailoverLocker struct {
	primary  domain.Locker
	fallback domain.Locker
	logger   *zerolog.Logger
	recovery time.Duration

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverLocker(primary, fallback domain.Locker, logger *zerolog.Logger) *FailoverLocker {
	return &FailoverLocker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		recovery: time.Minute,
	}
}

func (l *FailoverLocker) Lock(ctx context.Context, key string) (func(), error) {
	if !l.isDown.Load() || l.recoveryDue() {
		unlock, err := l.primary.Lock(ctx, key)
		if err == nil {
			if l.isDown.CompareAndSwap(true, false) {
				l.logger.Info().Msg("Primary locker recovered")
			}
			return unlock, nil
		}
		if errors.Is(err, domain.ErrSerialization) || ctx.Err() != nil {
			return nil, err
		}
		if !l.isDown.Swap(true) {
			l.logger.Error().Err(err).Msg("Primary locker failed, falling back to memory")
		}
		l.markChecked()
	}

	return l.fallback.Lock(ctx, key)
}

func (l *FailoverLocker) recoveryDue() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastCheck) > l.recovery
}

func (l *FailoverLocker) markChecked() {
	l.mu.Lock()
	l.lastCheck = time.Now()
	l.mu.Unlock()
}
