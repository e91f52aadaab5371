package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rently/internal/domain"
)

// MemoryLocker is a keyed mutex for a single process.
type MemoryLocker struct {
	slots sync.Map // key -> chan struct{}
	wait  time.Duration
}

// NewMemoryLocker returns a locker that gives up after wait; zero waits until ctx ends.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{wait: wait}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := l.slots.LoadOrStore(key, make(chan struct{}, 1))
	slot := v.(chan struct{})

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-timeout:
		return nil, fmt.Errorf("lock %s busy: %w", key, domain.ErrSerialization)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
