package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"rently/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Lock(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

func noop() {}

func TestFailoverLocker(t *testing.T) {
	primary := new(mockLocker)
	fallback := new(mockLocker)
	logger := zerolog.New(io.Discard)
	l := NewFailoverLocker(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Lock", ctx, "a").Return(noop, nil).Once()

		unlock, err := l.Lock(ctx, "a")
		require.NoError(t, err)
		assert.NotNil(t, unlock)
		primary.AssertExpectations(t)
	})

	t.Run("ContentionDoesNotFailOver", func(t *testing.T) {
		busy := fmt.Errorf("busy: %w", domain.ErrSerialization)
		primary.On("Lock", ctx, "b").Return(nil, busy).Once()

		_, err := l.Lock(ctx, "b")
		assert.ErrorIs(t, err, domain.ErrSerialization)
		assert.False(t, l.isDown.Load())
		fallback.AssertNotCalled(t, "Lock", ctx, "b")
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Lock", ctx, "c").Return(nil, errors.New("connection refused")).Once()
		fallback.On("Lock", ctx, "c").Return(noop, nil).Once()

		_, err := l.Lock(ctx, "c")
		require.NoError(t, err)
		assert.True(t, l.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		fallback.On("Lock", ctx, "d").Return(noop, nil).Once()

		_, err := l.Lock(ctx, "d")
		require.NoError(t, err)
		primary.AssertNotCalled(t, "Lock", ctx, "d")
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		l.mu.Lock()
		l.lastCheck = time.Now().Add(-2 * time.Minute)
		l.mu.Unlock()

		primary.On("Lock", ctx, "e").Return(noop, nil).Once()

		_, err := l.Lock(ctx, "e")
		require.NoError(t, err)
		assert.False(t, l.isDown.Load())
		primary.AssertExpectations(t)
	})
}
