package worker

import (
	"context"
	"time"

	"rently/internal/metrics"

	"github.com/rs/zerolog"
)

// Completer moves elapsed confirmed stays to completed.
type Completer interface {
	CompleteElapsed(ctx context.Context) (int, error)
}

// CompletionWorker periodically completes reservations whose stay has ended.
type CompletionWorker struct {
	completer Completer
	interval  time.Duration
	retry     RetryPolicy
	logger    *zerolog.Logger
}

func NewCompletionWorker(completer Completer, interval time.Duration, retry RetryPolicy, logger *zerolog.Logger) *CompletionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &CompletionWorker{
		completer: completer,
		interval:  interval,
		retry:     retry.withDefaults(),
		logger:    logger,
	}
}

// Start runs one pass immediately and then one per interval until ctx is done.
func (w *CompletionWorker) Start(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("Completion worker started")
	defer w.logger.Info().Msg("Completion worker stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runWithRetry(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runWithRetry(ctx)
		}
	}
}

// RunOnce performs a single completion pass.
func (w *CompletionWorker) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	n, err := w.completer.CompleteElapsed(ctx)

	result := "ok"
	switch {
	case err != nil && n > 0:
		result = "partial"
	case err != nil:
		result = "error"
	}
	metrics.ObserveCompletionRun(result, n)

	event := w.logger.Info()
	if err != nil {
		event = w.logger.Warn().Err(err)
	}
	event.Int("completed", n).Dur("took", time.Since(started)).Str("result", result).Msg("Completion pass finished")
	return n, err
}

func (w *CompletionWorker) runWithRetry(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		_, err := w.RunOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if w.retry.MaxRetries < 0 || attempt > w.retry.MaxRetries {
			w.logger.Error().Err(err).Int("attempts", attempt).Msg("Completion pass failed, waiting for next tick")
			return
		}
		if err := w.retry.Wait(ctx, attempt); err != nil {
			return
		}
	}
}
