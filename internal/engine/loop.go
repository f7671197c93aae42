package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Run executes a cycle immediately and then every CycleInterval until ctx is
// cancelled. A failed or panicking cycle is retried after RetryBackoff.
func (e *Engine) Run(ctx context.Context) error {
	retry := backoff.WithContext(backoff.NewConstantBackOff(e.cfg.RetryBackoff), ctx)

	e.logger.Info().
		Str("mode", string(e.cfg.Mode)).
		Str("window", e.window.String()).
		Dur("interval", e.cfg.CycleInterval).
		Msg("decision loop started")

	for {
		start := time.Now()
		delay := e.cfg.CycleInterval

		if err := e.safeCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.metrics.RecordCycle("error", time.Since(start))
			delay = retry.NextBackOff()
			if delay == backoff.Stop {
				return ctx.Err()
			}
			e.logger.Error().Err(err).Dur("retry_in", delay).Msg("an error occurred in the main loop")
		} else {
			e.metrics.RecordCycle("ok", time.Since(start))
		}

		if err := e.wait(ctx, delay); err != nil {
			e.logger.Info().Msg("decision loop stopped")
			return err
		}
	}
}

func (e *Engine) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("panic")
			e.logger.Error().Str("stack", string(debug.Stack())).Msg("cycle panicked")
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return e.RunCycle(ctx)
}

func waitFor(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
