package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

var ErrMaxRetriesExceeded = errors.New("retry: max attempts exceeded")

// RunWithRetry runs cycles until one succeeds, a failure is not
// recoverable, or the attempts are used up. Every attempt fetches and
// signs again, so each delivery carries its own nonce.
func (a *App) RunWithRetry(ctx context.Context, selector string) (*CycleResult, error) {
	cfg := a.Retry
	delay := cfg.InitialDelay
	var (
		res     *CycleResult
		lastErr error
	)

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return res, errors.Join(err, lastErr)
			}
			return res, err
		}

		res, lastErr = a.runCycle(ctx, selector, attempt)
		if lastErr == nil {
			return res, nil
		}
		if !Recoverable(lastErr) {
			return res, lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := backoff(delay, cfg.Jitter)
		a.logger().Info("retrying cycle",
			"event", "cycle.retry",
			"selector", selector,
			"attempt", attempt,
			"delay", wait,
		)
		if err := a.wait(ctx, wait); err != nil {
			return res, errors.Join(err, lastErr)
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return res, errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// RunPeriodic runs a cycle now and then once per interval until ctx ends.
// Failed cycles are logged and the next tick tries again.
func (a *App) RunPeriodic(ctx context.Context, interval time.Duration, selector string) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	for {
		if _, err := a.RunWithRetry(ctx, selector); err != nil && ctx.Err() == nil {
			a.logger().Error("periodic cycle gave up", "selector", selector, "error", err)
		}
		if err := a.wait(ctx, interval); err != nil {
			return nil
		}
	}
}

// RunTestSequence publishes each selector in turn with a random pause of
// [minGap, maxGap] between them. All failures are reported together.
func (a *App) RunTestSequence(ctx context.Context, selectors []string, minGap, maxGap time.Duration) error {
	if len(selectors) == 0 {
		return errors.New("test sequence is empty")
	}
	if maxGap < minGap {
		maxGap = minGap
	}

	var errs []error
	for i, selector := range selectors {
		if i > 0 {
			gap := minGap
			if span := maxGap - minGap; span > 0 {
				gap += rand.N(span + 1)
			}
			a.logger().Info("waiting before next document", "selector", selector, "gap", gap)
			if err := a.wait(ctx, gap); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if _, err := a.RunWithRetry(ctx, selector); err != nil {
			a.logger().Warn("test document failed", "selector", selector, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func backoff(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || delay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Float64()*float64(delay)*jitter)
}

func (a *App) wait(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		return a.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
