package cloud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/intakehub/docpipe/internal/retry"
)

// Throttled wraps an Adapter with a token bucket and capped exponential
// backoff on transient failures. Permanent failures pass straight through.
type Throttled struct {
	inner   Adapter
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func Throttle(inner Adapter, perSecond float64, burst int, logger *slog.Logger) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		policy:  retry.Policy{Base: time.Second, Factor: 2, Cap: 60 * time.Second, MaxAttempts: 5},
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func (t *Throttled) Provider() string { return t.inner.Provider() }

func (t *Throttled) Analyze(ctx context.Context, contentRef string, pages []int) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= t.policy.MaxAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := t.inner.Analyze(ctx, contentRef, pages)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var ae *AdapterError
		if !errors.As(err, &ae) || !ae.Retryable {
			return nil, err
		}
		if attempt == t.policy.MaxAttempts {
			break
		}

		delay := t.policy.Delay(attempt)
		t.logger.Warn("cloud.retry",
			"provider", t.Provider(),
			"attempt", attempt,
			"delay", delay,
			"rate_limited", ae.RateLimited,
			"error", err)
		if err := t.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
