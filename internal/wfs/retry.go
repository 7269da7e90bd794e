package wfs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wfsharvest/internal/metrics"
)

// RetryingClient wraps a FeatureGetter with bounded exponential-backoff
// retry. This is the sole retry boundary in the system; no other component
// retries.
type RetryingClient struct {
	inner       FeatureGetter
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.Logger

	// sleep is injectable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient builds a RetryingClient. Zero values fall back to the
// policy defaults: 3 attempts, 1s base delay.
func NewRetryingClient(inner FeatureGetter, maxAttempts int, baseDelay time.Duration, logger *zap.Logger) *RetryingClient {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// RequestURL proxies to the wrapped client.
func (r *RetryingClient) RequestURL(req Request) string {
	return r.inner.RequestURL(req)
}

// GetFeatures performs the request, retrying on any failure with a
// baseDelay * 2^attempt backoff (no jitter). After the final attempt the
// last failure is surfaced to the caller.
func (r *RetryingClient) GetFeatures(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		payload, err := r.inner.GetFeatures(ctx, req)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("fetch succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return payload, nil
		}
		lastErr = err
		if attempt == r.maxAttempts-1 {
			break
		}

		delay := r.baseDelay * (1 << attempt)
		metrics.ObserveFetchRetry()
		r.logger.Warn("fetch failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", r.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
