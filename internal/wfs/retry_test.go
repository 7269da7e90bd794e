package wfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wfsharvest/internal/geo"
)

type countingGetter struct {
	mu       sync.Mutex
	attempts int
	fails    int
}

func (g *countingGetter) GetFeatures(_ context.Context, _ Request) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.attempts <= g.fails {
		return nil, errors.New("transient error")
	}
	return []byte(`{"type":"FeatureCollection","features":[]}`), nil
}

func (g *countingGetter) RequestURL(_ Request) string {
	return "https://geo.example.com/wfs?request=GetFeature"
}

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	getter := &countingGetter{fails: 2}
	rc := NewRetryingClient(getter, 3, time.Second, nil)

	var delays []time.Duration
	rc.sleep = recordingSleep(&delays)

	payload, err := rc.GetFeatures(context.Background(), Request{BBox: geo.BBox{East: 1, North: 1}, Count: 1000})
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	require.Equal(t, 3, getter.attempts)

	// base * 2^0, base * 2^1, no jitter.
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
}

func TestRetryExhaustedSurfacesLastError(t *testing.T) {
	t.Parallel()

	getter := &countingGetter{fails: 10}
	rc := NewRetryingClient(getter, 3, time.Second, nil)

	var delays []time.Duration
	rc.sleep = recordingSleep(&delays)

	_, err := rc.GetFeatures(context.Background(), Request{Count: 1000})
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 3, getter.attempts)
	require.Len(t, delays, 2)
}

func TestRetryStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	getter := &countingGetter{fails: 10}
	rc := NewRetryingClient(getter, 3, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rc.GetFeatures(ctx, Request{Count: 1000})
	require.Error(t, err)
	// Cancellation interrupts the backoff; only the first attempt runs.
	require.Equal(t, 1, getter.attempts)
}

func TestRetryDefaults(t *testing.T) {
	t.Parallel()

	rc := NewRetryingClient(&countingGetter{}, 0, 0, nil)
	require.Equal(t, 3, rc.maxAttempts)
	require.Equal(t, time.Second, rc.baseDelay)
}
