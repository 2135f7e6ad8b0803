package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddstream/pipeline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock drives a rate limiter without real sleeping.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	l := NewRateLimiter("test-source", cfg)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

// --- Rate Limiter Tests ---

func TestRateLimiter_FirstCallImmediate(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 1
	cfg.Jitter = false
	l, clock := newTestLimiter(cfg)

	waited, err := l.Acquire(context.Background(), 1)

	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.Empty(t, clock.slept)
}

func TestRateLimiter_SecondCallWaitsAtLeastOneSecond(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 1
	cfg.Jitter = false
	l, clock := newTestLimiter(cfg)

	_, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)

	waited, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, waited, time.Second)
	require.Len(t, clock.slept, 1)
}

func TestRateLimiter_SlidingWindowOverflowWaits(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.Strategy = StrategySlidingWindow
	cfg.RequestsPerMinute = 2
	cfg.AdaptiveEnabled = false
	cfg.Jitter = false
	l, clock := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		waited, err := l.Acquire(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, waited, "request %d should be admitted immediately", i+1)
	}

	waited, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
	require.NotEmpty(t, clock.slept)
}

func TestRateLimiter_SlidingWindowHourlyCap(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.Strategy = StrategySlidingWindow
	cfg.RequestsPerMinute = 100
	cfg.RequestsPerHour = 2
	cfg.AdaptiveEnabled = false
	cfg.Jitter = false
	cfg.MaxDelay = 0
	l, clock := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		waited, err := l.Acquire(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, waited, "request %d should be admitted immediately", i+1)
	}

	// The minute cap has plenty of headroom; the hourly cap binds.
	waited, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, waited)
	require.Len(t, clock.slept, 1)
}

func TestRateLimiter_AdaptiveShrinksOnLowSuccess(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.SuccessThreshold = 0.8
	cfg.AdaptationFactor = 0.5
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 10; i++ {
		l.RecordResult(false)
	}

	assert.Less(t, l.Multiplier(), 1.0)
	assert.GreaterOrEqual(t, l.Multiplier(), adaptiveFloor)
}

func TestRateLimiter_AdaptiveFloor(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.AdaptationFactor = 0.1
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 100; i++ {
		l.RecordResult(false)
	}

	assert.InDelta(t, adaptiveFloor, l.Multiplier(), 1e-9)
}

func TestRateLimiter_AdaptiveGrowsCautiously(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 200; i++ {
		l.RecordResult(true)
	}

	assert.InDelta(t, adaptiveCeiling, l.Multiplier(), 1e-9)
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	cfg.Jitter = false
	l := NewRateLimiter("test-source", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Acquire(ctx, 1)
	require.NoError(t, err)

	cancel()
	_, err = l.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Circuit Breaker Tests ---

func failingCollect(ctx context.Context) (*domain.CollectionResult, error) {
	return nil, errors.New("connection refused")
}

func successCollect(ctx context.Context) (*domain.CollectionResult, error) {
	return &domain.CollectionResult{Success: true, SchemaValid: true}, nil
}

func newTestBreaker(cfg BreakerConfig) *Breaker {
	b := NewBreaker("test-source", cfg, testLogger())
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func TestBreaker_ClosedByDefault(t *testing.T) {
	b := newTestBreaker(DefaultBreakerConfig())
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_OpensOnThirdConsecutiveFailure(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	b.Call(ctx, failingCollect)
	assert.Equal(t, CircuitClosed, b.State())

	b.Call(ctx, failingCollect)
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_OpenReturnsDegradedResult(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	require.Equal(t, CircuitOpen, b.State())

	result, err := b.Call(ctx, successCollect)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.DegradedMode)
	assert.Empty(t, result.Data)
}

func TestBreaker_OpenInvokesFallback(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.SetFallback(func(context.Context) (*domain.CollectionResult, error) {
		return &domain.CollectionResult{Source: "fallback", Success: true}, nil
	})

	b.Call(ctx, failingCollect)
	result, err := b.Call(ctx, successCollect)

	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Source)
}

func TestBreaker_OpenWithoutDegradedFails(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.EnableDegraded = false
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	_, err := b.Call(ctx, successCollect)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestBreaker_TimeoutMovesToHalfOpen(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.TimeoutDuration = 10 * time.Millisecond
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	require.Equal(t, CircuitOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.TimeoutDuration = time.Millisecond
	cfg.SuccessThreshold = 3
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, b.State())

	for i := 0; i < 3; i++ {
		_, err := b.Call(ctx, successCollect)
		require.NoError(t, err)
	}

	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.TimeoutDuration = time.Millisecond
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, b.State())

	b.Call(ctx, failingCollect)
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_RecoveryProbeFailsTwiceThenPasses(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 5
	cfg.RecoveryStrategy = RecoveryExponential
	cfg.BaseRetryDelay = time.Second
	cfg.TimeoutDuration = time.Hour // recovery loop, not the timeout, must do the transition
	b := NewBreaker("test-source", cfg, testLogger())

	var delays []time.Duration
	var mu sync.Mutex
	b.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	probes := 0
	probeDone := make(chan struct{})
	b.SetHealthCheck(func(context.Context) error {
		probes++
		if probes < 3 {
			return errors.New("still down")
		}
		close(probeDone)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Call(ctx, failingCollect)
	}

	select {
	case <-probeDone:
	case <-time.After(time.Second):
		t.Fatal("recovery probe never passed")
	}
	// Recovery loop sets HALF_OPEN right after the passing probe.
	require.Eventually(t, func() bool { return b.State() == CircuitHalfOpen },
		time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(delays), 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
}

func TestBreaker_TransitionsAreMonotonic(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.TimeoutDuration = time.Millisecond
	cfg.SuccessThreshold = 1
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)

	var changes []StateChange
	b.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	ctx := context.Background()
	b.Call(ctx, failingCollect)
	b.Call(ctx, failingCollect) // CLOSED -> OPEN
	time.Sleep(5 * time.Millisecond)
	b.State()                  // OPEN -> HALF_OPEN
	b.Call(ctx, successCollect) // HALF_OPEN -> CLOSED

	require.Len(t, changes, 3)
	assert.Equal(t, CircuitOpen, changes[0].To)
	assert.Equal(t, CircuitHalfOpen, changes[1].To)
	assert.Equal(t, CircuitClosed, changes[2].To)
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Seq, changes[i-1].Seq)
		assert.Equal(t, changes[i-1].To, changes[i].From)
	}
}

func TestBreaker_HalfOpenLimitsProbeCalls(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.TimeoutDuration = time.Millisecond
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 10 // keep it half-open through the probes
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)
	ctx := context.Background()

	b.Call(ctx, failingCollect)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, b.State())

	calls := 0
	counted := func(context.Context) (*domain.CollectionResult, error) {
		calls++
		return &domain.CollectionResult{Success: true}, nil
	}

	for i := 0; i < 5; i++ {
		b.Call(ctx, counted)
	}

	assert.Equal(t, 2, calls)
}

func TestBreaker_Reset(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.EnableAutoRecover = false
	b := newTestBreaker(cfg)

	b.Call(context.Background(), failingCollect)
	require.Equal(t, CircuitOpen, b.State())

	b.Reset()
	assert.Equal(t, CircuitClosed, b.State())
}
