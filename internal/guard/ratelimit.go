package guard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitStrategy selects the admission algorithm for a source.
type RateLimitStrategy string

const (
	StrategyTokenBucket   RateLimitStrategy = "token_bucket"
	StrategySlidingWindow RateLimitStrategy = "sliding_window"
)

// RateLimitConfig holds per-source admission settings.
type RateLimitConfig struct {
	Strategy          RateLimitStrategy
	RequestsPerSecond float64
	RequestsPerMinute int
	RequestsPerHour   int // 0 disables the hourly cap
	Burst             int
	AdaptiveEnabled   bool
	SuccessThreshold  float64 // rolling success rate below this shrinks the rate
	AdaptationFactor  float64 // multiplier applied on sustained low success
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            bool
}

// DefaultRateLimitConfig returns conservative per-source defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Strategy:          StrategyTokenBucket,
		RequestsPerSecond: 1,
		RequestsPerMinute: 30,
		RequestsPerHour:   600,
		Burst:             2,
		AdaptiveEnabled:   true,
		SuccessThreshold:  0.8,
		AdaptationFactor:  0.5,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		Jitter:            true,
	}
}

const (
	adaptiveFloor   = 0.1
	adaptiveCeiling = 2.0
	adaptiveGrowth  = 1.1
	resultWindow    = 20
)

// RateLimiter is per-source admission control. Acquire never fails on
// overflow; it sleeps the required interval instead. Token accounting is
// linearizable under the per-limiter mutex.
type RateLimiter struct {
	mu     sync.Mutex
	source string
	cfg    RateLimitConfig

	bucket *rate.Limiter
	window []time.Time

	multiplier float64
	results    []bool
	denials    int

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a rate limiter for one source.
func NewRateLimiter(source string, cfg RateLimitConfig) *RateLimiter {
	l := &RateLimiter{
		source:     source,
		cfg:        cfg,
		multiplier: 1.0,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if cfg.Strategy == StrategyTokenBucket {
		l.bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return l
}

// Acquire admits n requests, sleeping whatever wait the strategy demands.
// It returns the total time waited. The only error is context cancellation.
func (l *RateLimiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n < 1 {
		n = 1
	}

	wait := l.reserve(n)
	if wait <= 0 {
		l.resetDenials()
		return 0, nil
	}

	wait = l.backoff(wait)
	if err := l.sleep(ctx, wait); err != nil {
		return wait, err
	}
	return wait, nil
}

// reserve computes the wait for n requests and commits them to the
// strategy's accounting.
func (l *RateLimiter) reserve(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.cfg.Strategy {
	case StrategySlidingWindow:
		return l.reserveWindow(n)
	default:
		r := l.bucket.ReserveN(l.now(), n)
		if !r.OK() {
			// n exceeds burst; admit anyway after draining the bucket.
			return time.Duration(float64(n)/float64(l.bucket.Limit())) * time.Second
		}
		return r.DelayFrom(l.now())
	}
}

func (l *RateLimiter) reserveWindow(n int) time.Duration {
	now := l.now()

	// Entries older than the longest span count against neither cap.
	cutoff := now.Add(-time.Hour)
	valid := l.window[:0]
	for _, t := range l.window {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	l.window = valid

	wait := l.windowWait(now, time.Minute, l.cfg.RequestsPerMinute, n)
	if l.cfg.RequestsPerHour > 0 {
		wait = max(wait, l.windowWait(now, time.Hour, l.cfg.RequestsPerHour, n))
	}

	admit := now.Add(wait)
	for i := 0; i < n; i++ {
		l.window = append(l.window, admit)
	}
	return wait
}

// windowWait computes how long n requests must wait before the span's cap
// admits them, counting the entries newer than now minus span. Entries are
// appended in admission order, so the slice stays sorted.
func (l *RateLimiter) windowWait(now time.Time, span time.Duration, limit, n int) time.Duration {
	limit = max(int(float64(limit)*l.multiplier), 1)

	cutoff := now.Add(-span)
	var inSpan []time.Time
	for _, t := range l.window {
		if t.After(cutoff) {
			inSpan = append(inSpan, t)
		}
	}

	free := limit - len(inSpan)
	if free >= n {
		return 0
	}

	// Wait until enough of the oldest in-span entries age out.
	need := min(n-free, len(inSpan))
	if need < 1 {
		return 0
	}
	return inSpan[need-1].Add(span).Sub(now)
}

// backoff applies the exponential repeated-denial multiplier and jitter.
func (l *RateLimiter) backoff(wait time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.denials > 0 {
		factor := 1 << min(l.denials, 6)
		wait = wait * time.Duration(factor)
	}
	l.denials++

	if l.cfg.MaxDelay > 0 && wait > l.cfg.MaxDelay {
		wait = l.cfg.MaxDelay
	}
	if l.cfg.Jitter {
		// ±10%
		delta := time.Duration(rand.Int63n(int64(wait)/5+1)) - wait/10
		wait += delta
	}
	return wait
}

func (l *RateLimiter) resetDenials() {
	l.mu.Lock()
	l.denials = 0
	l.mu.Unlock()
}

// RecordResult feeds the adaptive layer with a call outcome.
func (l *RateLimiter) RecordResult(success bool) {
	if !l.cfg.AdaptiveEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.results = append(l.results, success)
	if len(l.results) > resultWindow {
		l.results = l.results[len(l.results)-resultWindow:]
	}
	if len(l.results) < 5 {
		return
	}

	successes := 0
	for _, ok := range l.results {
		if ok {
			successes++
		}
	}
	ratio := float64(successes) / float64(len(l.results))

	switch {
	case ratio < l.cfg.SuccessThreshold:
		l.multiplier *= l.cfg.AdaptationFactor
		if l.multiplier < adaptiveFloor {
			l.multiplier = adaptiveFloor
		}
	case ratio > 0.95:
		l.multiplier *= adaptiveGrowth
		if l.multiplier > adaptiveCeiling {
			l.multiplier = adaptiveCeiling
		}
	}

	if l.bucket != nil {
		l.bucket.SetLimit(rate.Limit(l.cfg.RequestsPerSecond * l.multiplier))
	}
}

// Multiplier returns the current adaptive multiplier.
func (l *RateLimiter) Multiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.multiplier
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
