package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// RecoveryStrategy selects how recovery probe sleeps are spaced.
type RecoveryStrategy string

const (
	RecoveryExponential RecoveryStrategy = "exponential_backoff"
	RecoveryLinear      RecoveryStrategy = "linear_backoff"
	RecoveryImmediate   RecoveryStrategy = "immediate_retry"
)

// BreakerConfig holds per-source circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold  int
	TimeoutDuration   time.Duration
	HalfOpenMaxCalls  int
	RecoveryStrategy  RecoveryStrategy
	MaxRetryAttempts  int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	SuccessThreshold  int
	EnableAutoRecover bool
	EnableDegraded    bool
	AlertOnOpen       bool
	AlertOnRecovery   bool
}

// DefaultBreakerConfig returns the standard per-source settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		TimeoutDuration:   60 * time.Second,
		HalfOpenMaxCalls:  3,
		RecoveryStrategy:  RecoveryExponential,
		MaxRetryAttempts:  5,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     60 * time.Second,
		SuccessThreshold:  3,
		EnableAutoRecover: true,
		EnableDegraded:    true,
		AlertOnOpen:       true,
		AlertOnRecovery:   true,
	}
}

// StateChange is delivered to the observer on every transition. Transitions
// are totally ordered per breaker; Seq is strictly increasing.
type StateChange struct {
	Source string
	From   CircuitState
	To     CircuitState
	Seq    uint64
	At     time.Time
}

// CollectFunc is the guarded operation signature.
type CollectFunc func(ctx context.Context) (*domain.CollectionResult, error)

// Breaker is a per-source circuit breaker with automatic recovery and a
// degraded-mode fallback.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	source string
	logger *slog.Logger

	state             CircuitState
	seq               uint64
	failures          int
	halfOpenSuccesses int
	halfOpenCalls     int
	openedAt          time.Time
	recovering        bool

	callCount    int64
	avgLatencyMS float64

	fallback    CollectFunc
	healthCheck func(ctx context.Context) error
	onChange    func(StateChange)

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBreaker creates a circuit breaker for one source.
func NewBreaker(source string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		source: source,
		logger: logger,
		state:  CircuitClosed,
		sleep:  sleepCtx,
	}
}

// SetFallback registers the function invoked while the circuit is open.
func (b *Breaker) SetFallback(fn CollectFunc) {
	b.mu.Lock()
	b.fallback = fn
	b.mu.Unlock()
}

// SetHealthCheck registers the probe used by the recovery loop.
func (b *Breaker) SetHealthCheck(fn func(ctx context.Context) error) {
	b.mu.Lock()
	b.healthCheck = fn
	b.mu.Unlock()
}

// OnStateChange registers the transition observer. Called outside the lock
// but in transition order.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current state, applying the OPEN→HALF_OPEN timeout.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Stats returns call count and rolling average latency.
func (b *Breaker) Stats() (calls int64, avgLatencyMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount, b.avgLatencyMS
}

// Call executes fn through the breaker.
//
// OPEN: invoke the registered fallback, else return the degraded empty
// result when degraded mode is enabled, else fail with circuit-open.
// HALF_OPEN: allow up to HalfOpenMaxCalls probes, then behave as OPEN.
func (b *Breaker) Call(ctx context.Context, fn CollectFunc) (*domain.CollectionResult, error) {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case CircuitOpen:
		fallback, degraded := b.fallback, b.cfg.EnableDegraded
		b.mu.Unlock()
		return b.rejected(ctx, fallback, degraded)
	case CircuitHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			fallback, degraded := b.fallback, b.cfg.EnableDegraded
			b.mu.Unlock()
			return b.rejected(ctx, fallback, degraded)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	start := time.Now()
	result, err := fn(ctx)
	latency := time.Since(start)

	if err != nil || (result != nil && !result.Success) {
		b.recordFailure(ctx)
	} else {
		b.recordSuccess(latency)
	}
	return result, err
}

func (b *Breaker) rejected(ctx context.Context, fallback CollectFunc, degraded bool) (*domain.CollectionResult, error) {
	if fallback != nil {
		return fallback(ctx)
	}
	if degraded {
		return domain.DegradedResult(b.source), nil
	}
	return nil, fmt.Errorf("circuit open for %s", b.source)
}

func (b *Breaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()

	b.callCount++
	ms := float64(latency.Milliseconds())
	if b.callCount == 1 {
		b.avgLatencyMS = ms
	} else {
		b.avgLatencyMS += (ms - b.avgLatencyMS) / float64(b.callCount)
	}

	switch b.state {
	case CircuitHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(CircuitClosed)
		}
		b.mu.Unlock()
	case CircuitClosed:
		b.failures = 0
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}
}

func (b *Breaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	b.failures++

	var opened bool
	switch b.state {
	case CircuitHalfOpen:
		b.transitionLocked(CircuitOpen)
		opened = true
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(CircuitOpen)
			opened = true
		}
	}

	startRecovery := opened && b.cfg.EnableAutoRecover && !b.recovering
	if startRecovery {
		b.recovering = true
	}
	b.mu.Unlock()

	if startRecovery {
		go b.recoveryLoop(context.WithoutCancel(ctx))
	}
}

// transitionLocked performs a state change under the lock and notifies the
// observer. Sequence numbers make the per-source ordering explicit.
func (b *Breaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.seq++

	switch to {
	case CircuitOpen:
		b.openedAt = time.Now()
	case CircuitHalfOpen:
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case CircuitClosed:
		b.failures = 0
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}

	if b.onChange != nil {
		change := StateChange{Source: b.source, From: from, To: to, Seq: b.seq, At: time.Now()}
		// Observer runs synchronously so changes are seen in order.
		b.onChange(change)
	}
	b.logger.Info("circuit state change", "source", b.source, "from", from.String(), "to", to.String())
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == CircuitOpen && time.Since(b.openedAt) >= b.cfg.TimeoutDuration {
		b.transitionLocked(CircuitHalfOpen)
	}
}

// recoveryLoop probes the source health until the probe passes or attempts
// run out, then moves the breaker to HALF_OPEN.
func (b *Breaker) recoveryLoop(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		b.recovering = false
		b.mu.Unlock()
	}()

	for attempt := 1; attempt <= b.cfg.MaxRetryAttempts; attempt++ {
		if err := b.sleep(ctx, b.retryDelay(attempt)); err != nil {
			return
		}

		b.mu.Lock()
		if b.state != CircuitOpen {
			b.mu.Unlock()
			return
		}
		probe := b.healthCheck
		b.mu.Unlock()

		if probe != nil {
			if err := probe(ctx); err != nil {
				b.logger.Debug("recovery probe failed", "source", b.source, "attempt", attempt, "error", err)
				continue
			}
		}

		b.mu.Lock()
		if b.state == CircuitOpen {
			b.transitionLocked(CircuitHalfOpen)
		}
		b.mu.Unlock()
		return
	}

	b.logger.Warn("recovery attempts exhausted", "source", b.source, "attempts", b.cfg.MaxRetryAttempts)
}

func (b *Breaker) retryDelay(attempt int) time.Duration {
	var d time.Duration
	switch b.cfg.RecoveryStrategy {
	case RecoveryImmediate:
		return 0
	case RecoveryLinear:
		d = b.cfg.BaseRetryDelay * time.Duration(attempt)
	default:
		d = b.cfg.BaseRetryDelay * time.Duration(1<<(attempt-1))
	}
	if b.cfg.MaxRetryDelay > 0 && d > b.cfg.MaxRetryDelay {
		d = b.cfg.MaxRetryDelay
	}
	return d
}

// Reset forces the breaker back to CLOSED. Operational use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(CircuitClosed)
}
