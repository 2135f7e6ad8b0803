// Package orchestrator schedules collection plans: it owns the per-source
// rate limiters, circuit breakers, and collectors for the lifetime of a
// plan, and decides final task status from collection success plus the
// analyzer's confidence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/collector"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/guard"
	"github.com/oddstream/pipeline/internal/health"
	"github.com/oddstream/pipeline/internal/timesync"
)

// confidenceFloor is the minimum analyzer confidence for a task to count
// as SUCCESS even when the collection itself succeeded.
const confidenceFloor = 0.7

// schedulerTick bounds how long the plan loop waits before re-checking
// task readiness.
const schedulerTick = 10 * time.Second

// planCompletedTopic receives one event per finished plan.
const planCompletedTopic = "pipeline.collection.completed"

// RawSink persists collected raw records.
type RawSink interface {
	InsertBatch(ctx context.Context, records []domain.RawRecord) (int, error)
}

// EventPublisher publishes pipeline events. Satisfied by the Kafka
// producer; a disabled producer no-ops.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Enabled() bool
}

// SessionCache is the per-plan cache tier the orchestrator resets at plan
// start.
type SessionCache interface {
	ResetSession()
}

// HealthSink persists per-attempt health snapshots for history queries.
// Optional; nil disables snapshotting.
type HealthSink interface {
	SaveSnapshot(ctx context.Context, m *domain.HealthMetrics) error
}

// Orchestrator builds and executes collection plans.
type Orchestrator struct {
	registry *collector.Registry
	analyzer *health.Analyzer
	alerts   *alert.Manager
	buffer   *timesync.Synchronizer
	session  SessionCache
	raw      RawSink
	events   EventPublisher
	snapshot HealthSink
	logger   *slog.Logger

	mu         sync.Mutex
	sources    map[string]SourceConfig
	limiters   map[string]*guard.RateLimiter
	breakers   map[string]*guard.Breaker
	plans      map[uuid.UUID]*CollectionPlan
	recoveries map[string]*RecoveryPlan

	maxConcurrent int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the orchestrator. Sources are registered
// afterwards with RegisterSource.
func NewOrchestrator(registry *collector.Registry, analyzer *health.Analyzer, alerts *alert.Manager,
	buffer *timesync.Synchronizer, session SessionCache, raw RawSink, events EventPublisher,
	maxConcurrent int, logger *slog.Logger) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &Orchestrator{
		registry:      registry,
		analyzer:      analyzer,
		alerts:        alerts,
		buffer:        buffer,
		session:       session,
		raw:           raw,
		events:        events,
		logger:        logger,
		sources:       make(map[string]SourceConfig),
		limiters:      make(map[string]*guard.RateLimiter),
		breakers:      make(map[string]*guard.Breaker),
		plans:         make(map[uuid.UUID]*CollectionPlan),
		recoveries:    make(map[string]*RecoveryPlan),
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// SetHealthSink enables persistence of per-attempt health snapshots.
func (o *Orchestrator) SetHealthSink(sink HealthSink) {
	o.snapshot = sink
}

// RegisterSource installs the guard pair for one source and remembers its
// scheduling configuration.
func (o *Orchestrator) RegisterSource(cfg SourceConfig, rlCfg guard.RateLimitConfig, brCfg guard.BreakerConfig) error {
	coll, ok := o.registry.Get(cfg.Name)
	if !ok {
		return fmt.Errorf("no collector registered for source %s", cfg.Name)
	}

	breaker := guard.NewBreaker(cfg.Name, brCfg, o.logger)
	breaker.SetHealthCheck(func(ctx context.Context) error {
		if !coll.TestConnection(ctx) {
			return fmt.Errorf("connection probe failed for %s", cfg.Name)
		}
		return nil
	})
	if brCfg.EnableDegraded {
		breaker.SetFallback(func(context.Context) (*domain.CollectionResult, error) {
			return domain.DegradedResult(cfg.Name), nil
		})
	}
	breaker.OnStateChange(func(change guard.StateChange) {
		o.onBreakerChange(change, brCfg)
	})

	o.mu.Lock()
	o.sources[cfg.Name] = cfg
	o.limiters[cfg.Name] = guard.NewRateLimiter(cfg.Name, rlCfg)
	o.breakers[cfg.Name] = breaker
	o.mu.Unlock()

	o.logger.Info("source registered", "source", cfg.Name, "priority", cfg.Priority.String(),
		"interval", cfg.Interval, "depends_on", cfg.DependsOn)
	return nil
}

func (o *Orchestrator) onBreakerChange(change guard.StateChange, cfg guard.BreakerConfig) {
	ctx := context.Background()
	switch {
	case change.To == guard.CircuitOpen && cfg.AlertOnOpen:
		o.alerts.Raise(ctx, &domain.Alert{
			Source:          change.Source,
			Type:            domain.AlertTypeCircuitOpened,
			Severity:        domain.SeverityCritical,
			Message:         fmt.Sprintf("circuit opened for %s", change.Source),
			AutoRecoverable: true,
			Metadata:        map[string]string{"seq": fmt.Sprintf("%d", change.Seq)},
		})
	case change.To == guard.CircuitClosed && change.From == guard.CircuitHalfOpen && cfg.AlertOnRecovery:
		o.alerts.Raise(ctx, &domain.Alert{
			Source:          change.Source,
			Type:            domain.AlertTypeCircuitClosed,
			Severity:        domain.SeverityInfo,
			Message:         fmt.Sprintf("circuit closed for %s after recovery", change.Source),
			AutoRecoverable: true,
		})
	}
}

// SourceConfigs returns the registered sources in registration-stable form.
func (o *Orchestrator) SourceConfigs() []SourceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SourceConfig, 0, len(o.sources))
	for _, cfg := range o.sources {
		out = append(out, cfg)
	}
	return out
}

// BreakerStates reports the current circuit state per source.
func (o *Orchestrator) BreakerStates() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.breakers))
	for source, breaker := range o.breakers {
		out[source] = breaker.State().String()
	}
	return out
}

// TestConnection probes one source's collector directly, bypassing the
// guard stack.
func (o *Orchestrator) TestConnection(ctx context.Context, source string) (bool, error) {
	coll, ok := o.registry.Get(source)
	if !ok {
		return false, fmt.Errorf("unknown source %s", source)
	}
	return coll.TestConnection(ctx), nil
}

// ResetBreaker force-closes one source's circuit.
func (o *Orchestrator) ResetBreaker(source string) bool {
	o.mu.Lock()
	breaker, ok := o.breakers[source]
	o.mu.Unlock()
	if ok {
		breaker.Reset()
	}
	return ok
}

// ActiveRecoveries snapshots the in-flight recovery plans.
func (o *Orchestrator) ActiveRecoveries() []RecoveryPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RecoveryPlan, 0, len(o.recoveries))
	for _, plan := range o.recoveries {
		out = append(out, *plan)
	}
	return out
}

// Plan returns a plan by id.
func (o *Orchestrator) Plan(id uuid.UUID) (*CollectionPlan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan, ok := o.plans[id]
	return plan, ok
}

// Plans snapshots all known plans.
func (o *Orchestrator) Plans() []*CollectionPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*CollectionPlan, 0, len(o.plans))
	for _, plan := range o.plans {
		out = append(out, plan)
	}
	return out
}

// CreatePlan builds a plan over the named sources (all registered sources
// when names is empty).
func (o *Orchestrator) CreatePlan(name string, names []string, concurrency int, deadline time.Duration) (*CollectionPlan, error) {
	o.mu.Lock()
	var configs []SourceConfig
	if len(names) == 0 {
		for _, src := range o.registry.Sources() {
			if cfg, ok := o.sources[src]; ok {
				configs = append(configs, cfg)
			}
		}
	} else {
		for _, name := range names {
			cfg, ok := o.sources[name]
			if !ok {
				o.mu.Unlock()
				return nil, fmt.Errorf("unknown source %s", name)
			}
			configs = append(configs, cfg)
		}
	}
	o.mu.Unlock()

	if concurrency < 1 {
		concurrency = o.maxConcurrent
	}
	if concurrency > o.maxConcurrent {
		concurrency = o.maxConcurrent
	}

	plan, err := NewPlan(name, configs, concurrency, deadline)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.plans[plan.ID] = plan
	o.mu.Unlock()
	return plan, nil
}

// ExecutePlan runs the plan to completion or deadline. The per-plan
// resolver session resets at start.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *CollectionPlan) error {
	if o.session != nil {
		o.session.ResetSession()
	}

	started := o.now()
	o.mu.Lock()
	plan.Status = PlanRunning
	plan.StartedAt = &started
	o.mu.Unlock()

	planCtx := ctx
	var cancel context.CancelFunc
	if plan.Deadline > 0 {
		planCtx, cancel = context.WithTimeout(ctx, plan.Deadline)
		defer cancel()
	}

	o.logger.Info("plan started", "plan_id", plan.ID, "name", plan.Name,
		"tasks", len(plan.Tasks), "concurrency", plan.Concurrency)

	completed := make(map[string]bool)
	running := 0
	done := make(chan string, len(plan.Tasks))

	for {
		o.mu.Lock()
		ready := plan.readyTasks(completed)
		o.mu.Unlock()

		for _, task := range ready {
			if running >= plan.Concurrency {
				break
			}
			o.mu.Lock()
			task.Status = TaskRunning
			o.mu.Unlock()
			running++
			go func(task *CollectionTask) {
				o.executeTaskWithRecovery(planCtx, task)
				done <- task.ID
			}(task)
		}

		o.mu.Lock()
		finished := plan.allTerminal()
		o.mu.Unlock()
		if finished {
			break
		}
		if running == 0 && len(ready) == 0 {
			// Remaining pending tasks depend on failed tasks; cancel them.
			o.mu.Lock()
			for _, task := range plan.Tasks {
				if task.Status == TaskPending {
					task.Status = TaskCancelled
					task.Error = "dependency did not succeed"
				}
			}
			o.mu.Unlock()
			break
		}

		tick := time.NewTimer(schedulerTick)
		select {
		case id := <-done:
			running--
			o.mu.Lock()
			if plan.Tasks[id].Status == TaskSuccess {
				completed[id] = true
			}
			o.mu.Unlock()
		case <-planCtx.Done():
			tick.Stop()
			o.finishPlanTimeout(ctx, plan, running, done)
			return planCtx.Err()
		case <-tick.C:
		}
		tick.Stop()
	}

	o.finishPlan(ctx, plan)
	return nil
}

func (o *Orchestrator) finishPlanTimeout(ctx context.Context, plan *CollectionPlan, running int, done chan string) {
	// Running tasks observe the cancelled context and finish on their own.
	for running > 0 {
		<-done
		running--
	}
	o.mu.Lock()
	for _, task := range plan.Tasks {
		if !task.terminal() {
			task.Status = TaskCancelled
			task.Error = "plan deadline exceeded"
		}
	}
	plan.Status = PlanTimeout
	o.mu.Unlock()
	o.finishPlan(ctx, plan)
	o.logger.Warn("plan timed out", "plan_id", plan.ID, "name", plan.Name)
}

func (o *Orchestrator) finishPlan(ctx context.Context, plan *CollectionPlan) {
	finished := o.now()

	o.mu.Lock()
	plan.FinishedAt = &finished
	plan.Succeeded, plan.Failed, plan.Records = 0, 0, 0
	for _, task := range plan.Tasks {
		switch task.Status {
		case TaskSuccess:
			plan.Succeeded++
			if task.Result != nil {
				plan.Records += len(task.Result.Data)
			}
		default:
			plan.Failed++
		}
	}
	if plan.Status != PlanTimeout {
		switch {
		case plan.Failed == 0:
			plan.Status = PlanCompleted
		case plan.Succeeded == 0:
			plan.Status = PlanFailed
		default:
			plan.Status = PlanCompleted
		}
	}
	snapshot := *plan
	o.mu.Unlock()

	o.logger.Info("plan complete", "plan_id", plan.ID, "name", plan.Name,
		"status", snapshot.Status, "succeeded", snapshot.Succeeded,
		"failed", snapshot.Failed, "records", snapshot.Records)

	o.publishPlanEvent(ctx, &snapshot)
}

func (o *Orchestrator) publishPlanEvent(ctx context.Context, plan *CollectionPlan) {
	if o.events == nil || !o.events.Enabled() {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"plan_id":   plan.ID,
		"name":      plan.Name,
		"status":    plan.Status,
		"succeeded": plan.Succeeded,
		"failed":    plan.Failed,
		"records":   plan.Records,
		"finished":  plan.FinishedAt,
	})
	if err != nil {
		return
	}
	if err := o.events.Publish(ctx, planCompletedTopic, []byte(plan.ID.String()), payload); err != nil {
		o.logger.Warn("plan event publish failed", "plan_id", plan.ID, "error", err)
	}
}

// ── Task execution ──

// executeTaskWithRecovery runs one task through the guard stack, retries
// transient failures with exponential backoff, and triggers a recovery
// plan when the source's rolling health warrants one.
func (o *Orchestrator) executeTaskWithRecovery(ctx context.Context, task *CollectionTask) {
	coll, ok := o.registry.Get(task.Source)
	if !ok {
		o.setTaskStatus(task, TaskFailed, fmt.Sprintf("no collector for source %s", task.Source))
		return
	}
	o.mu.Lock()
	limiter := o.limiters[task.Source]
	breaker := o.breakers[task.Source]
	o.mu.Unlock()

	for {
		task.Attempts++

		status, retry := o.executeOnce(ctx, task, coll, limiter, breaker)
		if !retry {
			o.setTaskStatus(task, status, task.Error)
			o.maybeStartRecovery(ctx, task)
			return
		}
		if task.Attempts > task.maxRetries {
			o.setTaskStatus(task, status, task.Error)
			o.maybeStartRecovery(ctx, task)
			return
		}

		delay := backoffDelay(task.Attempts)
		o.logger.Info("task retry scheduled", "source", task.Source, "attempt", task.Attempts, "delay", delay)
		if err := o.sleep(ctx, delay); err != nil {
			o.setTaskStatus(task, TaskCancelled, "cancelled during retry backoff")
			return
		}
	}
}

// executeOnce performs a single guarded collection attempt. It returns the
// would-be terminal status and whether the failure is retryable.
func (o *Orchestrator) executeOnce(ctx context.Context, task *CollectionTask,
	coll collector.Collector, limiter *guard.RateLimiter, breaker *guard.Breaker) (TaskStatus, bool) {

	if limiter != nil {
		if _, err := limiter.Acquire(ctx, 1); err != nil {
			task.Error = "rate limit acquire cancelled"
			return TaskRateLimited, false
		}
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	collect := func(ctx context.Context) (*domain.CollectionResult, error) {
		return coll.Collect(ctx, task.Params)
	}

	var result *domain.CollectionResult
	var err error
	if breaker != nil {
		result, err = breaker.Call(taskCtx, collect)
	} else {
		result, err = collect(taskCtx)
	}

	if limiter != nil && result != nil {
		throttled := false
		var cerr *domain.CollectError
		if errors.As(err, &cerr) && cerr.Kind == domain.ErrThrottled {
			throttled = true
		}
		limiter.RecordResult(result.Success && !throttled)
	}

	if result != nil {
		o.absorbResult(ctx, task, result)
	}

	switch {
	case err == nil && result != nil:
		task.Result = result
		if result.Success && task.Analysis != nil && task.Analysis.Confidence >= confidenceFloor {
			return TaskSuccess, false
		}
		task.Error = firstError(result)
		return TaskFailed, false
	case ctx.Err() != nil:
		task.Error = "plan cancelled"
		return TaskCancelled, false
	case errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil:
		// The task's own deadline is terminal; only collector-level
		// transient and throttled errors retry.
		task.Result = result
		task.Error = "task timeout"
		return TaskTimeout, false
	default:
		task.Result = result
		task.Error = err.Error()
		var cerr *domain.CollectError
		if errors.As(err, &cerr) {
			return TaskFailed, cerr.Retryable()
		}
		return TaskFailed, false
	}
}

// absorbResult feeds one collection result into persistence, the
// synchronizer buffer, the analyzer, and alert evaluation.
func (o *Orchestrator) absorbResult(ctx context.Context, task *CollectionTask, result *domain.CollectionResult) {
	if result.Success && len(result.Data) > 0 && o.raw != nil && !result.DegradedMode {
		records := make([]domain.RawRecord, 0, len(result.Data))
		for _, item := range result.Data {
			records = append(records, domain.RawRecord{
				Source:      result.Source,
				Collector:   result.Collector,
				ExternalID:  externalIDOf(item),
				Payload:     item,
				CollectedAt: result.Timestamp,
			})
		}
		if _, err := o.raw.InsertBatch(ctx, records); err != nil {
			o.logger.Error("raw persistence failed", "source", result.Source, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("raw persistence failed: %v", err))
		}
	}

	if o.buffer != nil && result.Success {
		for _, item := range result.Data {
			o.buffer.Add(result.Source, item, result.Timestamp)
		}
	}

	analysis := o.analyzer.Analyze(result)
	task.Analysis = analysis
	o.alerts.Evaluate(ctx, result.Source, &analysis.Metrics)

	if o.snapshot != nil {
		if err := o.snapshot.SaveSnapshot(ctx, &analysis.Metrics); err != nil {
			o.logger.Warn("health snapshot failed", "source", result.Source, "error", err)
		}
	}
}

func externalIDOf(item json.RawMessage) string {
	var probe struct {
		GameID string `json:"game_id"`
		GamePk int64  `json:"gamePk"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return ""
	}
	if probe.GameID != "" {
		return probe.GameID
	}
	if probe.GamePk != 0 {
		return fmt.Sprintf("%d", probe.GamePk)
	}
	return ""
}

func firstError(result *domain.CollectionResult) string {
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	if result.Success {
		return "confidence below threshold"
	}
	return "collection unsuccessful"
}

func (o *Orchestrator) setTaskStatus(task *CollectionTask, status TaskStatus, errMsg string) {
	o.mu.Lock()
	task.Status = status
	task.Error = errMsg
	o.mu.Unlock()
}

// maybeStartRecovery launches a recovery plan when the source's rolling
// health crosses the repeated-failure bar and no plan is already active.
func (o *Orchestrator) maybeStartRecovery(ctx context.Context, task *CollectionTask) {
	metrics, ok := o.analyzer.Metrics(task.Source)
	if !ok {
		return
	}
	needsRecovery := metrics.ConsecutiveFailures >= 3 ||
		metrics.ConfidenceScore < 0.5 ||
		metrics.GapHours(o.now()) >= 2
	if !needsRecovery {
		return
	}

	o.mu.Lock()
	if _, active := o.recoveries[task.Source]; active {
		o.mu.Unlock()
		return
	}
	plan := &RecoveryPlan{
		Source:    task.Source,
		Actions:   buildRecoveryActions(metrics.FailurePatterns),
		StartedAt: o.now(),
	}
	o.recoveries[task.Source] = plan
	o.mu.Unlock()

	o.logger.Warn("recovery plan started", "source", task.Source,
		"consecutive_failures", metrics.ConsecutiveFailures,
		"confidence", metrics.ConfidenceScore, "actions", plan.Actions)

	go o.runRecovery(context.WithoutCancel(ctx), plan)
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
