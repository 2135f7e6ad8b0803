package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/collector"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/guard"
	"github.com/oddstream/pipeline/internal/health"
	"github.com/oddstream/pipeline/internal/timesync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Stubs ──

type mockCollector struct {
	mu      sync.Mutex
	source  string
	collect func(ctx context.Context, params collector.Params) (*domain.CollectionResult, error)
	probeOK bool
	calls   int
}

func (m *mockCollector) Name() string   { return "MockCollector" }
func (m *mockCollector) Source() string { return m.source }

func (m *mockCollector) TestConnection(context.Context) bool { return m.probeOK }

func (m *mockCollector) Collect(ctx context.Context, params collector.Params) (*domain.CollectionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.collect(ctx, params)
}

func (m *mockCollector) Cleanup() {}

func (m *mockCollector) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type memSink struct {
	mu      sync.Mutex
	records []domain.RawRecord
}

func (m *memSink) InsertBatch(_ context.Context, records []domain.RawRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return len(records), nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memEvents struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (m *memEvents) Publish(_ context.Context, topic string, _, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.bodies = append(m.bodies, value)
	return nil
}

func (m *memEvents) Enabled() bool { return true }

type noopSession struct{ resets int }

func (s *noopSession) ResetSession() { s.resets++ }

func okResult(source string, n int) *domain.CollectionResult {
	data := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		data = append(data, json.RawMessage(fmt.Sprintf(`{"game_id":"g%d"}`, i+1)))
	}
	return &domain.CollectionResult{
		Source:         source,
		Collector:      "MockCollector",
		Success:        true,
		Data:           data,
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: 40,
		RequestCount:   1,
		SchemaValid:    true,
		FreshnessScore: 1.0,
	}
}

func fastLimits() guard.RateLimitConfig {
	cfg := guard.DefaultRateLimitConfig()
	cfg.RequestsPerSecond = 1000
	cfg.RequestsPerMinute = 100000
	cfg.Burst = 1000
	cfg.AdaptiveEnabled = false
	cfg.Jitter = false
	return cfg
}

func newTestOrchestrator(t *testing.T, collectors ...collector.Collector) (*Orchestrator, *alert.Manager, *memSink, *memEvents) {
	t.Helper()
	analyzer := health.NewAnalyzer(map[string]health.CountRange{
		"alpha": {Min: 5, Max: 15},
	}, testLogger())
	alerts := alert.NewManager(nil, nil, testLogger())
	sink := &memSink{}
	events := &memEvents{}
	buffer := timesync.NewSynchronizer(timesync.DefaultConfig())

	o := NewOrchestrator(collector.NewRegistry(collectors...), analyzer, alerts,
		buffer, &noopSession{}, sink, events, 5, testLogger())
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o, alerts, sink, events
}

func registerSimple(t *testing.T, o *Orchestrator, name string, priority Priority, deps ...string) {
	t.Helper()
	require.NoError(t, o.RegisterSource(SourceConfig{
		Name:       name,
		Enabled:    true,
		Priority:   priority,
		Interval:   time.Hour,
		MaxRetries: 2,
		Timeout:    5 * time.Second,
		DependsOn:  deps,
	}, fastLimits(), guard.DefaultBreakerConfig()))
}

// ── Plan construction ──

func TestNewPlan_RejectsUnknownDependencyAndCycles(t *testing.T) {
	_, err := NewPlan("p", []SourceConfig{
		{Name: "a", Enabled: true, DependsOn: []string{"ghost"}},
	}, 2, time.Minute)
	require.Error(t, err)

	_, err = NewPlan("p", []SourceConfig{
		{Name: "a", Enabled: true, DependsOn: []string{"b"}},
		{Name: "b", Enabled: true, DependsOn: []string{"a"}},
	}, 2, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestReadyTasks_PriorityThenCreationOrder(t *testing.T) {
	plan, err := NewPlan("p", []SourceConfig{
		{Name: "low", Enabled: true, Priority: PriorityLow},
		{Name: "critical", Enabled: true, Priority: PriorityCritical},
		{Name: "normal-1", Enabled: true, Priority: PriorityNormal},
		{Name: "normal-2", Enabled: true, Priority: PriorityNormal},
	}, 4, time.Minute)
	require.NoError(t, err)

	ready := plan.readyTasks(map[string]bool{})
	require.Len(t, ready, 4)
	assert.Equal(t, "critical", ready[0].Source)
	assert.Equal(t, "normal-1", ready[1].Source)
	assert.Equal(t, "normal-2", ready[2].Source)
	assert.Equal(t, "low", ready[3].Source)
}

// ── Execution ──

func TestExecutePlan_HappyPath(t *testing.T) {
	mock := &mockCollector{source: "alpha", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			return okResult("alpha", 10), nil
		}}
	o, alerts, sink, events := newTestOrchestrator(t, mock)
	registerSimple(t, o, "alpha", PriorityNormal)

	plan, err := o.CreatePlan("nightly", nil, 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(context.Background(), plan))

	assert.Equal(t, PlanCompleted, plan.Status)
	assert.Equal(t, 1, plan.Succeeded)
	assert.Equal(t, 0, plan.Failed)
	assert.Equal(t, 10, plan.Records)

	for _, task := range plan.Tasks {
		assert.Equal(t, TaskSuccess, task.Status)
		require.NotNil(t, task.Analysis)
		assert.InDelta(t, 1.0, task.Analysis.Confidence, 1e-9)
		assert.Equal(t, domain.HealthHealthy, task.Analysis.Metrics.Status)
	}

	assert.Equal(t, 10, sink.count())
	assert.Empty(t, alerts.ActiveAlerts(alert.AlertFilter{}))
	require.NotEmpty(t, events.topics)
	assert.Equal(t, planCompletedTopic, events.topics[0])
}

func TestExecutePlan_SilentSchemaChange(t *testing.T) {
	mock := &mockCollector{source: "alpha", probeOK: false,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			res := okResult("alpha", 0)
			return res, nil
		}}
	o, alerts, sink, _ := newTestOrchestrator(t, mock)
	registerSimple(t, o, "alpha", PriorityNormal)

	plan, err := o.CreatePlan("p", nil, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(context.Background(), plan))

	for _, task := range plan.Tasks {
		assert.Equal(t, TaskFailed, task.Status)
		require.NotNil(t, task.Analysis)
		assert.Contains(t, task.Analysis.Patterns, domain.PatternSchemaChange)
		assert.Less(t, task.Analysis.Confidence, 0.5)
	}
	assert.Zero(t, sink.count())

	// Recovery runs async: SCHEMA_CHANGE leads straight to the manual
	// intervention alert without retry probes.
	require.Eventually(t, func() bool {
		return len(alerts.ActiveAlerts(alert.AlertFilter{Type: domain.AlertTypeManualIntervention})) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mock.callCount())

	raised := alerts.ActiveAlerts(alert.AlertFilter{Type: domain.AlertTypeManualIntervention})
	assert.False(t, raised[0].AutoRecoverable)
}

func TestExecutePlan_DependencyOrderAndCancellation(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	base := &mockCollector{source: "base", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			record("base")
			return okResult("base", 3), nil
		}}
	dependent := &mockCollector{source: "dependent", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			record("dependent")
			return okResult("dependent", 3), nil
		}}
	broken := &mockCollector{source: "broken", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			return nil, domain.NewCollectError(domain.ErrFatal, "broken", "hard down", nil)
		}}
	orphan := &mockCollector{source: "orphan", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			return okResult("orphan", 1), nil
		}}

	o, _, _, _ := newTestOrchestrator(t, base, dependent, broken, orphan)
	registerSimple(t, o, "base", PriorityHigh)
	registerSimple(t, o, "dependent", PriorityCritical, "base")
	registerSimple(t, o, "broken", PriorityNormal)
	registerSimple(t, o, "orphan", PriorityLow, "broken")

	plan, err := o.CreatePlan("deps", nil, 4, time.Minute)
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(context.Background(), plan))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, order, "dependent")
	assert.Less(t, indexOf(order, "base"), indexOf(order, "dependent"))

	byName := tasksBySource(plan)
	assert.Equal(t, TaskSuccess, byName["base"].Status)
	assert.Equal(t, TaskSuccess, byName["dependent"].Status)
	assert.Equal(t, TaskFailed, byName["broken"].Status)
	assert.Equal(t, TaskCancelled, byName["orphan"].Status)
	assert.Equal(t, "dependency did not succeed", byName["orphan"].Error)
}

func TestExecuteTask_TransientRetriesWithExponentialBackoff(t *testing.T) {
	attempts := 0
	mock := &mockCollector{source: "alpha", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			attempts++
			if attempts < 3 {
				return nil, domain.NewCollectError(domain.ErrTransient, "alpha", "flaky upstream", nil)
			}
			return okResult("alpha", 10), nil
		}}
	o, _, _, _ := newTestOrchestrator(t, mock)
	registerSimple(t, o, "alpha", PriorityNormal)

	var delays []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	plan, err := o.CreatePlan("p", nil, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(context.Background(), plan))

	byName := tasksBySource(plan)
	assert.Equal(t, TaskSuccess, byName["alpha"].Status)
	assert.Equal(t, 3, byName["alpha"].Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestExecuteTask_TaskTimeoutIsTerminal(t *testing.T) {
	mock := &mockCollector{source: "alpha", probeOK: true,
		collect: func(ctx context.Context, _ collector.Params) (*domain.CollectionResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	o, _, _, _ := newTestOrchestrator(t, mock)
	require.NoError(t, o.RegisterSource(SourceConfig{
		Name:       "alpha",
		Enabled:    true,
		Priority:   PriorityNormal,
		Interval:   time.Hour,
		MaxRetries: 2,
		Timeout:    50 * time.Millisecond,
	}, fastLimits(), guard.DefaultBreakerConfig()))

	plan, err := o.CreatePlan("p", nil, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, o.ExecutePlan(context.Background(), plan))

	byName := tasksBySource(plan)
	assert.Equal(t, TaskTimeout, byName["alpha"].Status)
	assert.Equal(t, 1, byName["alpha"].Attempts)
	assert.Equal(t, 1, mock.callCount())
}

func TestExecutePlan_DeadlineTimesOut(t *testing.T) {
	mock := &mockCollector{source: "alpha", probeOK: true,
		collect: func(ctx context.Context, _ collector.Params) (*domain.CollectionResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	o, _, _, _ := newTestOrchestrator(t, mock)
	registerSimple(t, o, "alpha", PriorityNormal)

	plan, err := o.CreatePlan("p", nil, 1, 80*time.Millisecond)
	require.NoError(t, err)

	err = o.ExecutePlan(context.Background(), plan)
	require.Error(t, err)

	assert.Equal(t, PlanTimeout, plan.Status)
	for _, task := range plan.Tasks {
		assert.Contains(t, []TaskStatus{TaskCancelled, TaskTimeout}, task.Status)
	}
}

func TestCollectNow_UnknownSource(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	require.Error(t, o.CollectNow(context.Background(), "nope"))
}

func TestResetBreaker(t *testing.T) {
	mock := &mockCollector{source: "alpha", probeOK: true,
		collect: func(context.Context, collector.Params) (*domain.CollectionResult, error) {
			return okResult("alpha", 10), nil
		}}
	o, _, _, _ := newTestOrchestrator(t, mock)
	registerSimple(t, o, "alpha", PriorityNormal)

	assert.True(t, o.ResetBreaker("alpha"))
	assert.False(t, o.ResetBreaker("ghost"))
	assert.Equal(t, "closed", o.BreakerStates()["alpha"])
}

// ── helpers ──

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func tasksBySource(plan *CollectionPlan) map[string]*CollectionTask {
	out := make(map[string]*CollectionTask, len(plan.Tasks))
	for _, task := range plan.Tasks {
		out[task.Source] = task
	}
	return out
}
