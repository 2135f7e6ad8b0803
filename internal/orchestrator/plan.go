package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/collector"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/health"
)

// Priority orders task selection within a scheduling tick.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// TaskStatus is the lifecycle state of one collection task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskRunning     TaskStatus = "running"
	TaskSuccess     TaskStatus = "success"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
	TaskTimeout     TaskStatus = "timeout"
	TaskRateLimited TaskStatus = "rate_limited"
)

// PlanStatus is the lifecycle state of a collection plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanTimeout   PlanStatus = "timeout"
)

// SourceConfig is the per-source scheduling configuration.
type SourceConfig struct {
	Name                string           `json:"name"`
	Enabled             bool             `json:"enabled"`
	Priority            Priority         `json:"priority"`
	Interval            time.Duration    `json:"interval"`
	MaxRetries          int              `json:"max_retries"`
	Timeout             time.Duration    `json:"timeout"`
	EnableValidation    bool             `json:"enable_validation"`
	EnableDeduplication bool             `json:"enable_deduplication"`
	DependsOn           []string         `json:"depends_on,omitempty"`
	Params              collector.Params `json:"-"`
}

// CollectionTask is one scheduled collector invocation inside a plan.
type CollectionTask struct {
	ID        string                   `json:"id"`
	Source    string                   `json:"source"`
	Priority  Priority                 `json:"priority"`
	Params    collector.Params         `json:"-"`
	Timeout   time.Duration            `json:"timeout"`
	Attempts  int                      `json:"attempts"`
	Status    TaskStatus               `json:"status"`
	DependsOn []string                 `json:"depends_on,omitempty"`
	Dependents []string                `json:"dependents,omitempty"`
	Result    *domain.CollectionResult `json:"result,omitempty"`
	Analysis  *health.Analysis         `json:"analysis,omitempty"`
	Error     string                   `json:"error,omitempty"`
	CreatedAt time.Time                `json:"created_at"`

	maxRetries int
	seq        int
}

// CollectionPlan is a batch of tasks executed under one concurrency cap
// and deadline.
type CollectionPlan struct {
	ID          uuid.UUID                  `json:"id"`
	Name        string                     `json:"name"`
	Tasks       map[string]*CollectionTask `json:"tasks"`
	Concurrency int                        `json:"concurrency"`
	Deadline    time.Duration              `json:"deadline"`
	Status      PlanStatus                 `json:"status"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	FinishedAt  *time.Time                 `json:"finished_at,omitempty"`
	Succeeded   int                        `json:"succeeded"`
	Failed      int                        `json:"failed"`
	Records     int                        `json:"records"`
}

// NewPlan builds a plan from source configurations. Source-level
// depends_on lists become task-level dependency edges; a dependency on a
// source not in the plan is an error.
func NewPlan(name string, sources []SourceConfig, concurrency int, deadline time.Duration) (*CollectionPlan, error) {
	plan := &CollectionPlan{
		ID:          uuid.New(),
		Name:        name,
		Tasks:       make(map[string]*CollectionTask),
		Concurrency: concurrency,
		Deadline:    deadline,
		Status:      PlanPending,
	}

	bySource := make(map[string]*CollectionTask)
	for i, src := range sources {
		if !src.Enabled {
			continue
		}
		task := &CollectionTask{
			ID:         uuid.NewString(),
			Source:     src.Name,
			Priority:   src.Priority,
			Params:     src.Params,
			Timeout:    src.Timeout,
			Status:     TaskPending,
			CreatedAt:  time.Now(),
			maxRetries: src.MaxRetries,
			seq:        i,
		}
		plan.Tasks[task.ID] = task
		bySource[src.Name] = task
	}

	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		task := bySource[src.Name]
		for _, dep := range src.DependsOn {
			depTask, ok := bySource[dep]
			if !ok {
				return nil, fmt.Errorf("source %s depends on %s which is not in the plan", src.Name, dep)
			}
			task.DependsOn = append(task.DependsOn, depTask.ID)
			depTask.Dependents = append(depTask.Dependents, task.ID)
		}
	}
	if err := checkCycles(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func checkCycles(plan *CollectionPlan) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle through source %s", plan.Tasks[id].Source)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range plan.Tasks[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range plan.Tasks {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// readyTasks returns pending tasks whose dependencies are all complete,
// ordered by priority descending then creation order. This ordering is the
// sole scheduling tiebreak.
func (p *CollectionPlan) readyTasks(completed map[string]bool) []*CollectionTask {
	var ready []*CollectionTask
	for _, task := range p.Tasks {
		if task.Status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range task.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

// terminal reports whether a task has finished, successfully or not.
func (t *CollectionTask) terminal() bool {
	switch t.Status {
	case TaskSuccess, TaskFailed, TaskCancelled, TaskTimeout, TaskRateLimited:
		return true
	}
	return false
}

func (p *CollectionPlan) allTerminal() bool {
	for _, task := range p.Tasks {
		if !task.terminal() {
			return false
		}
	}
	return true
}
