package orchestrator

import (
	"context"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// RecoveryAction is one step of a source recovery plan.
type RecoveryAction string

const (
	ActionRetryWithBackoff   RecoveryAction = "retry_with_backoff"
	ActionRestartCollector   RecoveryAction = "restart_collector"
	ActionSwitchToFallback   RecoveryAction = "switch_to_fallback"
	ActionEnableDegraded     RecoveryAction = "enable_degraded_mode"
	ActionManualIntervention RecoveryAction = "alert_manual_intervention"
)

// RecoveryPlan is an ordered action list built from detected failure
// patterns. One active plan per source at most.
type RecoveryPlan struct {
	Source    string           `json:"source"`
	Actions   []RecoveryAction `json:"actions"`
	Current   int              `json:"current_action"`
	StartedAt time.Time        `json:"started_at"`
	Done      bool             `json:"done"`
	Recovered bool             `json:"recovered"`
}

// maxAttemptsPerAction bounds how often one recovery action re-runs before
// the plan moves on.
const maxAttemptsPerAction = 2

// buildRecoveryActions maps detected failure patterns to an ordered action
// list. The first matching pattern decides; unmatched failures get the
// default ladder.
func buildRecoveryActions(patterns []domain.FailurePattern) []RecoveryAction {
	for _, pattern := range patterns {
		switch pattern {
		case domain.PatternRateLimiting:
			return []RecoveryAction{ActionRetryWithBackoff, ActionEnableDegraded}
		case domain.PatternNetworkTimeout:
			return []RecoveryAction{ActionRetryWithBackoff, ActionRestartCollector, ActionSwitchToFallback}
		case domain.PatternSchemaChange:
			return []RecoveryAction{ActionManualIntervention, ActionEnableDegraded}
		case domain.PatternSystematic:
			return []RecoveryAction{ActionRestartCollector, ActionSwitchToFallback, ActionManualIntervention}
		}
	}
	return []RecoveryAction{ActionRetryWithBackoff, ActionRestartCollector, ActionEnableDegraded, ActionManualIntervention}
}

// runRecovery executes the plan's actions in order, re-probing the source
// after each attempt and stopping on the first successful probe. Manual
// intervention never probes: it raises an alert and ends the plan.
func (o *Orchestrator) runRecovery(ctx context.Context, plan *RecoveryPlan) {
	source := plan.Source
	coll, ok := o.registry.Get(source)
	if !ok {
		o.finishRecovery(plan, false)
		return
	}

	for i, action := range plan.Actions {
		o.mu.Lock()
		plan.Current = i
		o.mu.Unlock()
		o.logger.Info("recovery action", "source", source, "action", action)

		if action == ActionManualIntervention {
			o.raiseManualIntervention(ctx, source)
			o.finishRecovery(plan, false)
			return
		}

		for attempt := 1; attempt <= maxAttemptsPerAction; attempt++ {
			if err := o.applyRecoveryAction(ctx, source, action, attempt); err != nil {
				o.logger.Warn("recovery action failed", "source", source, "action", action, "error", err)
			}
			if ctx.Err() != nil {
				o.finishRecovery(plan, false)
				return
			}
			if coll.TestConnection(ctx) {
				o.logger.Info("source recovered", "source", source, "action", action)
				o.raiseRecovered(ctx, source)
				o.finishRecovery(plan, true)
				return
			}
		}
	}
	o.finishRecovery(plan, false)
}

func (o *Orchestrator) applyRecoveryAction(ctx context.Context, source string, action RecoveryAction, attempt int) error {
	switch action {
	case ActionRetryWithBackoff:
		return o.sleep(ctx, backoffDelay(attempt))
	case ActionRestartCollector:
		if coll, ok := o.registry.Get(source); ok {
			coll.Cleanup()
		}
		return nil
	case ActionSwitchToFallback:
		// The breaker's registered fallback answers while the circuit is
		// open; nothing else to switch here.
		return nil
	case ActionEnableDegraded:
		o.mu.Lock()
		breaker, ok := o.breakers[source]
		o.mu.Unlock()
		if ok {
			breaker.SetFallback(func(context.Context) (*domain.CollectionResult, error) {
				return domain.DegradedResult(source), nil
			})
		}
		return nil
	}
	return nil
}

func (o *Orchestrator) finishRecovery(plan *RecoveryPlan, recovered bool) {
	o.mu.Lock()
	plan.Done = true
	plan.Recovered = recovered
	delete(o.recoveries, plan.Source)
	o.mu.Unlock()
}

func (o *Orchestrator) raiseManualIntervention(ctx context.Context, source string) {
	o.alerts.Raise(ctx, &domain.Alert{
		Source:          source,
		Type:            domain.AlertTypeManualIntervention,
		Severity:        domain.SeverityCritical,
		Message:         "automatic recovery exhausted, manual intervention required",
		AutoRecoverable: false,
		Suggestions:     []string{"inspect provider response shape", "run test-connection against the source"},
	})
}

func (o *Orchestrator) raiseRecovered(ctx context.Context, source string) {
	o.alerts.Raise(ctx, &domain.Alert{
		Source:          source,
		Type:            domain.AlertTypeRecovered,
		Severity:        domain.SeverityInfo,
		Message:         "source recovered after automatic recovery",
		AutoRecoverable: true,
	})
}

// backoffDelay is the exponential task retry delay, capped at one minute.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
