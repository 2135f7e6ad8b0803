package domain

import "time"

// FailurePattern is a detected collection failure signature.
type FailurePattern string

const (
	PatternRateLimiting   FailurePattern = "rate_limiting"
	PatternNetworkTimeout FailurePattern = "network_timeout"
	PatternSchemaChange   FailurePattern = "schema_change"
	PatternDataCorruption FailurePattern = "data_corruption"
	PatternSystematic     FailurePattern = "systematic"
)

// AutoRecoverable reports whether the pattern can be recovered without
// manual intervention. Schema changes always need a human.
func (p FailurePattern) AutoRecoverable() bool {
	return p != PatternSchemaChange
}

// HealthStatus is the derived per-source rolling status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// AlertLevel follows HealthStatus one-to-one.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// HealthMetrics is the per-source rolling collection state.
type HealthMetrics struct {
	Source              string           `json:"source"`
	TotalAttempts       int64            `json:"total_attempts"`
	TotalSuccesses      int64            `json:"total_successes"`
	TotalFailures       int64            `json:"total_failures"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccess         *time.Time       `json:"last_success,omitempty"`
	LastAttempt         *time.Time       `json:"last_attempt,omitempty"`
	SuccessRate         float64          `json:"success_rate"`
	AvgLatencyMS        float64          `json:"avg_latency_ms"`
	ConfidenceScore     float64          `json:"confidence_score"`
	FailurePatterns     []FailurePattern `json:"failure_patterns,omitempty"`
	Status              HealthStatus     `json:"status"`
	AlertLevel          AlertLevel       `json:"alert_level"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// GapHours returns hours since the last successful collection, or 0 when
// the source has never succeeded (treated as no gap until it has history).
func (m *HealthMetrics) GapHours(now time.Time) float64 {
	if m.LastSuccess == nil {
		return 0
	}
	return now.Sub(*m.LastSuccess).Hours()
}
