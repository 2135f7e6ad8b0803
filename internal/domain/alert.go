package domain

import (
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType names what kind of condition raised the alert.
type AlertType string

const (
	AlertTypeRule          AlertType = "rule"
	AlertTypeCollectionGap AlertType = "collection_gap"
	AlertTypeDeadTuples    AlertType = "dead_tuples"
	AlertTypeCascade       AlertType = "cascade"
	AlertTypeCircuitOpened AlertType = "circuit_opened"
	AlertTypeCircuitClosed AlertType = "circuit_recovered"
	AlertTypeSchemaChange  AlertType = "schema_change"

	AlertTypeManualIntervention AlertType = "manual_intervention"
	AlertTypeRecovered          AlertType = "source_recovered"
)

// Alert is a live or resolved failure notice.
type Alert struct {
	ID              uuid.UUID         `json:"id"`
	Source          string            `json:"source"`
	Type            AlertType         `json:"type"`
	Severity        AlertSeverity     `json:"severity"`
	Message         string            `json:"message"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
	Active          bool              `json:"active"`
	AutoRecoverable bool              `json:"auto_recoverable"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Suggestions     []string          `json:"suggestions,omitempty"`
}

// Condition is the closed alert-rule condition language: four atoms
// combined with AND/OR. Exactly one of the atom fields or one of All/Any
// should be set per node.
type Condition struct {
	ConfidenceBelow    *float64        `json:"confidence_below,omitempty"`
	GapHoursAtLeast    *float64        `json:"gap_hours_at_least,omitempty"`
	ConsecutiveAtLeast *int            `json:"consecutive_failures_at_least,omitempty"`
	HasPattern         *FailurePattern `json:"has_pattern,omitempty"`
	All                []Condition     `json:"all,omitempty"`
	Any                []Condition     `json:"any,omitempty"`
}

// Eval evaluates the condition tree against rolling metrics.
func (c Condition) Eval(m *HealthMetrics, now time.Time) bool {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !sub.Eval(m, now) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub.Eval(m, now) {
				return true
			}
		}
		return false
	case c.ConfidenceBelow != nil:
		return m.ConfidenceScore < *c.ConfidenceBelow
	case c.GapHoursAtLeast != nil:
		return m.GapHours(now) >= *c.GapHoursAtLeast
	case c.ConsecutiveAtLeast != nil:
		return m.ConsecutiveFailures >= *c.ConsecutiveAtLeast
	case c.HasPattern != nil:
		for _, p := range m.FailurePatterns {
			if p == *c.HasPattern {
				return true
			}
		}
		return false
	}
	return false
}

// AlertRule drives per-result alert evaluation.
type AlertRule struct {
	ID                string        `json:"id"`
	Condition         Condition     `json:"condition"`
	Severity          AlertSeverity `json:"severity"`
	FailureThreshold  int           `json:"failure_threshold"`
	TimeWindowMinutes int           `json:"time_window_minutes"`
	CooldownMinutes   int           `json:"cooldown_minutes"`
	MaxAlertsPerHour  int           `json:"max_alerts_per_hour"`
	EmailEnabled      bool          `json:"email_enabled"`
	WebhookEnabled    bool          `json:"webhook_enabled"`
	ChatEnabled       bool          `json:"chat_enabled"`
	Enabled           bool          `json:"enabled"`
}

// DeliversTo reports whether the rule routes its fired alerts to the named
// channel. Rules opt in per channel; one with no flags set is still
// evaluated and persisted but delivered nowhere.
func (r AlertRule) DeliversTo(channel string) bool {
	switch channel {
	case "email":
		return r.EmailEnabled
	case "webhook":
		return r.WebhookEnabled
	case "chat":
		return r.ChatEnabled
	}
	return false
}
