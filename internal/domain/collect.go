package domain

import (
	"encoding/json"
	"time"
)

// CollectionResult is the uniform output of one collector call.
type CollectionResult struct {
	Source         string            `json:"source"`
	Collector      string            `json:"collector"`
	Success        bool              `json:"success"`
	Data           []json.RawMessage `json:"data"`
	Errors         []string          `json:"errors,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	ResponseTimeMS int64             `json:"response_time_ms"`
	RequestCount   int               `json:"request_count"`
	// DegradedMode marks the circuit breaker's empty-but-successful
	// fallback response.
	DegradedMode bool `json:"degraded_mode,omitempty"`
	// SchemaValid is false when parsing produced items missing required
	// fields.
	SchemaValid bool `json:"schema_valid"`
	// FreshnessScore in [0,1] grades how recent the payload's own
	// timestamps are.
	FreshnessScore float64 `json:"freshness_score"`
}

// DegradedResult is the default fallback when a circuit is open and no
// real fallback is registered.
func DegradedResult(source string) *CollectionResult {
	return &CollectionResult{
		Source:         source,
		Success:        true,
		Data:           []json.RawMessage{},
		Timestamp:      ProjectNow(),
		DegradedMode:   true,
		SchemaValid:    true,
		FreshnessScore: 1.0,
	}
}
