package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddstream/pipeline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func records(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{}`)
	}
	return out
}

func cleanResult(source string, n int) *domain.CollectionResult {
	return &domain.CollectionResult{
		Source:         source,
		Success:        true,
		Data:           records(n),
		SchemaValid:    true,
		FreshnessScore: 1.0,
		ResponseTimeMS: 200,
		Timestamp:      time.Now(),
	}
}

func TestAnalyze_CleanResultScoresFull(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	analysis := a.Analyze(cleanResult("oddsapi", 10))

	assert.InDelta(t, 1.0, analysis.Confidence, 1e-9)
	assert.Empty(t, analysis.Patterns)
	assert.Equal(t, domain.HealthHealthy, analysis.Metrics.Status)
	assert.Equal(t, domain.AlertNormal, analysis.Metrics.AlertLevel)
}

func TestAnalyze_ConfidenceAlwaysInUnitInterval(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	result := &domain.CollectionResult{
		Source:  "oddsapi",
		Success: false,
		Errors:  []string{"timeout", "timeout", "timeout", "429 too many requests"},
		Warnings: []string{
			"partial page", "stale rows",
		},
		SchemaValid:    false,
		FreshnessScore: 0.5,
	}

	analysis := a.Analyze(result)
	assert.GreaterOrEqual(t, analysis.Confidence, 0.0)
	assert.LessOrEqual(t, analysis.Confidence, 1.0)
}

func TestAnalyze_ErrorAndWarningPenalties(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	result := cleanResult("oddsapi", 10)
	result.Warnings = []string{"one warning"}

	analysis := a.Analyze(result)
	assert.InDelta(t, 0.9, analysis.Confidence, 1e-9)
}

func TestAnalyze_SilentSchemaChange(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	result := &domain.CollectionResult{
		Source:         "covers",
		Success:        true,
		Data:           nil,
		SchemaValid:    true,
		FreshnessScore: 1.0,
	}

	analysis := a.Analyze(result)

	require.Contains(t, analysis.Patterns, domain.PatternSchemaChange)
	assert.False(t, domain.PatternSchemaChange.AutoRecoverable())
	// 1.0 - 0.15 (pattern) - 0.4 (zero items) = 0.45
	assert.InDelta(t, 0.45, analysis.Confidence, 1e-9)
}

func TestAnalyze_DegradedModeNotSchemaChange(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	analysis := a.Analyze(domain.DegradedResult("covers"))
	assert.NotContains(t, analysis.Patterns, domain.PatternSchemaChange)
}

func TestAnalyze_RateLimitPattern(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	result := cleanResult("oddsapi", 5)
	result.Success = false
	result.Errors = []string{"HTTP 429 rate limit exceeded"}

	analysis := a.Analyze(result)
	assert.Contains(t, analysis.Patterns, domain.PatternRateLimiting)
	assert.NotEmpty(t, analysis.Suggestions)
}

func TestAnalyze_TimeoutPattern(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	result := cleanResult("oddsapi", 5)
	result.Success = false
	result.Errors = []string{"request timed out after 30s"}

	analysis := a.Analyze(result)
	assert.Contains(t, analysis.Patterns, domain.PatternNetworkTimeout)
}

func TestAnalyze_CountDropDetectsCorruption(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	for i := 0; i < 5; i++ {
		a.Analyze(cleanResult("oddsapi", 20))
	}

	analysis := a.Analyze(cleanResult("oddsapi", 5))
	assert.Contains(t, analysis.Patterns, domain.PatternDataCorruption)
}

func TestAnalyze_LatencySpikeDetectsTimeout(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	for i := 0; i < 5; i++ {
		a.Analyze(cleanResult("oddsapi", 10))
	}

	slow := cleanResult("oddsapi", 10)
	slow.ResponseTimeMS = 5000

	analysis := a.Analyze(slow)
	assert.Contains(t, analysis.Patterns, domain.PatternNetworkTimeout)
}

func TestAnalyze_CountBandPenalties(t *testing.T) {
	a := NewAnalyzer(map[string]CountRange{"oddsapi": {Min: 8, Max: 20}}, testLogger())

	below := a.Analyze(cleanResult("oddsapi", 3))
	assert.InDelta(t, 0.8, below.Confidence, 1e-9)

	above := a.Analyze(cleanResult("oddsapi", 30))
	assert.InDelta(t, 0.9, above.Confidence, 1e-9)
}

func TestAnalyze_SuccessRateExact(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	for i := 0; i < 7; i++ {
		a.Analyze(cleanResult("oddsapi", 10))
	}
	for i := 0; i < 3; i++ {
		failed := cleanResult("oddsapi", 0)
		failed.Success = false
		failed.Errors = []string{"connection refused"}
		a.Analyze(failed)
	}

	m, ok := a.Metrics("oddsapi")
	require.True(t, ok)
	assert.InDelta(t, 0.7, m.SuccessRate, 1e-9)
	assert.Equal(t, 3, m.ConsecutiveFailures)
}

func TestAnalyze_StatusDegradesOnConsecutiveFailures(t *testing.T) {
	a := NewAnalyzer(nil, testLogger())

	for i := 0; i < 20; i++ {
		a.Analyze(cleanResult("oddsapi", 10))
	}
	for i := 0; i < 3; i++ {
		failed := cleanResult("oddsapi", 0)
		failed.Success = false
		failed.Errors = []string{"connection refused"}
		a.Analyze(failed)
	}

	m, _ := a.Metrics("oddsapi")
	assert.NotEqual(t, domain.HealthHealthy, m.Status)
}
