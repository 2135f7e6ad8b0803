package health

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// CountRange is the expected data-count band for a source.
type CountRange struct {
	Min int
	Max int
}

// Analysis is the scored outcome of one collection result.
type Analysis struct {
	Source      string                  `json:"source"`
	Confidence  float64                 `json:"confidence"`
	Patterns    []domain.FailurePattern `json:"patterns,omitempty"`
	Suggestions []string                `json:"suggestions,omitempty"`
	Metrics     domain.HealthMetrics    `json:"metrics"`
}

// Analyzer scores collection results, detects failure patterns, and keeps
// the per-source rolling health metrics.
type Analyzer struct {
	mu       sync.Mutex
	logger   *slog.Logger
	metrics  map[string]*domain.HealthMetrics
	counts   map[string]*rollingStat
	latency  map[string]*rollingStat
	expected map[string]CountRange

	now func() time.Time
}

// rollingStat tracks a windowed mean.
type rollingStat struct {
	values []float64
}

const statWindow = 50

func (s *rollingStat) add(v float64) {
	s.values = append(s.values, v)
	if len(s.values) > statWindow {
		s.values = s.values[len(s.values)-statWindow:]
	}
}

func (s *rollingStat) mean() (float64, bool) {
	if len(s.values) < 3 {
		return 0, false
	}
	sum := 0.0
	for _, v := range s.values {
		sum += v
	}
	return sum / float64(len(s.values)), true
}

// NewAnalyzer creates a health analyzer. expected maps source name to its
// expected data-count band; sources without an entry skip count penalties
// other than the empty-result one.
func NewAnalyzer(expected map[string]CountRange, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		logger:   logger,
		metrics:  make(map[string]*domain.HealthMetrics),
		counts:   make(map[string]*rollingStat),
		latency:  make(map[string]*rollingStat),
		expected: expected,
		now:      time.Now,
	}
}

// Analyze scores one result, updates the source's rolling metrics, and
// returns the analysis with any detected failure patterns.
func (a *Analyzer) Analyze(result *domain.CollectionResult) *Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	patterns := a.detectPatternsLocked(result)
	confidence := a.scoreLocked(result, patterns)

	m := a.metricsLocked(result.Source)
	a.updateMetricsLocked(m, result, confidence, patterns, now)

	a.counts[result.Source] = appendStat(a.counts[result.Source], float64(len(result.Data)))
	if result.ResponseTimeMS > 0 {
		a.latency[result.Source] = appendStat(a.latency[result.Source], float64(result.ResponseTimeMS))
	}

	return &Analysis{
		Source:      result.Source,
		Confidence:  confidence,
		Patterns:    patterns,
		Suggestions: Suggestions(patterns),
		Metrics:     *m,
	}
}

func appendStat(s *rollingStat, v float64) *rollingStat {
	if s == nil {
		s = &rollingStat{}
	}
	s.add(v)
	return s
}

// Metrics returns a snapshot of a source's rolling metrics.
func (a *Analyzer) Metrics(source string) (domain.HealthMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[source]
	if !ok {
		return domain.HealthMetrics{}, false
	}
	return *m, true
}

// AllMetrics returns snapshots for every tracked source.
func (a *Analyzer) AllMetrics() map[string]domain.HealthMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.HealthMetrics, len(a.metrics))
	for source, m := range a.metrics {
		out[source] = *m
	}
	return out
}

func (a *Analyzer) metricsLocked(source string) *domain.HealthMetrics {
	m, ok := a.metrics[source]
	if !ok {
		m = &domain.HealthMetrics{Source: source}
		a.metrics[source] = m
	}
	return m
}

// scoreLocked implements the confidence formula: start at 1.0, subtract
// per-error and per-pattern penalties, scale by payload freshness, then
// apply the data-count penalty and clamp to [0,1].
func (a *Analyzer) scoreLocked(result *domain.CollectionResult, patterns []domain.FailurePattern) float64 {
	score := 1.0
	score -= 0.3 * float64(len(result.Errors))
	score -= 0.1 * float64(len(result.Warnings))
	score -= 0.15 * float64(len(patterns))
	if !result.SchemaValid {
		score -= 0.2
	}

	freshness := result.FreshnessScore
	if freshness <= 0 || freshness > 1 {
		freshness = 1.0
	}
	score *= freshness

	score -= a.countPenaltyLocked(result)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (a *Analyzer) countPenaltyLocked(result *domain.CollectionResult) float64 {
	count := len(result.Data)
	if count == 0 {
		if result.DegradedMode {
			return 0
		}
		return 0.4
	}
	band, ok := a.expected[result.Source]
	if !ok {
		return 0
	}
	if count < band.Min {
		return 0.2
	}
	if band.Max > 0 && count > band.Max {
		return 0.1
	}
	return 0
}

// detectPatternsLocked applies the failure signature rules to one result.
func (a *Analyzer) detectPatternsLocked(result *domain.CollectionResult) []domain.FailurePattern {
	var patterns []domain.FailurePattern
	seen := make(map[domain.FailurePattern]bool)
	add := func(p domain.FailurePattern) {
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}

	for _, msg := range result.Errors {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") {
			add(domain.PatternRateLimiting)
		}
		if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
			add(domain.PatternNetworkTimeout)
		}
	}

	// Silent failure: a successful call with no data and no errors means
	// the provider's shape changed under us, not that collection worked.
	if result.Success && len(result.Data) == 0 && len(result.Errors) == 0 && !result.DegradedMode {
		add(domain.PatternSchemaChange)
	}

	if mean, ok := statMean(a.counts[result.Source]); ok && mean > 0 {
		if float64(len(result.Data)) < 0.7*mean && len(result.Data) > 0 {
			add(domain.PatternDataCorruption)
		}
	}
	if mean, ok := statMean(a.latency[result.Source]); ok && mean > 0 {
		if float64(result.ResponseTimeMS) > 2*mean {
			add(domain.PatternNetworkTimeout)
		}
	}

	return patterns
}

func statMean(s *rollingStat) (float64, bool) {
	if s == nil {
		return 0, false
	}
	return s.mean()
}

func (a *Analyzer) updateMetricsLocked(m *domain.HealthMetrics, result *domain.CollectionResult, confidence float64, patterns []domain.FailurePattern, now time.Time) {
	m.TotalAttempts++
	m.LastAttempt = &now

	succeeded := result.Success && len(result.Errors) == 0
	if succeeded {
		m.TotalSuccesses++
		m.ConsecutiveFailures = 0
		t := now
		m.LastSuccess = &t
	} else {
		m.TotalFailures++
		m.ConsecutiveFailures++
	}

	m.SuccessRate = float64(m.TotalSuccesses) / float64(m.TotalAttempts)
	if result.ResponseTimeMS > 0 {
		ms := float64(result.ResponseTimeMS)
		if m.AvgLatencyMS == 0 {
			m.AvgLatencyMS = ms
		} else {
			m.AvgLatencyMS += (ms - m.AvgLatencyMS) / float64(m.TotalAttempts)
		}
	}
	m.ConfidenceScore = confidence
	m.FailurePatterns = patterns
	m.Status = deriveStatus(m, now)
	m.AlertLevel = levelFor(m.Status)
	m.UpdatedAt = now
}

// deriveStatus applies the rolling health thresholds.
func deriveStatus(m *domain.HealthMetrics, now time.Time) domain.HealthStatus {
	gap := m.GapHours(now)

	if m.SuccessRate >= 0.9 && m.ConfidenceScore >= 0.8 && gap < 1 && m.ConsecutiveFailures < 3 {
		return domain.HealthHealthy
	}
	if m.SuccessRate >= 0.5 && m.ConfidenceScore >= 0.5 && gap < 4 && m.ConsecutiveFailures < 5 {
		return domain.HealthDegraded
	}
	return domain.HealthCritical
}

func levelFor(s domain.HealthStatus) domain.AlertLevel {
	switch s {
	case domain.HealthHealthy:
		return domain.AlertNormal
	case domain.HealthDegraded:
		return domain.AlertWarning
	default:
		return domain.AlertCritical
	}
}

// Suggestions returns the recovery guidance for each detected pattern.
func Suggestions(patterns []domain.FailurePattern) []string {
	var out []string
	for _, p := range patterns {
		switch p {
		case domain.PatternRateLimiting:
			out = append(out, "back off request rate and honor provider quota headers")
		case domain.PatternNetworkTimeout:
			out = append(out, "increase per-call timeout and retry with backoff")
		case domain.PatternSchemaChange:
			out = append(out, "provider response shape changed; manual investigation required")
		case domain.PatternDataCorruption:
			out = append(out, "cross-validate counts against other sources")
		case domain.PatternSystematic:
			out = append(out, "restart collector and verify provider availability")
		}
	}
	return out
}
