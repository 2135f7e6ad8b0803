package repository

import (
	"context"
	"fmt"

	"github.com/oddstream/pipeline/internal/domain"
)

// PgHealthRepository persists per-attempt health snapshots for history
// queries. The analyzer's in-memory metrics stay authoritative for live
// reads.
type PgHealthRepository struct {
	db DBTX
}

// NewPgHealthRepository returns a pgx-backed health snapshot store.
func NewPgHealthRepository(db DBTX) *PgHealthRepository {
	return &PgHealthRepository{db: db}
}

// SaveSnapshot appends one rolling-metrics snapshot.
func (r *PgHealthRepository) SaveSnapshot(ctx context.Context, m *domain.HealthMetrics) error {
	patterns := make([]string, 0, len(m.FailurePatterns))
	for _, p := range m.FailurePatterns {
		patterns = append(patterns, string(p))
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO operational.health_snapshots
		  (source, total_attempts, total_successes, total_failures, consecutive_failures,
		   last_success, last_attempt, success_rate, avg_latency_ms, confidence_score,
		   failure_patterns, status, alert_level, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.Source, m.TotalAttempts, m.TotalSuccesses, m.TotalFailures, m.ConsecutiveFailures,
		m.LastSuccess, m.LastAttempt, m.SuccessRate, m.AvgLatencyMS, m.ConfidenceScore,
		patterns, string(m.Status), string(m.AlertLevel), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

// History returns the newest snapshots for a source, most recent first.
func (r *PgHealthRepository) History(ctx context.Context, source string, limit int) ([]domain.HealthMetrics, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT source, total_attempts, total_successes, total_failures, consecutive_failures,
		       last_success, last_attempt, success_rate, avg_latency_ms, confidence_score,
		       failure_patterns, status, alert_level, updated_at
		FROM operational.health_snapshots
		WHERE source = $1
		ORDER BY updated_at DESC
		LIMIT $2`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query health history: %w", err)
	}
	defer rows.Close()

	var out []domain.HealthMetrics
	for rows.Next() {
		var m domain.HealthMetrics
		var patterns []string
		var status, level string
		if err := rows.Scan(&m.Source, &m.TotalAttempts, &m.TotalSuccesses, &m.TotalFailures,
			&m.ConsecutiveFailures, &m.LastSuccess, &m.LastAttempt, &m.SuccessRate,
			&m.AvgLatencyMS, &m.ConfidenceScore, &patterns, &status, &level, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		for _, p := range patterns {
			m.FailurePatterns = append(m.FailurePatterns, domain.FailurePattern(p))
		}
		m.Status = domain.HealthStatus(status)
		m.AlertLevel = domain.AlertLevel(level)
		out = append(out, m)
	}
	return out, rows.Err()
}
