package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/domain"
)

// PgAlertRepository is the audit store behind the alert manager. The
// manager's in-memory active set stays authoritative for live reads.
type PgAlertRepository struct {
	db DBTX
}

// NewPgAlertRepository returns a pgx-backed alert store.
func NewPgAlertRepository(db DBTX) *PgAlertRepository {
	return &PgAlertRepository{db: db}
}

// Insert writes a newly raised alert.
func (r *PgAlertRepository) Insert(ctx context.Context, a *domain.Alert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO operational.alerts
		  (id, source, type, severity, message, created_at, active, auto_recoverable, metadata, suggestions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Source, string(a.Type), string(a.Severity), a.Message, a.CreatedAt,
		a.Active, a.AutoRecoverable, meta, a.Suggestions)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// MarkResolved closes an alert with resolution notes.
func (r *PgAlertRepository) MarkResolved(ctx context.Context, id uuid.UUID, resolvedAt time.Time, notes string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE operational.alerts
		SET active = false, resolved_at = $2, resolution_notes = $3
		WHERE id = $1`, id, resolvedAt, notes)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("alert", id.String())
	}
	return nil
}

// Recent returns the latest alerts, newest first, for audit queries.
func (r *PgAlertRepository) Recent(ctx context.Context, limit int) ([]domain.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, source, type, severity, message, created_at, resolved_at,
		       resolution_notes, active, auto_recoverable, metadata, suggestions
		FROM operational.alerts
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var typ, sev string
		var notes *string
		var meta []byte
		if err := rows.Scan(&a.ID, &a.Source, &typ, &sev, &a.Message, &a.CreatedAt,
			&a.ResolvedAt, &notes, &a.Active, &a.AutoRecoverable, &meta, &a.Suggestions); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type = domain.AlertType(typ)
		a.Severity = domain.AlertSeverity(sev)
		if notes != nil {
			a.ResolutionNotes = *notes
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal alert metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
