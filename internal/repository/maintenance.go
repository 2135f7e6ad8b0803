package repository

import (
	"context"
	"fmt"
)

// PgMaintenanceRepository surfaces store metadata for the bloat detector.
type PgMaintenanceRepository struct {
	db DBTX
}

// NewPgMaintenanceRepository returns a pgx-backed maintenance store.
func NewPgMaintenanceRepository(db DBTX) *PgMaintenanceRepository {
	return &PgMaintenanceRepository{db: db}
}

// DeadTupleRatios reports dead/(live+dead) per pipeline table from
// pg_stat_user_tables. Tables with no tuples at all are omitted.
func (r *PgMaintenanceRepository) DeadTupleRatios(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT schemaname || '.' || relname,
		       n_dead_tup::float8 / (n_live_tup + n_dead_tup)
		FROM pg_stat_user_tables
		WHERE n_live_tup + n_dead_tup > 0
		  AND schemaname IN ('raw_data', 'staging', 'curated', 'operational', 'reference')`)
	if err != nil {
		return nil, fmt.Errorf("query dead tuple stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var table string
		var ratio float64
		if err := rows.Scan(&table, &ratio); err != nil {
			return nil, fmt.Errorf("scan tuple stats: %w", err)
		}
		out[table] = ratio
	}
	return out, rows.Err()
}
