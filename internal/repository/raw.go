package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oddstream/pipeline/internal/domain"
)

// rawTableFor maps a source name to its raw-zone table. All raw tables
// share one id sequence, so ids are unique across the zone and downstream
// code can key on raw id alone.
var rawTableFor = map[string]string{
	"oddsapi":     "raw_data.odds_api",
	"covers":      "raw_data.betting_splits",
	"linehistory": "raw_data.line_history",
	"schedule":    "raw_data.schedule_games",
}

// rawTables lists the raw-zone tables in a stable order for cross-table
// queries.
var rawTables = []string{
	"raw_data.odds_api",
	"raw_data.betting_splits",
	"raw_data.line_history",
	"raw_data.schedule_games",
}

const rawColumns = "id, source, collector, external_id, sportsbook_key, payload, collected_at, processed_at"

// PgRawRepository persists raw collection payloads, one table per source.
type PgRawRepository struct {
	db DBTX
}

// NewPgRawRepository returns a pgx-backed raw store.
func NewPgRawRepository(db DBTX) *PgRawRepository {
	return &PgRawRepository{db: db}
}

// InsertBatch appends raw records to their per-source tables and returns
// the number of rows written. Records from unregistered sources fail the
// whole batch.
func (r *PgRawRepository) InsertBatch(ctx context.Context, records []domain.RawRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		table, ok := rawTableFor[rec.Source]
		if !ok {
			return 0, fmt.Errorf("no raw table for source %s", rec.Source)
		}
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (source, collector, external_id, sportsbook_key, payload, collected_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, table),
			rec.Source, rec.Collector, rec.ExternalID, rec.SportsbookKey, rec.Payload, rec.CollectedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return inserted, fmt.Errorf("insert raw record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, results.Close()
}

// Unprocessed returns raw rows not yet represented in staging, oldest
// first: rows never processed plus rows re-collected after their last
// processing.
func (r *PgRawRepository) Unprocessed(ctx context.Context, limit int) ([]domain.RawRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	parts := make([]string, 0, len(rawTables))
	for _, table := range rawTables {
		parts = append(parts, fmt.Sprintf(
			"SELECT %s FROM %s WHERE processed_at IS NULL OR collected_at > processed_at", rawColumns, table))
	}
	query := strings.Join(parts, "\nUNION ALL\n") + "\nORDER BY collected_at ASC LIMIT $1"

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed raw rows: %w", err)
	}
	defer rows.Close()

	var out []domain.RawRecord
	for rows.Next() {
		var rec domain.RawRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Collector, &rec.ExternalID,
			&rec.SportsbookKey, &rec.Payload, &rec.CollectedAt, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkProcessed stamps processed_at on the given raw rows. Ids are unique
// across the raw zone, so the update is applied to every table.
func (r *PgRawRepository) MarkProcessed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	for _, table := range rawTables {
		if _, err := r.db.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET processed_at = $2 WHERE id = ANY($1)", table), ids, at); err != nil {
			return fmt.Errorf("mark processed in %s: %w", table, err)
		}
	}
	return nil
}

// LatestCollectionTimes reports the newest collected_at per source, feeding
// the gap detector.
func (r *PgRawRepository) LatestCollectionTimes(ctx context.Context) (map[string]time.Time, error) {
	parts := make([]string, 0, len(rawTables))
	for _, table := range rawTables {
		parts = append(parts, fmt.Sprintf("SELECT source, collected_at FROM %s", table))
	}
	query := "SELECT source, max(collected_at) FROM (\n" +
		strings.Join(parts, "\nUNION ALL\n") + "\n) AS raw GROUP BY source"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query latest collection times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var source string
		var latest time.Time
		if err := rows.Scan(&source, &latest); err != nil {
			return nil, fmt.Errorf("scan collection time: %w", err)
		}
		out[source] = latest
	}
	return out, rows.Err()
}
