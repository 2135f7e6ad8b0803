package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oddstream/pipeline/internal/domain"
)

// PgStagingRepository writes consolidated staging rows.
type PgStagingRepository struct {
	db DBTX
}

// NewPgStagingRepository returns a pgx-backed staging store.
func NewPgStagingRepository(db DBTX) *PgStagingRepository {
	return &PgStagingRepository{db: db}
}

// DeleteByRawIDs removes staging rows whose lineage points at the given
// raw rows, making re-processing idempotent per raw row.
func (r *PgStagingRepository) DeleteByRawIDs(ctx context.Context, rawIDs []int64) (int64, error) {
	if len(rawIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM staging.unified_odds
		WHERE (lineage->>'raw_id')::bigint = ANY($1)`, rawIDs)
	if err != nil {
		return 0, fmt.Errorf("delete staging rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertBatch writes staging rows via one pgx batch. Conflicts on the
// (game_external_id, sportsbook_key, processed_at) key replace the
// market columns and lineage.
func (r *PgStagingRepository) InsertBatch(ctx context.Context, rows []*domain.StagingRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		lineage, err := json.Marshal(row.Lineage)
		if err != nil {
			return fmt.Errorf("marshal lineage: %w", err)
		}
		batch.Queue(`
			INSERT INTO staging.unified_odds
			  (source, collector, canonical_game_id, game_external_id, home_team, away_team,
			   sportsbook_id, sportsbook_key, sportsbook_name, market_type,
			   moneyline_home, moneyline_away, spread_line, spread_home_odds, spread_away_odds,
			   total_line, total_over_odds, total_under_odds,
			   lineage, quality_score, validation_status, validation_errors, collected_at, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			        $19, $20, $21, $22, $23, $24)
			ON CONFLICT (game_external_id, sportsbook_key, processed_at) DO UPDATE SET
			  canonical_game_id = EXCLUDED.canonical_game_id,
			  market_type       = EXCLUDED.market_type,
			  moneyline_home    = EXCLUDED.moneyline_home,
			  moneyline_away    = EXCLUDED.moneyline_away,
			  spread_line       = EXCLUDED.spread_line,
			  spread_home_odds  = EXCLUDED.spread_home_odds,
			  spread_away_odds  = EXCLUDED.spread_away_odds,
			  total_line        = EXCLUDED.total_line,
			  total_over_odds   = EXCLUDED.total_over_odds,
			  total_under_odds  = EXCLUDED.total_under_odds,
			  lineage           = EXCLUDED.lineage,
			  quality_score     = EXCLUDED.quality_score,
			  validation_status = EXCLUDED.validation_status,
			  validation_errors = EXCLUDED.validation_errors,
			  collected_at      = GREATEST(staging.unified_odds.collected_at, EXCLUDED.collected_at)`,
			row.Source, row.Collector, row.CanonicalGameID, row.GameExternalID, row.HomeTeam, row.AwayTeam,
			row.SportsbookID, row.SportsbookKey, row.SportsbookName, row.MarketType,
			row.MoneylineHome, row.MoneylineAway, row.SpreadLine, row.SpreadHomeOdds, row.SpreadAwayOdds,
			row.TotalLine, row.TotalOverOdds, row.TotalUnderOdds,
			lineage, row.QualityScore, string(row.ValidationStatus), row.ValidationErrors, row.CollectedAt, row.ProcessedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert staging row: %w", err)
		}
	}
	return results.Close()
}
