package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oddstream/pipeline/internal/domain"
)

// PgPointRepository writes historical odds points.
type PgPointRepository struct {
	db DBTX
}

// NewPgPointRepository returns a pgx-backed odds point store.
func NewPgPointRepository(db DBTX) *PgPointRepository {
	return &PgPointRepository{db: db}
}

// UpsertBatch writes odds points keyed on (game, sportsbook, market, side,
// effective_at). Before a new current point lands, the key's previous
// current point is demoted so at most one row per key holds is_current.
func (r *PgPointRepository) UpsertBatch(ctx context.Context, points []*domain.OddsPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		if p.IsCurrent {
			batch.Queue(`
				UPDATE staging.odds_points SET is_current = false
				WHERE game_external_id = $1 AND sportsbook_key = $2
				  AND market = $3 AND side = $4 AND is_current`,
				p.GameExternalID, p.SportsbookKey, string(p.Market), string(p.Side))
		}
	}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO staging.odds_points
			  (canonical_game_id, game_external_id, sportsbook_key, market, side,
			   odds, line_value, effective_at, is_current)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (game_external_id, sportsbook_key, market, side, effective_at) DO UPDATE SET
			  odds              = EXCLUDED.odds,
			  line_value        = EXCLUDED.line_value,
			  is_current        = EXCLUDED.is_current,
			  canonical_game_id = COALESCE(EXCLUDED.canonical_game_id, staging.odds_points.canonical_game_id)`,
			p.CanonicalGameID, p.GameExternalID, p.SportsbookKey, string(p.Market), string(p.Side),
			p.Odds, p.LineValue, p.EffectiveAt, p.IsCurrent)
	}

	results := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("upsert odds point: %w", err)
		}
	}
	return results.Close()
}
