package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgGameRepository maps source external ids to canonical game ids in the
// curated games table.
type PgGameRepository struct {
	db DBTX
}

// NewPgGameRepository returns a pgx-backed game store.
func NewPgGameRepository(db DBTX) *PgGameRepository {
	return &PgGameRepository{db: db}
}

// FindCanonicalByExternalID looks up the source's external id in the games
// table. Returns found=false without error when no game matches.
func (r *PgGameRepository) FindCanonicalByExternalID(ctx context.Context, source, externalID string) (int64, bool, error) {
	var canonical int64
	err := r.db.QueryRow(ctx, `
		SELECT canonical_id FROM curated.games
		WHERE external_ids->>$1 = $2 AND canonical_id IS NOT NULL`,
		source, externalID).Scan(&canonical)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query canonical game id: %w", err)
	}
	return canonical, true, nil
}

// AttachExternalID upserts the source's external id onto the canonical
// game row, creating the row when the canonical id is new.
func (r *PgGameRepository) AttachExternalID(ctx context.Context, canonicalID int64, source, externalID, home, away string, date time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO curated.games
		  (canonical_id, external_ids, home_team, away_team, game_date, start_time, season)
		VALUES ($1, jsonb_build_object($2::text, $3::text), $4, $5, $6::date, $6, $7)
		ON CONFLICT (canonical_id) DO UPDATE SET
		  external_ids = curated.games.external_ids || EXCLUDED.external_ids,
		  updated_at   = now()`,
		canonicalID, source, externalID, home, away, date, date.Year())
	if err != nil {
		return fmt.Errorf("attach external id: %w", err)
	}
	return nil
}
