package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// PgTeamRepository resolves source-specific numeric team ids against the
// reference table. The static domain set seeds it; ids providers add later
// live only here.
type PgTeamRepository struct {
	db DBTX
}

// NewPgTeamRepository returns a pgx-backed team lookup.
func NewPgTeamRepository(db DBTX) *PgTeamRepository {
	return &PgTeamRepository{db: db}
}

// CodeBySourceID finds the canonical team code carrying the source's
// external id, falling back to the schedule league id. Returns found=false
// without error when no team matches.
func (r *PgTeamRepository) CodeBySourceID(ctx context.Context, source string, externalID int) (string, bool, error) {
	var code string
	err := r.db.QueryRow(ctx, `
		SELECT code
		FROM reference.teams
		WHERE external_ids->>$1 = $2 OR league_id = $3`,
		source, strconv.Itoa(externalID), externalID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query team: %w", err)
	}
	return code, true, nil
}
