package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oddstream/pipeline/internal/domain"
)

// PgSportsbookRepository resolves source-specific sportsbook keys against
// the reference table. The migrated table is authoritative; the static
// domain map only seeds it.
type PgSportsbookRepository struct {
	db DBTX
}

// NewPgSportsbookRepository returns a pgx-backed sportsbook lookup.
func NewPgSportsbookRepository(db DBTX) *PgSportsbookRepository {
	return &PgSportsbookRepository{db: db}
}

// BySourceKey finds the sportsbook carrying the source's external key.
// Returns found=false without error when no book matches.
func (r *PgSportsbookRepository) BySourceKey(ctx context.Context, source, externalKey string) (*domain.Sportsbook, bool, error) {
	var book domain.Sportsbook
	err := r.db.QueryRow(ctx, `
		SELECT id, name, external_ids, active
		FROM reference.sportsbooks
		WHERE external_ids->>$1 = $2`,
		source, externalKey).Scan(&book.ID, &book.Name, &book.ExternalIDs, &book.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query sportsbook: %w", err)
	}
	return &book, true, nil
}

// All returns the full reference set ordered by id.
func (r *PgSportsbookRepository) All(ctx context.Context) ([]domain.Sportsbook, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, external_ids, active
		FROM reference.sportsbooks
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sportsbooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Sportsbook
	for rows.Next() {
		var book domain.Sportsbook
		if err := rows.Scan(&book.ID, &book.Name, &book.ExternalIDs, &book.Active); err != nil {
			return nil, fmt.Errorf("scan sportsbook: %w", err)
		}
		out = append(out, book)
	}
	return out, rows.Err()
}
