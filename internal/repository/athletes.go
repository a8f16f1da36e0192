package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// AthleteRepository handles athlete database operations
type AthleteRepository struct {
	db *Database
}

// Profile columns are all mutable. Fight rows keep their own point-in-time
// weight class, so a reassignment here never touches them.
var athleteBatch = batchSpec[*models.Athlete]{
	table: "athletes",
	write: func(ctx context.Context, q Querier, a *models.Athlete) (Outcome, error) {
		query := `
			INSERT INTO athletes (id, full_name, weight_class, nationality, date_of_birth, league_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				full_name = EXCLUDED.full_name,
				weight_class = EXCLUDED.weight_class,
				nationality = EXCLUDED.nationality,
				date_of_birth = EXCLUDED.date_of_birth,
				league_id = EXCLUDED.league_id,
				updated_at = NOW()
			WHERE (athletes.full_name, athletes.weight_class, athletes.nationality, athletes.date_of_birth, athletes.league_id)
				IS DISTINCT FROM
				(EXCLUDED.full_name, EXCLUDED.weight_class, EXCLUDED.nationality, EXCLUDED.date_of_birth, EXCLUDED.league_id)
			RETURNING (xmax = 0) AS inserted
		`
		return scanOutcome(q.QueryRow(ctx, query,
			a.ID, a.FullName, a.WeightClass, a.Nationality, a.DateOfBirth, a.LeagueID,
		))
	},
}

// Upsert inserts new athletes and refreshes changed profiles
func (r *AthleteRepository) Upsert(ctx context.Context, athletes []*models.Athlete) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, athleteBatch, athletes)
}

// GetByID retrieves an athlete, or nil when absent
func (r *AthleteRepository) GetByID(ctx context.Context, id string) (*models.Athlete, error) {
	query := `
		SELECT id, full_name, weight_class, nationality, date_of_birth, league_id, created_at, updated_at
		FROM athletes
		WHERE id = $1
	`

	var a models.Athlete
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.FullName, &a.WeightClass, &a.Nationality, &a.DateOfBirth, &a.LeagueID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get athlete: %w", err)
	}
	return &a, nil
}

// KnownIDs returns every stored athlete id
func (r *AthleteRepository) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	return r.db.knownIDs(ctx, "athletes")
}
