package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// LeagueRepository handles league database operations
type LeagueRepository struct {
	db *Database
}

var leagueBatch = batchSpec[*models.League]{
	table: "leagues",
	write: func(ctx context.Context, q Querier, l *models.League) (Outcome, error) {
		query := `
			INSERT INTO leagues (id, name, sport)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				sport = EXCLUDED.sport,
				updated_at = NOW()
			WHERE (leagues.name, leagues.sport) IS DISTINCT FROM (EXCLUDED.name, EXCLUDED.sport)
			RETURNING (xmax = 0) AS inserted
		`
		return scanOutcome(q.QueryRow(ctx, query, l.ID, l.Name, l.Sport))
	},
}

// Upsert inserts new leagues and refreshes changed ones
func (r *LeagueRepository) Upsert(ctx context.Context, leagues []*models.League) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, leagueBatch, leagues)
}

// GetByID retrieves a league, or nil when absent
func (r *LeagueRepository) GetByID(ctx context.Context, id string) (*models.League, error) {
	query := `SELECT id, name, sport, created_at, updated_at FROM leagues WHERE id = $1`

	var l models.League
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&l.ID, &l.Name, &l.Sport, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get league: %w", err)
	}
	return &l, nil
}

// KnownIDs returns every stored league id
func (r *LeagueRepository) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	return r.db.knownIDs(ctx, "leagues")
}
