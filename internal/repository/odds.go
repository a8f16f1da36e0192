package repository

import (
	"context"
	"fmt"
	"time"

	"fightsync/ingestion/internal/models"
)

// OddsRepository handles odds database operations. Rows are append-only.
type OddsRepository struct {
	db *Database
}

// A line is appended only when it differs from the latest stored line for
// the same fight and provider, so refetching an unchanged line is a no-op.
var oddsBatch = batchSpec[*models.Odds]{
	table: "odds",
	dedupKey: func(o *models.Odds) string {
		return o.Key() + "@" + o.FetchedAt.UTC().Format(time.RFC3339Nano)
	},
	write: func(ctx context.Context, q Querier, o *models.Odds) (Outcome, error) {
		query := `
			INSERT INTO odds (fight_id, provider, home_athlete_id, away_athlete_id, home_odds, away_odds, fetched_at)
			SELECT $1::text, $2::text, $3::text, $4::text, $5::double precision, $6::double precision, $7::timestamptz
			WHERE NOT EXISTS (
				SELECT 1 FROM (
					SELECT home_athlete_id, away_athlete_id, home_odds, away_odds
					FROM odds
					WHERE fight_id = $1::text AND provider = $2::text
					ORDER BY fetched_at DESC
					LIMIT 1
				) latest
				WHERE (latest.home_athlete_id, latest.away_athlete_id, latest.home_odds, latest.away_odds)
					IS NOT DISTINCT FROM ($3::text, $4::text, $5::double precision, $6::double precision)
			)
			ON CONFLICT (fight_id, provider, fetched_at) DO NOTHING
			RETURNING true
		`
		return scanOutcome(q.QueryRow(ctx, query,
			o.FightID, o.Provider, o.HomeAthleteID, o.AwayAthleteID, o.HomeOdds, o.AwayOdds, o.FetchedAt,
		))
	},
}

// Append stores new or changed odds lines
func (r *OddsRepository) Append(ctx context.Context, odds []*models.Odds) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, oddsBatch, odds)
}

// Latest returns the most recent line per provider for a fight
func (r *OddsRepository) Latest(ctx context.Context, fightID string) ([]*models.Odds, error) {
	query := `
		SELECT DISTINCT ON (provider)
		       id, fight_id, provider, home_athlete_id, away_athlete_id, home_odds, away_odds,
		       fetched_at, created_at
		FROM odds
		WHERE fight_id = $1
		ORDER BY provider, fetched_at DESC
	`
	return r.query(ctx, query, fightID)
}

// History returns every line for a fight, oldest first
func (r *OddsRepository) History(ctx context.Context, fightID string) ([]*models.Odds, error) {
	query := `
		SELECT id, fight_id, provider, home_athlete_id, away_athlete_id, home_odds, away_odds,
		       fetched_at, created_at
		FROM odds
		WHERE fight_id = $1
		ORDER BY fetched_at, provider
	`
	return r.query(ctx, query, fightID)
}

func (r *OddsRepository) query(ctx context.Context, query string, args ...any) ([]*models.Odds, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query odds: %w", err)
	}
	defer rows.Close()

	var oddsList []*models.Odds
	for rows.Next() {
		var o models.Odds
		err := rows.Scan(
			&o.ID, &o.FightID, &o.Provider, &o.HomeAthleteID, &o.AwayAthleteID, &o.HomeOdds, &o.AwayOdds,
			&o.FetchedAt, &o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan odds: %w", err)
		}
		oddsList = append(oddsList, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating odds: %w", err)
	}

	return oddsList, nil
}
