package repository

import (
	"context"
	"fmt"
	"time"

	"fightsync/ingestion/internal/models"
)

// StatsRepository handles per-fight statistics. Like odds, rows are
// append-only and the latest FetchedAt wins.
type StatsRepository struct {
	db *Database
}

var statsBatch = batchSpec[*models.Statistic]{
	table: "fight_statistics",
	dedupKey: func(s *models.Statistic) string {
		return s.Key() + "@" + s.FetchedAt.UTC().Format(time.RFC3339Nano)
	},
	write: func(ctx context.Context, q Querier, s *models.Statistic) (Outcome, error) {
		query := `
			INSERT INTO fight_statistics (
				event_id, fight_id, athlete_id,
				strikes_landed, strikes_attempted, sig_strikes_landed, sig_strikes_attempted,
				takedowns_landed, takedowns_attempted, submission_attempts, knockdowns,
				control_seconds, fetched_at
			)
			SELECT $1::text, $2::text, $3::text, $4::int, $5::int, $6::int, $7::int,
			       $8::int, $9::int, $10::int, $11::int, $12::int, $13::timestamptz
			WHERE NOT EXISTS (
				SELECT 1 FROM (
					SELECT strikes_landed, strikes_attempted, sig_strikes_landed, sig_strikes_attempted,
					       takedowns_landed, takedowns_attempted, submission_attempts, knockdowns, control_seconds
					FROM fight_statistics
					WHERE fight_id = $2::text AND athlete_id = $3::text
					ORDER BY fetched_at DESC
					LIMIT 1
				) latest
				WHERE (latest.strikes_landed, latest.strikes_attempted, latest.sig_strikes_landed,
				       latest.sig_strikes_attempted, latest.takedowns_landed, latest.takedowns_attempted,
				       latest.submission_attempts, latest.knockdowns, latest.control_seconds)
					IS NOT DISTINCT FROM
					($4::int, $5::int, $6::int, $7::int, $8::int, $9::int, $10::int, $11::int, $12::int)
			)
			ON CONFLICT (fight_id, athlete_id, fetched_at) DO NOTHING
			RETURNING true
		`
		return scanOutcome(q.QueryRow(ctx, query,
			s.EventID, s.FightID, s.AthleteID,
			s.StrikesLanded, s.StrikesAttempted, s.SigStrikesLanded, s.SigStrikesAttempted,
			s.TakedownsLanded, s.TakedownsAttempted, s.SubmissionAttempts, s.Knockdowns,
			s.ControlSeconds, s.FetchedAt,
		))
	},
}

// Append stores new or corrected statistics lines
func (r *StatsRepository) Append(ctx context.Context, stats []*models.Statistic) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, statsBatch, stats)
}

// Latest returns the most recent line per athlete for a fight
func (r *StatsRepository) Latest(ctx context.Context, fightID string) ([]*models.Statistic, error) {
	query := `
		SELECT DISTINCT ON (athlete_id)
		       id, event_id, fight_id, athlete_id,
		       strikes_landed, strikes_attempted, sig_strikes_landed, sig_strikes_attempted,
		       takedowns_landed, takedowns_attempted, submission_attempts, knockdowns,
		       control_seconds, fetched_at, created_at
		FROM fight_statistics
		WHERE fight_id = $1
		ORDER BY athlete_id, fetched_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, fightID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var stats []*models.Statistic
	for rows.Next() {
		var s models.Statistic
		err := rows.Scan(
			&s.ID, &s.EventID, &s.FightID, &s.AthleteID,
			&s.StrikesLanded, &s.StrikesAttempted, &s.SigStrikesLanded, &s.SigStrikesAttempted,
			&s.TakedownsLanded, &s.TakedownsAttempted, &s.SubmissionAttempts, &s.Knockdowns,
			&s.ControlSeconds, &s.FetchedAt, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statistic: %w", err)
		}
		stats = append(stats, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistics: %w", err)
	}
	return stats, nil
}
