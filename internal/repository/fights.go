package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// FightRepository handles fight database operations
type FightRepository struct {
	db *Database
}

// FightRef is a fight with its event date, used to fan out odds and
// statistics requests
type FightRef struct {
	ID        string
	EventID   string
	EventDate time.Time
}

// The event and both corners are fixed at insert. Weight class is a
// point-in-time field and only follows provider corrections until a result
// exists.
var fightBatch = batchSpec[*models.Fight]{
	table: "fights",
	write: func(ctx context.Context, q Querier, f *models.Fight) (Outcome, error) {
		query := `
			INSERT INTO fights (
				id, event_id, fighter1_id, fighter2_id, match_number, card_segment,
				weight_class, is_title_fight, result_method, result_round, result_time, winner_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				match_number = EXCLUDED.match_number,
				card_segment = EXCLUDED.card_segment,
				weight_class = CASE WHEN fights.result_method IS NULL AND fights.winner_id IS NULL
					THEN EXCLUDED.weight_class ELSE fights.weight_class END,
				is_title_fight = EXCLUDED.is_title_fight,
				result_method = EXCLUDED.result_method,
				result_round = EXCLUDED.result_round,
				result_time = EXCLUDED.result_time,
				winner_id = EXCLUDED.winner_id,
				updated_at = NOW()
			WHERE (fights.match_number, fights.card_segment, fights.is_title_fight,
					fights.result_method, fights.result_round, fights.result_time, fights.winner_id)
				IS DISTINCT FROM
				(EXCLUDED.match_number, EXCLUDED.card_segment, EXCLUDED.is_title_fight,
					EXCLUDED.result_method, EXCLUDED.result_round, EXCLUDED.result_time, EXCLUDED.winner_id)
				OR (fights.result_method IS NULL AND fights.winner_id IS NULL
					AND fights.weight_class IS DISTINCT FROM EXCLUDED.weight_class)
			RETURNING (xmax = 0) AS inserted
		`
		return scanOutcome(q.QueryRow(ctx, query,
			f.ID, f.EventID, f.Fighter1ID, f.Fighter2ID, f.MatchNumber, f.CardSegment,
			f.WeightClass, f.IsTitleFight, f.ResultMethod, f.ResultRound, f.ResultTime, f.WinnerID,
		))
	},
}

// Upsert inserts new fights and refreshes card placement and results
func (r *FightRepository) Upsert(ctx context.Context, fights []*models.Fight) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, fightBatch, fights)
}

const fightColumns = `
	id, event_id, fighter1_id, fighter2_id, match_number, card_segment,
	weight_class, is_title_fight, result_method, result_round, result_time, winner_id,
	created_at, updated_at
`

func scanFight(row pgx.Row) (*models.Fight, error) {
	var f models.Fight
	err := row.Scan(
		&f.ID, &f.EventID, &f.Fighter1ID, &f.Fighter2ID, &f.MatchNumber, &f.CardSegment,
		&f.WeightClass, &f.IsTitleFight, &f.ResultMethod, &f.ResultRound, &f.ResultTime, &f.WinnerID,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetByID retrieves a fight, or nil when absent
func (r *FightRepository) GetByID(ctx context.Context, id string) (*models.Fight, error) {
	f, err := scanFight(r.db.Pool.QueryRow(ctx, "SELECT "+fightColumns+" FROM fights WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fight: %w", err)
	}
	return f, nil
}

// ListByEvent returns an event's card ordered by bout number
func (r *FightRepository) ListByEvent(ctx context.Context, eventID string) ([]*models.Fight, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+fightColumns+" FROM fights WHERE event_id = $1 ORDER BY match_number NULLS LAST, id",
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list fights: %w", err)
	}
	defer rows.Close()

	var fights []*models.Fight
	for rows.Next() {
		f, err := scanFight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fight: %w", err)
		}
		fights = append(fights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fights: %w", err)
	}
	return fights, nil
}

// ListRefs returns fights whose event is dated on or after since, newest
// event first. A zero since returns every fight.
func (r *FightRepository) ListRefs(ctx context.Context, since time.Time) ([]FightRef, error) {
	query := `
		SELECT f.id, f.event_id, e.event_date
		FROM fights f
		JOIN events e ON e.id = f.event_id
		WHERE $1::timestamptz IS NULL OR e.event_date >= $1::timestamptz
		ORDER BY e.event_date DESC, f.id
	`

	var arg any
	if !since.IsZero() {
		arg = since
	}

	rows, err := r.db.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, unavailable("list fights", err)
	}
	defer rows.Close()

	var refs []FightRef
	for rows.Next() {
		var ref FightRef
		if err := rows.Scan(&ref.ID, &ref.EventID, &ref.EventDate); err != nil {
			return nil, fmt.Errorf("failed to scan fight: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate fights", err)
	}
	return refs, nil
}

// KnownIDs returns every stored fight id
func (r *FightRepository) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	return r.db.knownIDs(ctx, "fights")
}
