package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// EventRepository handles event database operations
type EventRepository struct {
	db *Database
}

// EventRef is the part of an event the fan-out stages need
type EventRef struct {
	ID        string
	EventDate time.Time
}

// Past events are frozen: the update branch only fires while the stored
// date is still in the future, so late corrections to an upcoming card
// land but history is never rewritten.
var eventBatch = batchSpec[*models.Event]{
	table: "events",
	write: func(ctx context.Context, q Querier, e *models.Event) (Outcome, error) {
		query := `
			INSERT INTO events (id, name, event_date, venue, location, promotion, league_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				event_date = EXCLUDED.event_date,
				venue = EXCLUDED.venue,
				location = EXCLUDED.location,
				promotion = EXCLUDED.promotion,
				league_id = EXCLUDED.league_id,
				updated_at = NOW()
			WHERE events.event_date > NOW()
				AND (events.name, events.event_date, events.venue, events.location, events.promotion, events.league_id)
				IS DISTINCT FROM
				(EXCLUDED.name, EXCLUDED.event_date, EXCLUDED.venue, EXCLUDED.location, EXCLUDED.promotion, EXCLUDED.league_id)
			RETURNING (xmax = 0) AS inserted
		`
		return scanOutcome(q.QueryRow(ctx, query,
			e.ID, e.Name, e.EventDate, e.Venue, e.Location, e.Promotion, e.LeagueID,
		))
	},
}

// Upsert inserts new events and corrects upcoming ones
func (r *EventRepository) Upsert(ctx context.Context, events []*models.Event) (*UpsertResult, error) {
	return upsertBatch(ctx, r.db, eventBatch, events)
}

// GetByID retrieves an event, or nil when absent
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	query := `
		SELECT id, name, event_date, venue, location, promotion, league_id, created_at, updated_at
		FROM events
		WHERE id = $1
	`

	var e models.Event
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Name, &e.EventDate, &e.Venue, &e.Location, &e.Promotion, &e.LeagueID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

// ListRefs returns events dated on or after since, newest first. A zero
// since returns every event.
func (r *EventRepository) ListRefs(ctx context.Context, since time.Time) ([]EventRef, error) {
	query := `
		SELECT id, event_date
		FROM events
		WHERE $1::timestamptz IS NULL OR event_date >= $1::timestamptz
		ORDER BY event_date DESC, id
	`

	var arg any
	if !since.IsZero() {
		arg = since
	}

	rows, err := r.db.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, unavailable("list events", err)
	}
	defer rows.Close()

	var refs []EventRef
	for rows.Next() {
		var ref EventRef
		if err := rows.Scan(&ref.ID, &ref.EventDate); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate events", err)
	}
	return refs, nil
}

// KnownIDs returns every stored event id
func (r *EventRepository) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	return r.db.knownIDs(ctx, "events")
}
