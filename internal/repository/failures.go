package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// FailureKind says which step a failed record or resource died in
type FailureKind string

const (
	FailureFetch      FailureKind = "fetch"
	FailureDecode     FailureKind = "decode"
	FailureDependency FailureKind = "dependency"
	FailurePersist    FailureKind = "persist"
)

// SyncFailure is a ledger row: something that failed in a run and should be
// re-requested by the next one
type SyncFailure struct {
	EntityType models.EntityType
	// Key is the record id for record failures, or resource+cursor for a
	// failed page
	Key      string
	Resource string
	Cursor   string
	Kind     FailureKind
	Error    string
	RunID    uuid.UUID

	Attempts      int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
}

// FailureRepository is the retry ledger
type FailureRepository struct {
	db *Database
}

// Record upserts failures, bumping the attempt count of known ones
func (r *FailureRepository) Record(ctx context.Context, failures []SyncFailure) error {
	if len(failures) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(`
			INSERT INTO sync_failures (entity_type, failure_key, resource, page_cursor, kind, last_error, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (entity_type, failure_key) DO UPDATE SET
				resource = EXCLUDED.resource,
				page_cursor = EXCLUDED.page_cursor,
				kind = EXCLUDED.kind,
				last_error = EXCLUDED.last_error,
				run_id = EXCLUDED.run_id,
				attempts = sync_failures.attempts + 1,
				last_failed_at = NOW()
		`, string(f.EntityType), f.Key, f.Resource, f.Cursor, string(f.Kind), f.Error, f.RunID)
	}

	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("record sync failures", err)
	}
	return nil
}

// Pending lists the ledger rows for an entity type, oldest first
func (r *FailureRepository) Pending(ctx context.Context, et models.EntityType) ([]SyncFailure, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT entity_type, failure_key, resource, page_cursor, kind, last_error, run_id,
		       attempts, first_failed_at, last_failed_at
		FROM sync_failures
		WHERE entity_type = $1
		ORDER BY first_failed_at, failure_key
	`, string(et))
	if err != nil {
		return nil, unavailable("list sync failures", err)
	}
	defer rows.Close()

	var out []SyncFailure
	for rows.Next() {
		var f SyncFailure
		var et, kind string
		if err := rows.Scan(&et, &f.Key, &f.Resource, &f.Cursor, &kind, &f.Error, &f.RunID,
			&f.Attempts, &f.FirstFailedAt, &f.LastFailedAt); err != nil {
			return nil, err
		}
		f.EntityType = models.EntityType(et)
		f.Kind = FailureKind(kind)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate sync failures", err)
	}
	return out, nil
}

// Clear removes resolved ledger rows
func (r *FailureRepository) Clear(ctx context.Context, et models.EntityType, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM sync_failures WHERE entity_type = $1 AND failure_key = ANY($2)`,
		string(et), keys,
	)
	if err != nil {
		return unavailable("clear sync failures", err)
	}
	return nil
}

// Count returns the number of ledger rows per entity type
func (r *FailureRepository) Count(ctx context.Context) (map[models.EntityType]int, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT entity_type, COUNT(*) FROM sync_failures GROUP BY entity_type`)
	if err != nil {
		return nil, unavailable("count sync failures", err)
	}
	defer rows.Close()

	out := make(map[models.EntityType]int)
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		out[models.EntityType(et)] = n
	}
	return out, rows.Err()
}
