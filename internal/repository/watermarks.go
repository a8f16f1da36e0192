package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fightsync/ingestion/internal/models"
)

// WatermarkRepository stores one incremental-sync watermark per entity
// type. The watermark is passed explicitly to each run rather than held in
// process state.
type WatermarkRepository struct {
	db *Database
}

// Get returns the stored watermark. ok is false when none has been set.
func (r *WatermarkRepository) Get(ctx context.Context, et models.EntityType) (time.Time, bool, error) {
	var wm time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT watermark FROM sync_watermarks WHERE entity_type = $1`, string(et),
	).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("get watermark", err)
	}
	return wm.UTC(), true, nil
}

// Advance moves the watermark forward to ts. It never moves backwards.
func (r *WatermarkRepository) Advance(ctx context.Context, et models.EntityType, ts time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sync_watermarks (entity_type, watermark)
		VALUES ($1, $2)
		ON CONFLICT (entity_type) DO UPDATE SET
			watermark = GREATEST(sync_watermarks.watermark, EXCLUDED.watermark),
			updated_at = NOW()
	`, string(et), ts.UTC())
	if err != nil {
		return unavailable("advance watermark", err)
	}
	return nil
}
