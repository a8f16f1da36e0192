package repository

import (
	"context"
	"fmt"
	"time"

	"fightsync/ingestion/internal/models"
)

// Upsert routes decoded records to the table for their entity type. It is
// the single write path used by the sync engine.
func (db *Database) Upsert(ctx context.Context, et models.EntityType, records []models.Record) (*UpsertResult, error) {
	switch et {
	case models.EntityLeague:
		recs, err := castRecords[*models.League](et, records)
		if err != nil {
			return nil, err
		}
		return db.Leagues.Upsert(ctx, recs)
	case models.EntityAthlete:
		recs, err := castRecords[*models.Athlete](et, records)
		if err != nil {
			return nil, err
		}
		return db.Athletes.Upsert(ctx, recs)
	case models.EntityEvent:
		recs, err := castRecords[*models.Event](et, records)
		if err != nil {
			return nil, err
		}
		return db.Events.Upsert(ctx, recs)
	case models.EntityFight:
		recs, err := castRecords[*models.Fight](et, records)
		if err != nil {
			return nil, err
		}
		return db.Fights.Upsert(ctx, recs)
	case models.EntityOdds:
		recs, err := castRecords[*models.Odds](et, records)
		if err != nil {
			return nil, err
		}
		return db.Odds.Append(ctx, recs)
	case models.EntityStatistic:
		recs, err := castRecords[*models.Statistic](et, records)
		if err != nil {
			return nil, err
		}
		return db.Stats.Append(ctx, recs)
	}
	return nil, fmt.Errorf("no upsert for entity type %q", et)
}

func castRecords[T models.Record](et models.EntityType, records []models.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		t, ok := r.(T)
		if !ok {
			return nil, fmt.Errorf("record %s is %T, not a %s", r.Key(), r, et)
		}
		out = append(out, t)
	}
	return out, nil
}

// ReplaceRankings snapshots and replaces the current rankings
func (db *Database) ReplaceRankings(ctx context.Context, entries []*models.RankingEntry, snapshotAt time.Time) (*UpsertResult, error) {
	return db.Rankings.Replace(ctx, entries, snapshotAt)
}

// KnownIDs returns the stored ids of an id-keyed entity type
func (db *Database) KnownIDs(ctx context.Context, et models.EntityType) (map[string]struct{}, error) {
	switch et {
	case models.EntityLeague:
		return db.Leagues.KnownIDs(ctx)
	case models.EntityAthlete:
		return db.Athletes.KnownIDs(ctx)
	case models.EntityEvent:
		return db.Events.KnownIDs(ctx)
	case models.EntityFight:
		return db.Fights.KnownIDs(ctx)
	}
	return nil, fmt.Errorf("entity type %q has no id table", et)
}

// EventRefs lists events dated on or after since
func (db *Database) EventRefs(ctx context.Context, since time.Time) ([]EventRef, error) {
	return db.Events.ListRefs(ctx, since)
}

// FightRefs lists fights whose event is dated on or after since
func (db *Database) FightRefs(ctx context.Context, since time.Time) ([]FightRef, error) {
	return db.Fights.ListRefs(ctx, since)
}

// Watermark returns the stored watermark for an entity type
func (db *Database) Watermark(ctx context.Context, et models.EntityType) (time.Time, bool, error) {
	return db.Watermarks.Get(ctx, et)
}

// AdvanceWatermark moves an entity type's watermark forward
func (db *Database) AdvanceWatermark(ctx context.Context, et models.EntityType, ts time.Time) error {
	return db.Watermarks.Advance(ctx, et, ts)
}

// PendingFailures lists ledger rows for an entity type
func (db *Database) PendingFailures(ctx context.Context, et models.EntityType) ([]SyncFailure, error) {
	return db.Failures.Pending(ctx, et)
}

// RecordFailures writes ledger rows
func (db *Database) RecordFailures(ctx context.Context, failures []SyncFailure) error {
	return db.Failures.Record(ctx, failures)
}

// ClearFailures removes resolved ledger rows
func (db *Database) ClearFailures(ctx context.Context, et models.EntityType, keys []string) error {
	return db.Failures.Clear(ctx, et, keys)
}
