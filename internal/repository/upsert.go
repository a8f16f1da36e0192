package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"fightsync/ingestion/internal/metrics"
	"fightsync/ingestion/internal/models"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Outcome is what a single upsert did to its row
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

// RecordFailure is one record that could not be written
type RecordFailure struct {
	ID  string
	Err error
}

// UpsertResult tallies one upsert call
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    []RecordFailure
}

// Merge adds other into r
func (r *UpsertResult) Merge(other *UpsertResult) {
	if other == nil {
		return
	}
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Failed = append(r.Failed, other.Failed...)
}

func (r *UpsertResult) add(o Outcome) {
	switch o {
	case Inserted:
		r.Inserted++
	case Updated:
		r.Updated++
	default:
		r.Unchanged++
	}
}

// writeFunc writes one record through q
type writeFunc[T models.Record] func(ctx context.Context, q Querier, rec T) (Outcome, error)

// batchSpec describes one table's batch upsert
type batchSpec[T models.Record] struct {
	table string
	// dedupKey identifies duplicates inside one batch; defaults to Key
	dedupKey func(T) string
	write    writeFunc[T]
}

// upsertBatch writes records in one transaction. Each record runs in its
// own savepoint so a bad record only rolls back itself. Records that hit a
// constraint or lock conflict are retried one at a time in their own
// transaction after the batch commits; if that fails too they are reported
// as PersistenceConflictError. Connection-level errors abort with
// ErrStoreUnavailable.
//
// Records are sorted by key so concurrent batches take row locks in the
// same order.
func upsertBatch[T models.Record](ctx context.Context, db *Database, bs batchSpec[T], records []T) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	records = dedupSorted(records, bs.dedupKey)

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		metrics.RecordDBQuery("upsert", bs.table, "error", time.Since(start).Seconds())
		return nil, unavailable("begin "+bs.table+" batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pending := &UpsertResult{}
	var retry []T

	for _, rec := range records {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, unavailable("savepoint "+bs.table, err)
		}

		outcome, werr := bs.write(ctx, sp, rec)
		if werr == nil {
			if err := sp.Commit(ctx); err != nil {
				return nil, unavailable("release savepoint "+bs.table, err)
			}
			pending.add(outcome)
			continue
		}

		if err := sp.Rollback(ctx); err != nil {
			return nil, unavailable("rollback savepoint "+bs.table, err)
		}

		switch classify(werr) {
		case classFatal:
			return nil, unavailable("upsert "+bs.table, werr)
		case classConflict:
			retry = append(retry, rec)
		default:
			log.Warn().
				Err(werr).
				Str("table", bs.table).
				Str("id", rec.Key()).
				Msg("Record rejected by store")
			pending.Failed = append(pending.Failed, RecordFailure{ID: rec.Key(), Err: werr})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if classify(err) == classFatal {
			metrics.RecordDBQuery("upsert", bs.table, "error", time.Since(start).Seconds())
			return nil, unavailable("commit "+bs.table+" batch", err)
		}
		// the whole batch lost a serialization race; retry everything alone
		log.Warn().Err(err).Str("table", bs.table).Msg("Batch commit failed, retrying records individually")
		pending = &UpsertResult{}
		retry = records
	}
	result.Merge(pending)

	for _, rec := range retry {
		outcome, err := upsertAlone(ctx, db, bs, rec)
		if err != nil {
			if classify(err) == classFatal {
				return nil, unavailable("upsert "+bs.table, err)
			}
			conflict := &PersistenceConflictError{Table: bs.table, ID: rec.Key(), Code: pgCode(err), Cause: err}
			log.Warn().
				Err(err).
				Str("table", bs.table).
				Str("id", rec.Key()).
				Str("code", conflict.Code).
				Msg("Record conflict persisted after individual retry")
			result.Failed = append(result.Failed, RecordFailure{ID: rec.Key(), Err: conflict})
			continue
		}
		result.add(outcome)
	}

	status := "success"
	if len(result.Failed) > 0 {
		status = "partial"
	}
	metrics.RecordDBQuery("upsert", bs.table, status, time.Since(start).Seconds())

	return result, nil
}

// upsertAlone writes a single record in its own transaction
func upsertAlone[T models.Record](ctx context.Context, db *Database, bs batchSpec[T], rec T) (Outcome, error) {
	var outcome Outcome
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		o, err := bs.write(ctx, tx, rec)
		outcome = o
		return err
	})
	return outcome, err
}

// dedupSorted drops duplicate keys (last one wins) and sorts by key
func dedupSorted[T models.Record](records []T, key func(T) string) []T {
	if key == nil {
		key = func(r T) string { return r.Key() }
	}
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		k := key(rec)
		if i, ok := index[k]; ok {
			out[i] = rec
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

// scanOutcome turns the result of an upsert's RETURNING (xmax = 0) clause
// into an Outcome. No row means the WHERE guard found nothing to change.
func scanOutcome(row pgx.Row) (Outcome, error) {
	var inserted bool
	err := row.Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, err
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}
