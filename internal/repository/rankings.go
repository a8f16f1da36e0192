package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"fightsync/ingestion/internal/metrics"
	"fightsync/ingestion/internal/models"
)

// RankingRepository owns the current rankings projection and its
// append-only history
type RankingRepository struct {
	db *Database
}

type rankingSlot struct {
	division string
	rank     int
}

// Replace swaps the current rankings for entries in one transaction. Before
// anything is overwritten every current row is copied into ranking_history
// stamped with snapshotAt's date; the (division, fighter, date) unique key
// makes a same-day rerun a no-op for history.
//
// Callers must not pass an empty set: an empty fetch is indistinguishable
// from an outage and would wipe the projection.
func (r *RankingRepository) Replace(ctx context.Context, entries []*models.RankingEntry, snapshotAt time.Time) (*UpsertResult, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("refusing to replace rankings with an empty set")
	}
	holders := make(map[string]string, len(entries))
	for _, e := range entries {
		if h, ok := holders[e.Key()]; ok && h != e.FighterKey() {
			return nil, fmt.Errorf("ranking slot %s claimed by both %s and %s", e.Key(), h, e.FighterKey())
		}
		holders[e.Key()] = e.FighterKey()
	}
	start := time.Now()
	entries = dedupSorted(entries, nil)
	snapshotDate := snapshotAt.UTC().Truncate(24 * time.Hour)

	result := &UpsertResult{}
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		// serialize concurrent replaces
		if _, err := tx.Exec(ctx, `LOCK TABLE ranking_entries IN EXCLUSIVE MODE`); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO ranking_history (
				division, fighter_key, fighter_name, fighter_id, rank,
				is_champion, is_interim, ranking_type, snapshot_date
			)
			SELECT division, COALESCE(NULLIF(fighter_id, ''), fighter_name), fighter_name, fighter_id, rank,
			       is_champion, is_interim, ranking_type, $1::date
			FROM ranking_entries
			ON CONFLICT (division, fighter_key, snapshot_date) DO NOTHING
		`, snapshotDate)
		if err != nil {
			return err
		}
		log.Debug().Int64("rows", tag.RowsAffected()).Time("snapshot_date", snapshotDate).Msg("Ranking snapshot written")

		current, err := loadEntries(ctx, tx, "")
		if err != nil {
			return err
		}
		bySlot := make(map[rankingSlot]*models.RankingEntry, len(current))
		for _, e := range current {
			bySlot[rankingSlot{e.Division, e.Rank}] = e
		}
		for _, e := range entries {
			prev, ok := bySlot[rankingSlot{e.Division, e.Rank}]
			switch {
			case !ok:
				result.Inserted++
			case sameEntry(prev, e):
				result.Unchanged++
			default:
				result.Updated++
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM ranking_entries`); err != nil {
			return err
		}

		rows := make([][]any, 0, len(entries))
		now := time.Now().UTC()
		for _, e := range entries {
			rows = append(rows, []any{
				e.Division, e.Rank, e.FighterName, e.FighterID,
				e.IsChampion, e.IsInterim, string(e.RankingType), now,
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"ranking_entries"},
			[]string{"division", "rank", "fighter_name", "fighter_id", "is_champion", "is_interim", "ranking_type", "updated_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		metrics.RecordDBQuery("replace", "ranking_entries", "error", time.Since(start).Seconds())
		if classify(err) == classFatal {
			return nil, unavailable("replace rankings", err)
		}
		return nil, fmt.Errorf("failed to replace rankings: %w", err)
	}

	metrics.RecordDBQuery("replace", "ranking_entries", "success", time.Since(start).Seconds())
	return result, nil
}

func sameEntry(a, b *models.RankingEntry) bool {
	return a.FighterName == b.FighterName &&
		a.FighterID == b.FighterID &&
		a.IsChampion == b.IsChampion &&
		a.IsInterim == b.IsInterim &&
		a.RankingType == b.RankingType
}

func loadEntries(ctx context.Context, q Querier, division string) ([]*models.RankingEntry, error) {
	query := `
		SELECT division, rank, fighter_name, fighter_id, is_champion, is_interim, ranking_type, updated_at
		FROM ranking_entries
		WHERE $1 = '' OR division = $1
		ORDER BY division, rank
	`
	rows, err := q.Query(ctx, query, division)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.RankingEntry
	for rows.Next() {
		var e models.RankingEntry
		var rtype string
		if err := rows.Scan(&e.Division, &e.Rank, &e.FighterName, &e.FighterID,
			&e.IsChampion, &e.IsInterim, &rtype, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.RankingType = models.RankingType(rtype)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Current returns the current rankings, optionally for one division
func (r *RankingRepository) Current(ctx context.Context, division string) ([]*models.RankingEntry, error) {
	entries, err := loadEntries(ctx, r.db.Pool, division)
	if err != nil {
		return nil, fmt.Errorf("failed to load rankings: %w", err)
	}
	return entries, nil
}

// History returns a fighter's snapshots in a division, newest first
func (r *RankingRepository) History(ctx context.Context, division, fighterKey string) ([]*models.RankingSnapshot, error) {
	query := `
		SELECT id, division, fighter_key, fighter_name, fighter_id, rank,
		       is_champion, is_interim, ranking_type, snapshot_date
		FROM ranking_history
		WHERE division = $1 AND fighter_key = $2
		ORDER BY snapshot_date DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, division, fighterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranking history: %w", err)
	}
	defer rows.Close()

	var snaps []*models.RankingSnapshot
	for rows.Next() {
		var s models.RankingSnapshot
		var rtype string
		if err := rows.Scan(&s.ID, &s.Division, &s.FighterKey, &s.FighterName, &s.FighterID, &s.Rank,
			&s.IsChampion, &s.IsInterim, &rtype, &s.SnapshotDate); err != nil {
			return nil, fmt.Errorf("failed to scan ranking snapshot: %w", err)
		}
		s.RankingType = models.RankingType(rtype)
		snaps = append(snaps, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ranking history: %w", err)
	}
	return snaps, nil
}

// Movements compares every current entry in a division with the fighter's
// most recent snapshot. The snapshot holds the state from before the last
// replace, so this is the movement produced by the latest ranking sync.
func (r *RankingRepository) Movements(ctx context.Context, division string) ([]*models.RankMovement, error) {
	query := `
		SELECT c.division, COALESCE(NULLIF(c.fighter_id, ''), c.fighter_name), c.fighter_name, c.rank, h.rank
		FROM ranking_entries c
		LEFT JOIN LATERAL (
			SELECT rank
			FROM ranking_history
			WHERE division = c.division
			  AND fighter_key = COALESCE(NULLIF(c.fighter_id, ''), c.fighter_name)
			ORDER BY snapshot_date DESC
			LIMIT 1
		) h ON TRUE
		WHERE c.division = $1
		ORDER BY c.rank
	`
	rows, err := r.db.Pool.Query(ctx, query, division)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []*models.RankMovement
	for rows.Next() {
		var m models.RankMovement
		if err := rows.Scan(&m.Division, &m.FighterKey, &m.FighterName, &m.Rank, &m.PriorRank); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.Movement, m.RankChange = models.CompareRanks(m.Rank, m.PriorRank)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movements: %w", err)
	}
	return out, nil
}
