package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fightsync/ingestion/internal/models"
)

func entry(division string, rank int, name, id string) *models.RankingEntry {
	e := &models.RankingEntry{
		Division:    division,
		Rank:        rank,
		FighterName: name,
		RankingType: models.RankingDivision,
		IsChampion:  rank == 0,
	}
	if id != "" {
		e.FighterID = ns(id)
	}
	return e
}

func TestRankingReplaceSnapshotsAndComputesMovement(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	day1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	res, err := db.Rankings.Replace(ctx, []*models.RankingEntry{
		entry("Lightweight", 1, "B", "b"),
		entry("Lightweight", 2, "C", "c"),
		entry("Lightweight", 3, "A", "a"),
	}, day1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	// first sync: nothing to compare against
	moves, err := db.Rankings.Movements(ctx, "Lightweight")
	require.NoError(t, err)
	require.Len(t, moves, 3)
	for _, m := range moves {
		assert.Equal(t, models.MovementNew, m.Movement)
	}

	res, err = db.Rankings.Replace(ctx, []*models.RankingEntry{
		entry("Lightweight", 1, "A", "a"),
		entry("Lightweight", 2, "C", "c"),
		entry("Lightweight", 3, "B", "b"),
		entry("Lightweight", 4, "D", "d"),
	}, day2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	moves, err = db.Rankings.Movements(ctx, "Lightweight")
	require.NoError(t, err)
	require.Len(t, moves, 4)

	byKey := map[string]*models.RankMovement{}
	for _, m := range moves {
		byKey[m.FighterKey] = m
	}
	assert.Equal(t, models.MovementUp, byKey["a"].Movement)
	assert.Equal(t, 2, byKey["a"].RankChange)
	assert.Equal(t, models.MovementDown, byKey["b"].Movement)
	assert.Equal(t, -2, byKey["b"].RankChange)
	assert.Equal(t, models.MovementSame, byKey["c"].Movement)
	assert.Equal(t, models.MovementNew, byKey["d"].Movement)

	history, err := db.Rankings.History(ctx, "Lightweight", "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Rank)
}

func TestRankingSameDayRerunDoesNotDuplicateHistory(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	day := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	set := []*models.RankingEntry{entry("Flyweight", 0, "Champ", "x"), entry("Flyweight", 1, "No Id", "")}

	_, err := db.Rankings.Replace(ctx, set, day.Add(-24*time.Hour))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := db.Rankings.Replace(ctx, set, day.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Unchanged)
	}

	var n int
	err = db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM ranking_history`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	history, err := db.Rankings.History(ctx, "Flyweight", "No Id")
	require.NoError(t, err)
	assert.Len(t, history, 1, "entries without an id are tracked by name")
}

func TestRankingReplaceRejectsEmptySet(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	_, err := db.Rankings.Replace(ctx, []*models.RankingEntry{entry("Flyweight", 1, "A", "a")}, time.Now())
	require.NoError(t, err)

	_, err = db.Rankings.Replace(ctx, nil, time.Now())
	assert.Error(t, err)

	current, err := db.Rankings.Current(ctx, "")
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestRankingReplaceRejectsSharedSlot(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	_, err := db.Rankings.Replace(ctx, []*models.RankingEntry{entry("Flyweight", 1, "A", "a")}, time.Now())
	require.NoError(t, err)

	_, err = db.Rankings.Replace(ctx, []*models.RankingEntry{
		entry("Flyweight", 2, "B", "b"),
		entry("Flyweight", 2, "C", "c"),
	}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Flyweight/2")

	current, err := db.Rankings.Current(ctx, "")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "a", current[0].FighterKey())
}

func TestWatermarkOnlyMovesForward(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	_, ok, err := db.Watermark(ctx, models.EntityEvent)
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.AdvanceWatermark(ctx, models.EntityEvent, t1))
	require.NoError(t, db.AdvanceWatermark(ctx, models.EntityEvent, t1.Add(-time.Hour)))

	wm, ok, err := db.Watermark(ctx, models.EntityEvent)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wm.Equal(t1))

	_, ok, err = db.Watermark(ctx, models.EntityOdds)
	require.NoError(t, err)
	assert.False(t, ok, "watermarks are scoped per entity type")
}

func TestFailureLedger(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	run1, run2 := uuid.New(), uuid.New()
	f := SyncFailure{
		EntityType: models.EntityAthlete,
		Key:        "a-05",
		Resource:   "athletes/a-05",
		Kind:       FailureDecode,
		Error:      "bad weight class",
		RunID:      run1,
	}
	require.NoError(t, db.RecordFailures(ctx, []SyncFailure{f}))

	f.RunID = run2
	f.Kind = FailureFetch
	require.NoError(t, db.RecordFailures(ctx, []SyncFailure{f, {
		EntityType: models.EntityAthlete,
		Key:        "athletes#cursor-2",
		Resource:   "athletes",
		Cursor:     "cursor-2",
		Kind:       FailureFetch,
		Error:      "timeout",
		RunID:      run2,
	}}))

	pending, err := db.PendingFailures(ctx, models.EntityAthlete)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byKey := map[string]SyncFailure{}
	for _, p := range pending {
		byKey[p.Key] = p
	}
	assert.Equal(t, 2, byKey["a-05"].Attempts)
	assert.Equal(t, FailureFetch, byKey["a-05"].Kind)
	assert.Equal(t, run2, byKey["a-05"].RunID)
	assert.Equal(t, "cursor-2", byKey["athletes#cursor-2"].Cursor)

	counts, err := db.Failures.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.EntityAthlete])

	require.NoError(t, db.ClearFailures(ctx, models.EntityAthlete, []string{"a-05"}))
	pending, err = db.PendingFailures(ctx, models.EntityAthlete)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "athletes#cursor-2", pending[0].Key)
}
