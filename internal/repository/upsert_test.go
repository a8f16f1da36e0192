package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fightsync/ingestion/internal/models"
)

func ns(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func seedLeague(t *testing.T, db *Database) {
	t.Helper()
	_, err := db.Leagues.Upsert(t.Context(), []*models.League{{ID: "ufc", Name: "UFC", Sport: "MMA"}})
	require.NoError(t, err)
}

func testAthletes(n int) []*models.Athlete {
	athletes := make([]*models.Athlete, 0, n)
	for i := 1; i <= n; i++ {
		athletes = append(athletes, &models.Athlete{
			ID:          fmt.Sprintf("a-%02d", i),
			FullName:    fmt.Sprintf("Fighter %d", i),
			WeightClass: ns("Lightweight"),
			LeagueID:    ns("ufc"),
		})
	}
	return athletes
}

func TestAthleteUpsertIsIdempotent(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	first, err := db.Athletes.Upsert(ctx, testAthletes(10))
	require.NoError(t, err)
	assert.Equal(t, 10, first.Inserted)
	assert.Empty(t, first.Failed)

	second, err := db.Athletes.Upsert(ctx, testAthletes(10))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted, "re-applying the same records must not insert")
	assert.Equal(t, 0, second.Updated, "unchanged records must not count as updates")
	assert.Equal(t, 10, second.Unchanged)
}

func TestAthleteWeightClassChangeLeavesFightsAlone(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	athletes := testAthletes(2)
	_, err := db.Athletes.Upsert(ctx, athletes)
	require.NoError(t, err)

	_, err = db.Events.Upsert(ctx, []*models.Event{{ID: "e-1", Name: "Card", EventDate: time.Now().Add(-48 * time.Hour)}})
	require.NoError(t, err)

	_, err = db.Fights.Upsert(ctx, []*models.Fight{{
		ID: "f-1", EventID: "e-1", Fighter1ID: "a-01", Fighter2ID: "a-02",
		WeightClass: ns("Lightweight"), ResultMethod: ns("KO/TKO"), WinnerID: ns("a-01"),
	}})
	require.NoError(t, err)

	moved := testAthletes(2)
	moved[0].WeightClass = ns("Welterweight")
	res, err := db.Athletes.Upsert(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	a, err := db.Athletes.GetByID(ctx, "a-01")
	require.NoError(t, err)
	assert.Equal(t, "Welterweight", a.WeightClass.String)
	assert.Equal(t, "Fighter 1", a.FullName)

	f, err := db.Fights.GetByID(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "Lightweight", f.WeightClass.String, "fight weight class is point-in-time")
}

func TestFightBatchIsolatesConstraintViolations(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	_, err := db.Athletes.Upsert(ctx, testAthletes(4))
	require.NoError(t, err)
	_, err = db.Events.Upsert(ctx, []*models.Event{{ID: "e-1", Name: "Card", EventDate: time.Now().Add(24 * time.Hour)}})
	require.NoError(t, err)

	fights := []*models.Fight{
		{ID: "f-1", EventID: "e-1", Fighter1ID: "a-01", Fighter2ID: "a-02"},
		{ID: "f-2", EventID: "e-1", Fighter1ID: "a-03", Fighter2ID: "a-99"}, // unknown athlete
		{ID: "f-3", EventID: "e-1", Fighter1ID: "a-03", Fighter2ID: "a-04"},
	}
	res, err := db.Fights.Upsert(ctx, fights)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "f-2", res.Failed[0].ID)

	var conflict *PersistenceConflictError
	require.True(t, errors.As(res.Failed[0].Err, &conflict))
	assert.Equal(t, "23503", conflict.Code)

	missing, err := db.Fights.GetByID(ctx, "f-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	card, err := db.Fights.ListByEvent(ctx, "e-1")
	require.NoError(t, err)
	assert.Len(t, card, 2)
}

func TestFightResultUpdatesButCornersAreFixed(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	_, err := db.Athletes.Upsert(ctx, testAthletes(3))
	require.NoError(t, err)
	_, err = db.Events.Upsert(ctx, []*models.Event{{ID: "e-1", Name: "Card", EventDate: time.Now().Add(-time.Hour)}})
	require.NoError(t, err)

	fight := &models.Fight{ID: "f-1", EventID: "e-1", Fighter1ID: "a-01", Fighter2ID: "a-02", WeightClass: ns("Lightweight")}
	_, err = db.Fights.Upsert(ctx, []*models.Fight{fight})
	require.NoError(t, err)

	result := *fight
	result.Fighter2ID = "a-03"
	result.ResultMethod = ns("Submission")
	result.ResultRound = sql.NullInt32{Int32: 2, Valid: true}
	result.WinnerID = ns("a-01")
	res, err := db.Fights.Upsert(ctx, []*models.Fight{&result})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	stored, err := db.Fights.GetByID(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "a-02", stored.Fighter2ID)
	assert.Equal(t, "Submission", stored.ResultMethod.String)
	assert.Equal(t, int32(2), stored.ResultRound.Int32)
}

func TestPastEventsAreImmutable(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)

	past := &models.Event{ID: "e-past", Name: "Old Card", EventDate: time.Now().Add(-30 * 24 * time.Hour).UTC().Truncate(time.Second), Venue: ns("Arena A")}
	future := &models.Event{ID: "e-next", Name: "Next Card", EventDate: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second), Venue: ns("Arena B")}
	_, err := db.Events.Upsert(ctx, []*models.Event{past, future})
	require.NoError(t, err)

	pastFix := *past
	pastFix.Venue = ns("Somewhere Else")
	futureFix := *future
	futureFix.Venue = ns("Arena C")
	res, err := db.Events.Upsert(ctx, []*models.Event{&pastFix, &futureFix})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	got, err := db.Events.GetByID(ctx, "e-past")
	require.NoError(t, err)
	assert.Equal(t, "Arena A", got.Venue.String)

	got, err = db.Events.GetByID(ctx, "e-next")
	require.NoError(t, err)
	assert.Equal(t, "Arena C", got.Venue.String)

	refs, err := db.EventRefs(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "e-next", refs[0].ID)
}

func TestOddsAppendOnlyWhenLineChanges(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	_, err := db.Athletes.Upsert(ctx, testAthletes(2))
	require.NoError(t, err)
	_, err = db.Events.Upsert(ctx, []*models.Event{{ID: "e-1", Name: "Card", EventDate: time.Now().Add(72 * time.Hour)}})
	require.NoError(t, err)
	_, err = db.Fights.Upsert(ctx, []*models.Fight{{ID: "f-1", EventID: "e-1", Fighter1ID: "a-01", Fighter2ID: "a-02"}})
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	line := func(at time.Time, home float64) *models.Odds {
		return &models.Odds{
			FightID: "f-1", Provider: "BookA",
			HomeAthleteID: ns("a-01"), AwayAthleteID: ns("a-02"),
			HomeOdds: sql.NullFloat64{Float64: home, Valid: true},
			AwayOdds: sql.NullFloat64{Float64: 120, Valid: true},
			FetchedAt: at,
		}
	}

	res, err := db.Odds.Append(ctx, []*models.Odds{line(t0, -140)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = db.Odds.Append(ctx, []*models.Odds{line(t0.Add(time.Hour), -140)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted, "unchanged line is not appended")
	assert.Equal(t, 1, res.Unchanged)

	res, err = db.Odds.Append(ctx, []*models.Odds{line(t0.Add(2*time.Hour), -160)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	latest, err := db.Odds.Latest(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, -160.0, latest[0].HomeOdds.Float64)

	history, err := db.Odds.History(ctx, "f-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStatsLatestPerAthlete(t *testing.T) {
	db, ctx := setupTestDB(t)
	defer teardownTestDB(t, db)
	seedLeague(t, db)

	_, err := db.Athletes.Upsert(ctx, testAthletes(2))
	require.NoError(t, err)
	_, err = db.Events.Upsert(ctx, []*models.Event{{ID: "e-1", Name: "Card", EventDate: time.Now().Add(-72 * time.Hour)}})
	require.NoError(t, err)
	_, err = db.Fights.Upsert(ctx, []*models.Fight{{ID: "f-1", EventID: "e-1", Fighter1ID: "a-01", Fighter2ID: "a-02"}})
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stat := func(athlete string, at time.Time, sig int32) *models.Statistic {
		return &models.Statistic{
			EventID: "e-1", FightID: "f-1", AthleteID: athlete,
			SigStrikesLanded: sql.NullInt32{Int32: sig, Valid: true},
			FetchedAt:        at,
		}
	}

	res, err := db.Stats.Append(ctx, []*models.Statistic{stat("a-01", t0, 40), stat("a-02", t0, 22)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	// correction for one athlete arrives later
	res, err = db.Stats.Append(ctx, []*models.Statistic{stat("a-01", t0.Add(time.Hour), 42), stat("a-02", t0.Add(time.Hour), 22)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)

	latest, err := db.Stats.Latest(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "a-01", latest[0].AthleteID)
	assert.Equal(t, int32(42), latest[0].SigStrikesLanded.Int32)
}

func TestDedupSortedKeepsLastDuplicate(t *testing.T) {
	in := []*models.League{
		{ID: "b", Name: "first"},
		{ID: "a", Name: "only"},
		{ID: "b", Name: "second"},
	}
	out := dedupSorted(in, nil)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
	assert.Equal(t, "second", out[1].Name)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, classConflict, classify(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, classConflict, classify(&pgconn.PgError{Code: "23503"}))
	assert.Equal(t, classConflict, classify(&pgconn.PgError{Code: "40P01"}))
	assert.Equal(t, classRecord, classify(&pgconn.PgError{Code: "22001"}))
	assert.Equal(t, classFatal, classify(&pgconn.PgError{Code: "57P01"}))
	assert.Equal(t, classFatal, classify(errors.New("connection reset by peer")))

	err := unavailable("begin", errors.New("dial tcp: refused"))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}
