package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fightsync/ingestion/internal/models"
)

func eventOn(id string, day int) *models.Event {
	return &models.Event{ID: id, EventDate: time.Date(2023, 7, day, 0, 0, 0, 0, time.UTC)}
}

func TestDetectorFullModeKeepsEverything(t *testing.T) {
	d := NewDetector(ModeFull, time.Date(2023, 7, 10, 0, 0, 0, 0, time.UTC))
	page := []models.Record{eventOn("e1", 1), eventOn("e2", 2)}

	kept, stale, exhausted := d.Filter(page)
	assert.Len(t, kept, 2)
	assert.Zero(t, stale)
	assert.False(t, exhausted)
}

func TestDetectorIncrementalFiltersOlderRecords(t *testing.T) {
	d := NewDetector(ModeIncremental, time.Date(2023, 7, 10, 0, 0, 0, 0, time.UTC))

	kept, stale, exhausted := d.Filter([]models.Record{eventOn("e12", 12), eventOn("e10", 10), eventOn("e9", 9)})
	require.Len(t, kept, 2)
	assert.Equal(t, "e12", kept[0].Key())
	assert.Equal(t, "e10", kept[1].Key())
	assert.Equal(t, 1, stale)
	assert.False(t, exhausted)

	kept, stale, exhausted = d.Filter([]models.Record{eventOn("e8", 8), eventOn("e7", 7)})
	assert.Empty(t, kept)
	assert.Equal(t, 2, stale)
	assert.True(t, exhausted)
}

func TestDetectorKeepsRecordsWithoutRecency(t *testing.T) {
	d := NewDetector(ModeIncremental, time.Date(2023, 7, 10, 0, 0, 0, 0, time.UTC))
	page := []models.Record{&models.League{ID: "L1"}, eventOn("e1", 1)}

	kept, stale, exhausted := d.Filter(page)
	require.Len(t, kept, 1)
	assert.Equal(t, "L1", kept[0].Key())
	assert.Equal(t, 1, stale)
	assert.False(t, exhausted)
}

func TestDetectorZeroWatermarkIsInactive(t *testing.T) {
	d := NewDetector(ModeIncremental, time.Time{})
	kept, _, exhausted := d.Filter([]models.Record{eventOn("e1", 1)})
	assert.Len(t, kept, 1)
	assert.False(t, exhausted)

	_, _, exhausted = d.Filter(nil)
	assert.False(t, exhausted)
}

func TestPartition(t *testing.T) {
	known := map[string]struct{}{"a": {}, "c": {}}
	fresh, existing := Partition([]string{"a", "b", "c", "b", "d"}, known)
	assert.Equal(t, []string{"b", "d"}, fresh)
	assert.Equal(t, []string{"a", "c"}, existing)

	fresh, existing = Partition(nil, known)
	assert.Empty(t, fresh)
	assert.Empty(t, existing)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Incremental")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, m)

	m, err = ParseMode(" full ")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("delta")
	assert.Error(t, err)
}

func TestStagePartialFailureErrorMessage(t *testing.T) {
	err := &StagePartialFailureError{Stage: models.EntityAthlete, Failed: []FailedRecord{{ID: "a-05"}, {ID: "a-07"}}}
	assert.Equal(t, "stage athlete: 2 records failed [a-05, a-07]", err.Error())

	var many []FailedRecord
	for range 7 {
		many = append(many, FailedRecord{ID: "x"})
	}
	err = &StagePartialFailureError{Stage: models.EntityOdds, Failed: many}
	assert.Equal(t, "stage odds: 7 records failed [x, x, x, x, x, ...]", err.Error())
}
