package main

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fightsync/ingestion/internal/config"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/syncer"
)

func TestParseArgsDefaults(t *testing.T) {
	ra, err := parseArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, syncer.ModeFull, ra.mode)
	assert.Nil(t, ra.since)
	assert.Empty(t, ra.skip)
	assert.Zero(t, ra.deadline)
}

func TestParseArgsIncrementalSince(t *testing.T) {
	ra, err := parseArgs([]string{"--mode", "incremental", "--since", "2023-07-01", "--skip", "Odds, statistic"})
	require.NoError(t, err)

	assert.Equal(t, syncer.ModeIncremental, ra.mode)
	require.NotNil(t, ra.since)
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), *ra.since)
	assert.True(t, ra.skip[models.EntityOdds])
	assert.True(t, ra.skip[models.EntityStatistic])
	assert.False(t, ra.skip[models.EntityFight])
}

func TestParseArgsRFC3339Since(t *testing.T) {
	ra, err := parseArgs([]string{"--since=2023-07-01T12:00:00+02:00"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 7, 1, 10, 0, 0, 0, time.UTC), *ra.since)
}

func TestParseArgsRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"--mode", "partial"},
		{"--since", "July 1st"},
		{"--skip", "venues"},
		{"--unknown"},
	} {
		_, err := parseArgs(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestExitCode(t *testing.T) {
	ok := &syncer.RunResult{Stages: []*syncer.StageResult{{Stage: models.EntityLeague, State: syncer.StateDone}}}
	partial := &syncer.RunResult{Stages: []*syncer.StageResult{{
		Stage:  models.EntityAthlete,
		State:  syncer.StatePartiallyFailed,
		Failed: []syncer.FailedRecord{{ID: "a-05"}},
	}}}
	aborted := &syncer.RunResult{Aborted: true}

	assert.Equal(t, exitOK, exitCode(ok, nil))
	assert.Equal(t, exitPartial, exitCode(partial, nil))
	assert.Equal(t, exitPartial, exitCode(aborted, nil))
	assert.Equal(t, exitFatal, exitCode(aborted, errors.New("credential rejected")))
	assert.Equal(t, exitFatal, exitCode(nil, nil))
}

func TestSetupLoggerUsesConfig(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	setupLogger(&config.Config{AppEnv: "production", LogLevel: "warn"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	setupLogger(&config.Config{AppEnv: "production", LogLevel: "nonsense"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
