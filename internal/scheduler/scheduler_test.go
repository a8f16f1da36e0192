package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fightsync/ingestion/internal/config"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/syncer"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []syncer.Options
	release chan struct{}
	entered chan struct{}
	result  *syncer.RunResult
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, opts syncer.Options) (*syncer.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	if f.result != nil {
		return f.result, f.err
	}
	return &syncer.RunResult{Mode: opts.Mode}, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		FullSyncCron:        "0 3 * * *",
		IncrementalSyncCron: "*/30 * * * *",
		SyncSkipStages:      []string{"odds"},
		SyncRunDeadline:     time.Hour,
	}
}

func TestRunNowPassesOptions(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(testConfig(), runner)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	result, err := s.RunNow(context.Background(), syncer.ModeIncremental)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, runner.calls, 1)
	opts := runner.calls[0]
	assert.Equal(t, syncer.ModeIncremental, opts.Mode)
	assert.True(t, opts.Skip[models.EntityOdds])
	assert.False(t, opts.Skip[models.EntityFight])
	assert.Equal(t, now.Add(time.Hour), opts.Deadline)
}

func TestRunNowWithoutDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.SyncRunDeadline = 0
	runner := &fakeRunner{}
	s := NewScheduler(cfg, runner)

	_, err := s.RunNow(context.Background(), syncer.ModeFull)
	require.NoError(t, err)
	assert.True(t, runner.calls[0].Deadline.IsZero())
}

func TestRunNowRejectsOverlap(t *testing.T) {
	runner := &fakeRunner{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := NewScheduler(testConfig(), runner)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), syncer.ModeFull)
		done <- err
	}()
	<-runner.entered

	_, err := s.RunNow(context.Background(), syncer.ModeIncremental)
	assert.ErrorIs(t, err, syncer.ErrRunInProgress)

	close(runner.release)
	require.NoError(t, <-done)
	assert.Len(t, runner.calls, 1)
}

func TestRunNowReturnsFatalError(t *testing.T) {
	fatal := errors.New("store unavailable")
	runner := &fakeRunner{err: fatal}
	s := NewScheduler(testConfig(), runner)

	_, err := s.RunNow(context.Background(), syncer.ModeFull)
	assert.ErrorIs(t, err, fatal)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.IncrementalSyncCron = "not a cron"
	s := NewScheduler(cfg, &fakeRunner{})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incremental")
}

func TestStopCancelsActiveRun(t *testing.T) {
	runner := &fakeRunner{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	cfg := testConfig()
	cfg.FullSyncCron = ""
	s := NewScheduler(cfg, runner)
	require.NoError(t, s.Start(context.Background()))

	go s.trigger(syncer.ModeIncremental)
	<-runner.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
