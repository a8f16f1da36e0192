package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fightsync/ingestion/internal/config"
	"fightsync/ingestion/internal/syncer"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner executes one sync run
type Runner interface {
	Run(ctx context.Context, opts syncer.Options) (*syncer.RunResult, error)
}

// Scheduler triggers full and incremental syncs on cron schedules.
// A trigger that fires while another run is active is skipped.
type Scheduler struct {
	cfg    *config.Config
	runner Runner
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex // held for the duration of a run
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.Config, runner Runner) *Scheduler {
	logger := cronLogger{log.Logger}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		now:    time.Now,
	}
}

// Start registers the sync jobs and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	s.ctx, s.cancel = context.WithCancel(ctx)

	jobs := []struct {
		schedule string
		mode     syncer.Mode
	}{
		{s.cfg.FullSyncCron, syncer.ModeFull},
		{s.cfg.IncrementalSyncCron, syncer.ModeIncremental},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			log.Info().Str("mode", string(job.mode)).Msg("Sync schedule disabled")
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, func() { s.trigger(job.mode) }); err != nil {
			return fmt.Errorf("failed to schedule %s sync: %w", job.mode, err)
		}
		log.Info().
			Str("mode", string(job.mode)).
			Str("schedule", job.schedule).
			Msg("Sync scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for an active run to wind down.
// The active run is cancelled: in-flight work completes, queued work is
// dropped.
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")

	stopped := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-stopped.Done()
	s.running.Wait()

	log.Info().Msg("Scheduler stopped")
}

// RunNow executes a sync immediately unless another one is active
func (s *Scheduler) RunNow(ctx context.Context, mode syncer.Mode) (*syncer.RunResult, error) {
	if !s.mu.TryLock() {
		return nil, syncer.ErrRunInProgress
	}
	defer s.mu.Unlock()

	s.running.Add(1)
	defer s.running.Done()

	skip, err := s.cfg.SkipStages()
	if err != nil {
		return nil, err
	}

	opts := syncer.Options{Mode: mode, Skip: skip}
	if s.cfg.SyncRunDeadline > 0 {
		opts.Deadline = s.now().Add(s.cfg.SyncRunDeadline)
	}

	log.Info().Str("mode", string(mode)).Msg("Running scheduled sync...")
	result, err := s.runner.Run(ctx, opts)
	if err != nil {
		return result, err
	}
	if err := result.Err(); err != nil {
		log.Warn().
			Err(err).
			Str("mode", string(mode)).
			Int("failed", result.FailedCount()).
			Msg("Sync completed with failures")
		return result, nil
	}
	log.Info().
		Str("mode", string(mode)).
		Dur("duration", result.Elapsed).
		Msg("Sync complete")
	return result, nil
}

func (s *Scheduler) trigger(mode syncer.Mode) {
	_, err := s.RunNow(s.ctx, mode)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrRunInProgress):
		log.Info().Str("mode", string(mode)).Msg("Sync already running, trigger skipped")
	default:
		log.Error().Err(err).Str("mode", string(mode)).Msg("Scheduled sync failed")
	}
}

// cronLogger routes cron's own messages through zerolog
type cronLogger struct {
	zl zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.zl.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
