package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/metrics"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/repository"
)

// Source is the provider side of a run
type Source interface {
	FetchPage(ctx context.Context, resource, cursor string) (*client.Page, error)
}

// Store is the persistence side of a run. *repository.Database satisfies it.
type Store interface {
	Upsert(ctx context.Context, et models.EntityType, records []models.Record) (*repository.UpsertResult, error)
	ReplaceRankings(ctx context.Context, entries []*models.RankingEntry, snapshotAt time.Time) (*repository.UpsertResult, error)
	KnownIDs(ctx context.Context, et models.EntityType) (map[string]struct{}, error)
	EventRefs(ctx context.Context, since time.Time) ([]repository.EventRef, error)
	FightRefs(ctx context.Context, since time.Time) ([]repository.FightRef, error)
	Watermark(ctx context.Context, et models.EntityType) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, et models.EntityType, ts time.Time) error
	PendingFailures(ctx context.Context, et models.EntityType) ([]repository.SyncFailure, error)
	RecordFailures(ctx context.Context, failures []repository.SyncFailure) error
	ClearFailures(ctx context.Context, et models.EntityType, keys []string) error
}

// RunLocker guards against two runs executing at once
type RunLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// ResultPublisher receives the summary of every finished run
type ResultPublisher interface {
	StoreRunResult(ctx context.Context, mode string, result any) error
	Invalidate(ctx context.Context, scopes ...string) error
}

// Config tunes the stage pipeline
type Config struct {
	// Workers is the number of concurrent fetch+decode tasks per stage. It
	// must stay below the fetch client's in-flight ceiling.
	Workers int
	// QueueSize bounds tasks waiting for a worker; Submit blocks beyond it
	QueueSize int
	// BatchSize caps the records handed to one Store.Upsert call
	BatchSize int
	// Lookback widens incremental fan-out so fights whose event started
	// before the last run still pick up their results
	Lookback time.Duration
	// MaxRetryRuns is how many runs a ledger entry is re-requested before
	// it is left for an operator
	MaxRetryRuns int
	LockTTL      time.Duration
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    8,
		BatchSize:    200,
		Lookback:     7 * 24 * time.Hour,
		MaxRetryRuns: 5,
		LockTTL:      3 * time.Hour,
	}
}

// Options parameterize one run
type Options struct {
	Mode Mode
	// Since overrides the stored watermark of every stage for this run
	Since *time.Time
	Skip  map[models.EntityType]bool
	// Deadline stops new stage work once passed; zero means none
	Deadline time.Time
}

// Orchestrator runs the stages in dependency order
type Orchestrator struct {
	source    Source
	store     Store
	cfg       Config
	now       func() time.Time
	locker    RunLocker
	publisher ResultPublisher
	stages    map[models.EntityType]*stageDef
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunLock makes Run hold a lock for its whole duration
func WithRunLock(l RunLocker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithPublisher hands each run result to p
func WithPublisher(p ResultPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

const runLockKey = "fightsync:sync:lock"

// New builds an orchestrator
func New(source Source, store Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if source == nil || store == nil {
		return nil, errors.New("syncer: source and store are required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lookback < 0 {
		cfg.Lookback = 0
	}
	if cfg.MaxRetryRuns <= 0 {
		cfg.MaxRetryRuns = def.MaxRetryRuns
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	o := &Orchestrator{
		source: source,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		stages: stageDefs(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one sync. Stages run strictly one after another in
// models.StageOrder. Per-record problems never abort the run; they are
// reported through RunResult.Err. A non-nil error means the run was
// aborted by a fatal condition: rejected credentials, an unreachable store
// or a held run lock.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}

	runStart := o.now().UTC()
	result := &RunResult{
		RunID:     uuid.New(),
		Mode:      opts.Mode,
		StartedAt: runStart,
	}
	logger := log.With().Str("run_id", result.RunID.String()).Str("mode", string(opts.Mode)).Logger()

	if o.locker != nil {
		token, ok, err := o.locker.AcquireLock(ctx, runLockKey, o.cfg.LockTTL)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Run lock unavailable, continuing without it")
		case !ok:
			metrics.RecordSync(string(opts.Mode), "locked", 0)
			return nil, ErrRunInProgress
		default:
			defer func() {
				if err := o.locker.ReleaseLock(context.WithoutCancel(ctx), runLockKey, token); err != nil {
					logger.Warn().Err(err).Msg("Failed to release run lock")
				}
			}()
		}
	}

	runCtx := ctx
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}

	logger.Info().Time("started_at", runStart).Msg("Sync run started")

	var fatal error
	for _, et := range models.StageOrder {
		if fatal != nil || result.Aborted {
			result.Stages = append(result.Stages, &StageResult{Stage: et, State: StatePending})
			continue
		}
		if runCtx.Err() != nil {
			logger.Warn().Err(runCtx.Err()).Str("stage", string(et)).Msg("Run stopped before stage")
			result.Aborted = true
			result.Stages = append(result.Stages, &StageResult{Stage: et, State: StatePending})
			continue
		}

		sr := o.newStageRun(runCtx, o.stages[et], opts, result.RunID, runStart)
		stage, err := sr.run()
		result.Stages = append(result.Stages, stage)
		if err != nil {
			fatal = fmt.Errorf("stage %s: %w", et, err)
			logger.Error().Err(err).Str("stage", string(et)).Msg("Fatal error, aborting run")
			continue
		}
		if stage.State == StateAborted {
			result.Aborted = true
		}
	}
	if fatal != nil {
		result.Aborted = true
	}

	result.FinishedAt = o.now().UTC()
	result.Elapsed = result.FinishedAt.Sub(runStart)
	o.report(ctx, logger, result, fatal)
	return result, fatal
}

func (o *Orchestrator) report(ctx context.Context, logger zerolog.Logger, result *RunResult, fatal error) {
	status := "success"
	switch {
	case fatal != nil:
		status = "fatal"
	case result.Err() != nil:
		status = "partial"
	}
	metrics.RecordSync(string(result.Mode), status, result.Elapsed.Seconds())

	for _, s := range result.Stages {
		logger.Info().
			Str("stage", string(s.Stage)).
			Str("state", string(s.State)).
			Int("inserted", s.Inserted).
			Int("updated", s.Updated).
			Int("unchanged", s.Unchanged).
			Int("stale", s.Stale).
			Int("failed", len(s.Failed)).
			Dur("elapsed", s.Elapsed).
			Msg("Stage summary")
	}
	logger.Info().
		Str("status", status).
		Int("failed", result.FailedCount()).
		Bool("aborted", result.Aborted).
		Dur("elapsed", result.Elapsed).
		Msg("Sync run finished")

	if o.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.publisher.StoreRunResult(pubCtx, string(result.Mode), result); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish run result")
	}
	var touched []string
	for _, s := range result.Stages {
		if s.Inserted+s.Updated > 0 {
			touched = append(touched, string(s.Stage))
		}
	}
	if len(touched) > 0 {
		if err := o.publisher.Invalidate(pubCtx, touched...); err != nil {
			logger.Warn().Err(err).Msg("Failed to invalidate read cache")
		}
	}
}
