package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/metrics"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/repository"
)

// fetchTask is one unit of pool work: a resource paged from cursor
type fetchTask struct {
	resource string
	cursor   string
	paginate bool
	// retryOf holds the ledger keys this task re-requests
	retryOf []string
}

func pageKey(resource, cursor string) string {
	if cursor == "" {
		return resource
	}
	return resource + "#" + cursor
}

// batch is a chunk of decoded records on its way to the persister
type batch struct {
	resource string
	cursor   string
	records  []models.Record
}

// taskOutcome is collected per task in submission order
type taskOutcome struct {
	pages   int
	records int
	stale   int
	stopped bool
	err     error
}

// stageRun carries the state of one stage execution
type stageRun struct {
	o        *Orchestrator
	def      *stageDef
	opts     Options
	runID    uuid.UUID
	runStart time.Time
	logger   zerolog.Logger

	// stopCtx ends when the operator stops the run or its deadline passes.
	// workCtx is detached from it so in-flight work can finish, and only
	// ends on a fatal error.
	stopCtx  context.Context
	workCtx  context.Context
	haltWork context.CancelFunc

	detector  Detector
	watermark time.Time
	hasMark   bool

	// persister-owned
	known     map[string]struct{}
	parents   map[models.EntityType]map[string]struct{}
	collected []*models.RankingEntry
	slots     map[string]string

	mu        sync.Mutex
	result    *StageResult
	fetchedOK map[string]bool
	fatalErr  error
}

func (o *Orchestrator) newStageRun(ctx context.Context, def *stageDef, opts Options, runID uuid.UUID, runStart time.Time) *stageRun {
	workCtx, halt := context.WithCancel(context.WithoutCancel(ctx))
	return &stageRun{
		o:         o,
		def:       def,
		opts:      opts,
		runID:     runID,
		runStart:  runStart,
		logger:    log.With().Str("run_id", runID.String()).Str("stage", string(def.entity)).Str("mode", string(opts.Mode)).Logger(),
		stopCtx:   ctx,
		workCtx:   workCtx,
		haltWork:  halt,
		result:    &StageResult{Stage: def.entity, State: StatePending},
		fetchedOK: make(map[string]bool),
	}
}

// run executes the stage. The returned error is fatal for the whole run.
func (s *stageRun) run() (*StageResult, error) {
	defer s.haltWork()
	start := time.Now()
	et := s.def.entity

	if s.opts.Skip[et] {
		s.result.State = StateSkipped
		s.logger.Info().Msg("Stage skipped")
		return s.result, nil
	}
	s.logger.Info().Str("state", string(StatePending)).Msg("Stage starting")

	tasks, pending, err := s.prepare()
	if err != nil {
		s.result.State = StateAborted
		s.result.Elapsed = time.Since(start)
		return s.result, err
	}

	s.enter(StateFetching)
	outcomes, submitted := s.execute(tasks)
	s.logOutcomes(tasks, outcomes)

	if fatal := s.fatal(); fatal != nil {
		s.result.State = StateAborted
		s.result.Elapsed = time.Since(start)
		metrics.RecordStage(string(et), string(StateAborted), s.result.Inserted, s.result.Updated, s.result.Unchanged, len(s.result.Failed), s.result.Elapsed.Seconds())
		return s.result, fatal
	}

	stopped := submitted < len(tasks)
	for _, oc := range outcomes {
		if oc != nil && oc.stopped {
			stopped = true
		}
	}

	if s.def.replace && !stopped {
		if err := s.replaceRankings(); err != nil {
			s.result.State = StateAborted
			s.result.Elapsed = time.Since(start)
			return s.result, err
		}
	}

	switch {
	case stopped:
		s.result.State = StateAborted
		s.logger.Warn().Int("submitted", submitted).Int("tasks", len(tasks)).Msg("Stage stopped before all work finished")
	case len(s.result.Failed) > 0:
		s.result.State = StatePartiallyFailed
	default:
		s.result.State = StateDone
	}

	if err := s.settleLedger(pending); err != nil {
		s.result.Elapsed = time.Since(start)
		return s.result, err
	}

	if s.result.State == StateDone && !s.def.replace && s.shouldAdvance() {
		if err := s.o.store.AdvanceWatermark(s.workCtx, et, s.runStart); err != nil {
			if isFatalStore(err) {
				s.result.Elapsed = time.Since(start)
				return s.result, err
			}
			s.logger.Error().Err(err).Msg("Failed to advance watermark")
		}
	}

	s.result.Elapsed = time.Since(start)
	metrics.RecordStage(string(et), string(s.result.State), s.result.Inserted, s.result.Updated, s.result.Unchanged, len(s.result.Failed), s.result.Elapsed.Seconds())
	s.logger.Info().
		Str("state", string(s.result.State)).
		Int("inserted", s.result.Inserted).
		Int("updated", s.result.Updated).
		Int("unchanged", s.result.Unchanged).
		Int("failed", len(s.result.Failed)).
		Dur("elapsed", s.result.Elapsed).
		Msg("Stage finished")
	return s.result, nil
}

// prepare loads the watermark, known ids and pending ledger rows, and
// builds the task list with ledger retries first
func (s *stageRun) prepare() ([]fetchTask, []repository.SyncFailure, error) {
	ctx := s.workCtx
	et := s.def.entity

	if !s.def.replace {
		mark, ok, err := s.o.store.Watermark(ctx, et)
		if err != nil {
			return nil, nil, err
		}
		s.watermark, s.hasMark = mark, ok
	}

	var since time.Time
	if s.opts.Mode == ModeIncremental && !s.def.replace {
		cutoff := s.watermark
		if s.opts.Since != nil {
			cutoff = s.opts.Since.UTC()
		}
		s.detector = NewDetector(ModeIncremental, cutoff)
		s.result.Watermark = cutoff
		if !cutoff.IsZero() {
			since = cutoff.Add(-s.o.cfg.Lookback)
		}
	} else {
		s.detector = NewDetector(ModeFull, time.Time{})
	}

	if s.def.tracksIDs {
		known, err := s.o.store.KnownIDs(ctx, et)
		if err != nil {
			return nil, nil, err
		}
		s.known = known
	}
	s.parents = make(map[models.EntityType]map[string]struct{})
	for _, pt := range s.def.parentTypes() {
		ids, err := s.o.store.KnownIDs(ctx, pt)
		if err != nil {
			return nil, nil, err
		}
		s.parents[pt] = ids
	}

	pending, err := s.o.store.PendingFailures(ctx, et)
	if err != nil {
		return nil, nil, err
	}
	metrics.PendingFailures.WithLabelValues(string(et)).Set(float64(len(pending)))

	listing, err := s.def.tasks(ctx, s.o.store, since, s.runStart)
	if err != nil {
		return nil, nil, err
	}

	tasks := make([]fetchTask, 0, len(pending)+len(listing))
	index := make(map[string]int)
	add := func(t fetchTask) {
		k := pageKey(t.resource, t.cursor)
		if i, ok := index[k]; ok {
			tasks[i].paginate = tasks[i].paginate || t.paginate
			tasks[i].retryOf = append(tasks[i].retryOf, t.retryOf...)
			return
		}
		index[k] = len(tasks)
		tasks = append(tasks, t)
	}

	// a replaced table is always fetched whole, so its ledger rows are
	// settled by the listing itself
	if !s.def.replace {
		for _, p := range pending {
			if p.Attempts >= s.o.cfg.MaxRetryRuns {
				s.logger.Warn().Str("key", p.Key).Int("attempts", p.Attempts).Str("last_error", p.Error).Msg("Giving up on failed record")
				continue
			}
			add(fetchTask{
				resource: p.Resource,
				cursor:   p.Cursor,
				paginate: p.Kind == repository.FailureFetch,
				retryOf:  []string{p.Key},
			})
			s.result.Retried++
		}
	}
	for _, t := range listing {
		add(t)
	}

	s.logger.Debug().
		Int("tasks", len(tasks)).
		Int("pending_failures", len(pending)).
		Time("watermark", s.detector.watermark).
		Msg("Stage prepared")
	return tasks, pending, nil
}

// execute fans tasks out over a bounded pool while a single persister
// drains completed batches. It returns per-task outcomes in submission
// order and how many tasks were submitted.
func (s *stageRun) execute(tasks []fetchTask) ([]*taskOutcome, int) {
	outcomes := make([]*taskOutcome, len(tasks))
	batches := make(chan batch, s.o.cfg.Workers)

	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		for b := range batches {
			s.persist(b)
		}
	}()

	pool := pond.NewPool(s.o.cfg.Workers, pond.WithQueueSize(s.o.cfg.QueueSize))
	group := pool.NewGroup()

	submitted := 0
	for i, t := range tasks {
		if s.stopping() {
			break
		}
		group.Submit(func() {
			outcomes[i] = s.fetch(t, batches)
		})
		submitted++
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn().Err(err).Msg("Some fetch tasks failed")
	}
	pool.StopAndWait()
	close(batches)
	<-persisted

	return outcomes, submitted
}

// stopping reports whether new work should not be started
func (s *stageRun) stopping() bool {
	return s.stopCtx.Err() != nil || s.workCtx.Err() != nil
}

// fetch pages through one resource, decoding and filtering each page and
// handing the survivors to the persister
func (s *stageRun) fetch(t fetchTask, out chan<- batch) *taskOutcome {
	oc := &taskOutcome{}
	cursor := t.cursor

	// queued but not yet started when the run was stopped
	if s.stopping() {
		oc.stopped = true
		return oc
	}

	for {
		if s.workCtx.Err() != nil {
			oc.stopped = true
			return oc
		}

		page, err := s.o.source.FetchPage(s.workCtx, t.resource, cursor)
		if err != nil {
			oc.err = err
			s.fetchFailed(t, cursor, err)
			return oc
		}
		oc.pages++
		retrying := cursor == t.cursor && len(t.retryOf) > 0
		if retrying {
			s.markFetched(t.retryOf)
		}

		s.enter(StateDecoding)
		records := s.decodePage(t.resource, cursor, page)

		// the page a ledger retry re-requests is persisted whatever its
		// recency; a record dropped here would have its ledger row cleared
		kept, stale, exhausted := records, 0, false
		if !retrying {
			kept, stale, exhausted = s.detector.Filter(records)
		}
		oc.records += len(kept)
		oc.stale += stale

		s.mu.Lock()
		s.result.Pages++
		s.result.Stale += stale
		s.mu.Unlock()

		for start := 0; start < len(kept); start += s.o.cfg.BatchSize {
			end := min(start+s.o.cfg.BatchSize, len(kept))
			out <- batch{resource: t.resource, cursor: cursor, records: kept[start:end]}
		}

		switch {
		case !t.paginate || page.NextCursor == "":
			return oc
		case exhausted:
			s.logger.Debug().Str("resource", t.resource).Str("cursor", cursor).Msg("Page older than watermark, stopping")
			return oc
		case page.NextCursor == cursor:
			s.logger.Warn().Str("resource", t.resource).Str("cursor", cursor).Msg("Provider returned the same cursor, stopping")
			return oc
		}
		cursor = page.NextCursor

		// the current page is done; an operator stop ends the task here
		if s.stopCtx.Err() != nil {
			oc.stopped = true
			return oc
		}
	}
}

func (s *stageRun) decodePage(resource, cursor string, page *client.Page) []models.Record {
	fetchedAt := s.o.now().UTC()
	records := make([]models.Record, 0, len(page.Records))
	for i, raw := range page.Records {
		recs, err := s.def.decode(raw, fetchedAt)
		if err != nil {
			id := models.PeekID(raw)
			var de *models.DecodeError
			if errors.As(err, &de) && de.ID != "" {
				id = de.ID
			}

			f := FailedRecord{Kind: repository.FailureDecode, Reason: err.Error(), Resource: resource, Cursor: cursor}
			switch {
			case id == "":
				f.ID = fmt.Sprintf("%s@%d", pageKey(resource, cursor), i)
			case s.def.retryPath != nil:
				f.ID, f.Resource, f.Cursor = id, s.def.retryPath(id), ""
			default:
				f.ID = id
			}
			s.fail(f)
			continue
		}
		records = append(records, recs...)
	}
	return records
}

// persist runs on the single persister goroutine
func (s *stageRun) persist(b batch) {
	if s.workCtx.Err() != nil {
		return
	}
	s.enter(StatePersisting)

	valid := make([]models.Record, 0, len(b.records))
	for _, rec := range b.records {
		if missing := s.missingParent(rec); missing != nil {
			s.failRecord(rec, b, repository.FailureDependency,
				fmt.Errorf("%s %s does not exist", missing.entity, missing.id))
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		return
	}

	if s.def.replace {
		if s.slots == nil {
			s.slots = make(map[string]string)
		}
		for _, rec := range valid {
			entry := rec.(*models.RankingEntry)
			// a division split over several payloads can still claim a slot twice
			if holder, ok := s.slots[entry.Key()]; ok && holder != entry.FighterKey() {
				s.failRecord(rec, b, repository.FailureDecode,
					fmt.Errorf("rank %d in %s already held by %s", entry.Rank, entry.Division, holder))
				continue
			}
			s.slots[entry.Key()] = entry.FighterKey()
			s.collected = append(s.collected, entry)
		}
		return
	}

	if s.known != nil {
		ids := make([]string, len(valid))
		for i, rec := range valid {
			ids[i] = rec.Key()
		}
		fresh, existing := Partition(ids, s.known)
		s.mu.Lock()
		s.result.New += len(fresh)
		s.result.Existing += len(existing)
		s.mu.Unlock()
	}

	res, err := s.o.store.Upsert(s.workCtx, s.def.entity, valid)
	if err != nil {
		if isFatalStore(err) {
			s.abort(err)
			return
		}
		for _, rec := range valid {
			s.failRecord(rec, b, repository.FailurePersist, err)
		}
		return
	}

	s.mu.Lock()
	s.result.Inserted += res.Inserted
	s.result.Updated += res.Updated
	s.result.Unchanged += res.Unchanged
	s.mu.Unlock()

	failed := make(map[string]bool, len(res.Failed))
	byKey := make(map[string]models.Record, len(valid))
	for _, rec := range valid {
		byKey[rec.Key()] = rec
	}
	for _, f := range res.Failed {
		failed[f.ID] = true
		if rec, ok := byKey[f.ID]; ok {
			s.failRecord(rec, b, repository.FailurePersist, f.Err)
		} else {
			s.fail(FailedRecord{ID: f.ID, Kind: repository.FailurePersist, Reason: f.Err.Error(), Resource: b.resource, Cursor: b.cursor})
		}
	}
	if s.known != nil {
		for _, rec := range valid {
			if !failed[rec.Key()] {
				s.known[rec.Key()] = struct{}{}
			}
		}
	}
}

func (s *stageRun) missingParent(rec models.Record) *parentRef {
	if s.def.parents == nil {
		return nil
	}
	for _, p := range s.def.parents(rec) {
		if _, ok := s.parents[p.entity][p.id]; !ok {
			return &p
		}
	}
	return nil
}

// replaceRankings swaps the rankings projection once every page arrived.
// A stage with any failure keeps the previous projection: replacing it
// with a partial set would drop whole divisions.
func (s *stageRun) replaceRankings() error {
	if len(s.result.Failed) > 0 {
		s.logger.Warn().Int("failed", len(s.result.Failed)).Msg("Rankings incomplete, keeping current projection")
		return nil
	}
	if len(s.collected) == 0 {
		s.logger.Warn().Msg("Provider returned no rankings, keeping current projection")
		return nil
	}

	res, err := s.o.store.ReplaceRankings(s.workCtx, s.collected, s.runStart)
	if err != nil {
		if isFatalStore(err) {
			return err
		}
		s.fail(FailedRecord{ID: client.RankingsPath, Kind: repository.FailurePersist, Reason: err.Error(), Resource: client.RankingsPath})
		return nil
	}
	s.result.Inserted += res.Inserted
	s.result.Updated += res.Updated
	s.result.Unchanged += res.Unchanged
	return nil
}

// settleLedger records this stage's failures and clears ledger rows whose
// retry succeeded
func (s *stageRun) settleLedger(pending []repository.SyncFailure) error {
	ctx := s.workCtx
	et := s.def.entity

	failedNow := make(map[string]bool, len(s.result.Failed))
	rows := make([]repository.SyncFailure, 0, len(s.result.Failed))
	for _, f := range s.result.Failed {
		if failedNow[f.ID] {
			continue
		}
		failedNow[f.ID] = true
		rows = append(rows, repository.SyncFailure{
			EntityType: et,
			Key:        f.ID,
			Resource:   f.Resource,
			Cursor:     f.Cursor,
			Kind:       f.Kind,
			Error:      f.Reason,
			RunID:      s.runID,
		})
	}

	var resolved []string
	for _, p := range pending {
		if failedNow[p.Key] {
			continue
		}
		if s.fetchedOK[p.Key] || (s.def.replace && s.result.State == StateDone) {
			resolved = append(resolved, p.Key)
		}
	}
	s.result.Resolved = len(resolved)

	if len(rows) > 0 {
		if err := s.o.store.RecordFailures(ctx, rows); err != nil {
			if isFatalStore(err) {
				return err
			}
			s.logger.Error().Err(err).Int("failures", len(rows)).Msg("Failed to record failures")
		}
	}
	if len(resolved) > 0 {
		if err := s.o.store.ClearFailures(ctx, et, resolved); err != nil {
			if isFatalStore(err) {
				return err
			}
			s.logger.Error().Err(err).Int("resolved", len(resolved)).Msg("Failed to clear resolved failures")
		}
	}
	return nil
}

// shouldAdvance is false when a --since override later than the stored
// watermark left a gap that was never fetched
func (s *stageRun) shouldAdvance() bool {
	if s.opts.Mode == ModeFull || s.opts.Since == nil {
		return true
	}
	return s.hasMark && !s.opts.Since.After(s.watermark)
}

// enter moves the stage forward to state, logging each transition once
func (s *stageRun) enter(state StageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[state] <= stateRank[s.result.State] {
		return
	}
	s.result.State = state
	s.logger.Debug().Str("state", string(state)).Msg("Stage state changed")
}

var stateRank = map[StageState]int{
	StatePending:    0,
	StateFetching:   1,
	StateDecoding:   2,
	StatePersisting: 3,
}

func (s *stageRun) markFetched(keys []string) {
	if len(keys) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.fetchedOK[k] = true
	}
}

func (s *stageRun) fetchFailed(t fetchTask, cursor string, err error) {
	switch {
	case client.IsFatal(err):
		s.abort(err)
		return
	case s.workCtx.Err() != nil:
		return
	}
	metrics.RecordError("syncer", "fetch")

	// a failed retry keeps the original ledger keys alive
	if cursor == t.cursor && len(t.retryOf) > 0 {
		for _, key := range t.retryOf {
			s.fail(FailedRecord{ID: key, Kind: repository.FailureFetch, Reason: err.Error(), Resource: t.resource, Cursor: cursor})
		}
		return
	}
	s.fail(FailedRecord{ID: pageKey(t.resource, cursor), Kind: repository.FailureFetch, Reason: err.Error(), Resource: t.resource, Cursor: cursor})
}

func (s *stageRun) failRecord(rec models.Record, b batch, kind repository.FailureKind, err error) {
	f := FailedRecord{ID: rec.Key(), Kind: kind, Reason: err.Error(), Resource: b.resource, Cursor: b.cursor}
	if s.def.retryPath != nil {
		f.Resource, f.Cursor = s.def.retryPath(rec.Key()), ""
	}
	s.fail(f)
}

func (s *stageRun) fail(f FailedRecord) {
	s.mu.Lock()
	s.result.Failed = append(s.result.Failed, f)
	s.mu.Unlock()

	s.logger.Warn().
		Str("id", f.ID).
		Str("kind", string(f.Kind)).
		Str("resource", f.Resource).
		Str("reason", f.Reason).
		Msg("Record failed")
}

// abort records the first fatal error and halts all in-flight work
func (s *stageRun) abort(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.haltWork()
}

func (s *stageRun) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *stageRun) logOutcomes(tasks []fetchTask, outcomes []*taskOutcome) {
	for i, oc := range outcomes {
		if oc == nil {
			continue
		}
		ev := s.logger.Debug()
		if oc.err != nil {
			ev = s.logger.Warn().Err(oc.err)
		}
		ev.Int("task", i).
			Str("resource", tasks[i].resource).
			Int("pages", oc.pages).
			Int("records", oc.records).
			Int("stale", oc.stale).
			Bool("stopped", oc.stopped).
			Msg("Fetch task finished")
	}
}

// isFatalStore reports store errors that make every further write futile
func isFatalStore(err error) bool {
	return errors.Is(err, repository.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
