package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/repository"
)

// Mode selects full resync or incremental update
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a mode flag value
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFull:
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q (want full or incremental)", s)
}

// StageState is the lifecycle of one stage:
// Pending -> Fetching -> Decoding -> Persisting -> Done | PartiallyFailed.
// Skipped stages never leave Pending; Aborted stages were cut short.
type StageState string

const (
	StatePending         StageState = "pending"
	StateFetching        StageState = "fetching"
	StateDecoding        StageState = "decoding"
	StatePersisting      StageState = "persisting"
	StateDone            StageState = "done"
	StatePartiallyFailed StageState = "partially_failed"
	StateSkipped         StageState = "skipped"
	StateAborted         StageState = "aborted"
)

// Terminal reports whether later stages may start after this state
func (s StageState) Terminal() bool {
	switch s {
	case StateDone, StatePartiallyFailed, StateSkipped, StateAborted:
		return true
	}
	return false
}

// FailedRecord is one record or resource a stage could not sync
type FailedRecord struct {
	ID       string                 `json:"id"`
	Kind     repository.FailureKind `json:"kind"`
	Reason   string                 `json:"reason"`
	Resource string                 `json:"resource"`
	Cursor   string                 `json:"cursor,omitempty"`
}

// StageResult summarizes one stage of a run. Stale counts records dropped
// because they were older than the incremental watermark; New and Existing
// split the persisted records by whether their id was already stored.
type StageResult struct {
	Stage     models.EntityType `json:"stage"`
	State     StageState        `json:"state"`
	Inserted  int               `json:"inserted"`
	Updated   int               `json:"updated"`
	Unchanged int               `json:"unchanged"`
	Stale     int               `json:"stale"`
	New       int               `json:"new"`
	Existing  int               `json:"existing"`
	Pages     int               `json:"pages"`
	Retried   int               `json:"retried"`
	Resolved  int               `json:"resolved"`
	Failed    []FailedRecord    `json:"failed,omitempty"`
	Watermark time.Time         `json:"watermark,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// FailedIDs lists the ids of failed records in the order they failed
func (s *StageResult) FailedIDs() []string {
	ids := make([]string, 0, len(s.Failed))
	for _, f := range s.Failed {
		ids = append(ids, f.ID)
	}
	return ids
}

// RunResult is the structured outcome of a sync run
type RunResult struct {
	RunID      uuid.UUID      `json:"run_id"`
	Mode       Mode           `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Elapsed    time.Duration  `json:"elapsed"`
	Stages     []*StageResult `json:"stages"`
	Aborted    bool           `json:"aborted"`
}

// Stage returns the result for one entity type, or nil
func (r *RunResult) Stage(et models.EntityType) *StageResult {
	for _, s := range r.Stages {
		if s.Stage == et {
			return s
		}
	}
	return nil
}

// FailedCount is the number of failed records across all stages
func (r *RunResult) FailedCount() int {
	n := 0
	for _, s := range r.Stages {
		n += len(s.Failed)
	}
	return n
}

// Err reports the non-fatal problems of a run: one StagePartialFailureError
// per partially failed stage, plus ErrRunAborted when the run was cut short.
// It is nil for a fully successful run.
func (r *RunResult) Err() error {
	var errs []error
	for _, s := range r.Stages {
		if len(s.Failed) > 0 {
			errs = append(errs, &StagePartialFailureError{Stage: s.Stage, Failed: s.Failed})
		}
	}
	if r.Aborted {
		errs = append(errs, ErrRunAborted)
	}
	return errors.Join(errs...)
}

// ErrRunAborted is reported when a deadline or stop request ended the run
// before every stage finished
var ErrRunAborted = errors.New("sync run aborted before completion")

// ErrRunInProgress is returned when another run holds the run lock
var ErrRunInProgress = errors.New("another sync run is in progress")

// StagePartialFailureError aggregates the per-record failures of a stage
type StagePartialFailureError struct {
	Stage  models.EntityType
	Failed []FailedRecord
}

func (e *StagePartialFailureError) Error() string {
	const show = 5
	ids := make([]string, 0, show)
	for i, f := range e.Failed {
		if i == show {
			ids = append(ids, "...")
			break
		}
		ids = append(ids, f.ID)
	}
	return fmt.Sprintf("stage %s: %d records failed [%s]", e.Stage, len(e.Failed), strings.Join(ids, ", "))
}
