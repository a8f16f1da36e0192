package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/models"
	"fightsync/ingestion/internal/repository"
)

// fakeSource serves canned pages keyed by resource and cursor
type fakeSource struct {
	mu    sync.Mutex
	pages map[string]*client.Page
	errs  map[string]error
	calls []string

	// onFetch runs before a page is served
	onFetch func(resource, cursor string)
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages: make(map[string]*client.Page),
		errs:  make(map[string]error),
	}
}

// serve registers pages for resource; page i links to page i+1 by cursor
func (f *fakeSource) serve(resource string, pages ...[]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, records := range pages {
		cursor := ""
		if i > 0 {
			cursor = fmt.Sprintf("c%d", i)
		}
		page := &client.Page{}
		for _, r := range records {
			raw, err := json.Marshal(r)
			if err != nil {
				panic(err)
			}
			page.Records = append(page.Records, raw)
		}
		if i+1 < len(pages) {
			page.NextCursor = fmt.Sprintf("c%d", i+1)
		}
		f.pages[pageKey(resource, cursor)] = page
	}
}

func (f *fakeSource) fail(resource string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[resource] = err
}

// failPage fails a single page of resource; other cursors are still served
func (f *fakeSource) failPage(resource, cursor string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pageKey(resource, cursor)] = err
}

func (f *fakeSource) clearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = make(map[string]error)
}

func (f *fakeSource) FetchPage(ctx context.Context, resource, cursor string) (*client.Page, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.onFetch != nil {
		f.onFetch(resource, cursor)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	key := pageKey(resource, cursor)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if err, ok := f.errs[resource]; ok {
		return nil, err
	}
	if page, ok := f.pages[key]; ok {
		return page, nil
	}
	return &client.Page{}, nil
}

func (f *fakeSource) called(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// memStore is an in-memory Store with the same upsert outcomes as the
// PostgreSQL repository
type memStore struct {
	mu         sync.Mutex
	rows       map[models.EntityType]map[string]models.Record
	appendOnly map[models.EntityType][]models.Record
	rankings   []*models.RankingEntry
	history    map[string]models.RankingSnapshot
	marks      map[models.EntityType]time.Time
	failures   map[string]repository.SyncFailure

	// injected faults
	rejectIDs   map[string]error
	unavailable bool
	// fkViolations counts writes whose parents were missing
	fkViolations int
	upserts      []models.EntityType
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[models.EntityType]map[string]models.Record),
		appendOnly: make(map[models.EntityType][]models.Record),
		history:    make(map[string]models.RankingSnapshot),
		marks:      make(map[models.EntityType]time.Time),
		failures:   make(map[string]repository.SyncFailure),
		rejectIDs:  make(map[string]error),
	}
}

func (m *memStore) exists(et models.EntityType, id string) bool {
	_, ok := m.rows[et][id]
	return ok
}

func (m *memStore) parentsPresent(rec models.Record) bool {
	switch r := rec.(type) {
	case *models.Fight:
		return m.exists(models.EntityEvent, r.EventID) &&
			m.exists(models.EntityAthlete, r.Fighter1ID) &&
			m.exists(models.EntityAthlete, r.Fighter2ID)
	case *models.Odds:
		return m.exists(models.EntityFight, r.FightID)
	case *models.Statistic:
		return m.exists(models.EntityFight, r.FightID) && m.exists(models.EntityAthlete, r.AthleteID)
	}
	return true
}

// sameValues compares records ignoring fetch timestamps
func sameValues(a, b models.Record) bool {
	switch x := a.(type) {
	case *models.Odds:
		y := *b.(*models.Odds)
		c := *x
		c.FetchedAt, y.FetchedAt = time.Time{}, time.Time{}
		return reflect.DeepEqual(c, y)
	case *models.Statistic:
		y := *b.(*models.Statistic)
		c := *x
		c.FetchedAt, y.FetchedAt = time.Time{}, time.Time{}
		return reflect.DeepEqual(c, y)
	}
	return reflect.DeepEqual(a, b)
}

func (m *memStore) Upsert(_ context.Context, et models.EntityType, records []models.Record) (*repository.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, fmt.Errorf("upsert %s: %w", et, repository.ErrStoreUnavailable)
	}
	m.upserts = append(m.upserts, et)

	res := &repository.UpsertResult{}
	for _, rec := range records {
		if err, ok := m.rejectIDs[rec.Key()]; ok {
			res.Failed = append(res.Failed, repository.RecordFailure{ID: rec.Key(), Err: err})
			continue
		}
		if !m.parentsPresent(rec) {
			m.fkViolations++
			res.Failed = append(res.Failed, repository.RecordFailure{ID: rec.Key(), Err: errors.New("foreign key violation")})
			continue
		}

		switch et {
		case models.EntityOdds, models.EntityStatistic:
			var latest models.Record
			for _, prev := range m.appendOnly[et] {
				if prev.Key() == rec.Key() {
					latest = prev
				}
			}
			if latest != nil && sameValues(latest, rec) {
				res.Unchanged++
				continue
			}
			m.appendOnly[et] = append(m.appendOnly[et], rec)
			res.Inserted++
		default:
			if m.rows[et] == nil {
				m.rows[et] = make(map[string]models.Record)
			}
			prev, ok := m.rows[et][rec.Key()]
			switch {
			case !ok:
				res.Inserted++
			case sameValues(prev, rec):
				res.Unchanged++
				continue
			default:
				res.Updated++
			}
			m.rows[et][rec.Key()] = rec
		}
	}
	return res, nil
}

func (m *memStore) ReplaceRankings(_ context.Context, entries []*models.RankingEntry, snapshotAt time.Time) (*repository.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, repository.ErrStoreUnavailable
	}
	if len(entries) == 0 {
		return nil, errors.New("refusing to replace rankings with an empty set")
	}

	date := snapshotAt.UTC().Truncate(24 * time.Hour)
	for _, e := range m.rankings {
		key := e.Division + "|" + e.FighterKey() + "|" + date.Format(time.DateOnly)
		if _, ok := m.history[key]; ok {
			continue
		}
		m.history[key] = models.RankingSnapshot{
			Division:     e.Division,
			FighterKey:   e.FighterKey(),
			FighterName:  e.FighterName,
			FighterID:    e.FighterID,
			Rank:         e.Rank,
			RankingType:  e.RankingType,
			SnapshotDate: date,
		}
	}

	bySlot := make(map[string]*models.RankingEntry, len(m.rankings))
	for _, e := range m.rankings {
		bySlot[e.Key()] = e
	}
	res := &repository.UpsertResult{}
	for _, e := range entries {
		prev, ok := bySlot[e.Key()]
		switch {
		case !ok:
			res.Inserted++
		case reflect.DeepEqual(prev, e):
			res.Unchanged++
		default:
			res.Updated++
		}
	}
	m.rankings = entries
	return res, nil
}

// movements mirrors RankingRepository.Movements over the fake tables
func (m *memStore) movements(division string) map[string]models.RankMovement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.RankMovement)
	for _, e := range m.rankings {
		if e.Division != division {
			continue
		}
		var latest *models.RankingSnapshot
		for _, h := range m.history {
			if h.Division == division && h.FighterKey == e.FighterKey() {
				if latest == nil || h.SnapshotDate.After(latest.SnapshotDate) {
					latest = &h
				}
			}
		}
		var prior sql.NullInt32
		if latest != nil {
			prior = sql.NullInt32{Int32: int32(latest.Rank), Valid: true}
		}
		mv, change := models.CompareRanks(e.Rank, prior)
		out[e.FighterKey()] = models.RankMovement{
			Division:    division,
			FighterKey:  e.FighterKey(),
			FighterName: e.FighterName,
			Rank:        e.Rank,
			PriorRank:   prior,
			Movement:    mv,
			RankChange:  change,
		}
	}
	return out
}

func (m *memStore) KnownIDs(_ context.Context, et models.EntityType) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, repository.ErrStoreUnavailable
	}
	out := make(map[string]struct{}, len(m.rows[et]))
	for id := range m.rows[et] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *memStore) EventRefs(_ context.Context, since time.Time) ([]repository.EventRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []repository.EventRef
	for _, rec := range m.rows[models.EntityEvent] {
		e := rec.(*models.Event)
		if since.IsZero() || !e.EventDate.Before(since) {
			refs = append(refs, repository.EventRef{ID: e.ID, EventDate: e.EventDate})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (m *memStore) FightRefs(_ context.Context, since time.Time) ([]repository.FightRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []repository.FightRef
	for _, rec := range m.rows[models.EntityFight] {
		f := rec.(*models.Fight)
		ev, ok := m.rows[models.EntityEvent][f.EventID]
		if !ok {
			continue
		}
		date := ev.(*models.Event).EventDate
		if since.IsZero() || !date.Before(since) {
			refs = append(refs, repository.FightRef{ID: f.ID, EventID: f.EventID, EventDate: date})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (m *memStore) Watermark(_ context.Context, et models.EntityType) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return time.Time{}, false, repository.ErrStoreUnavailable
	}
	ts, ok := m.marks[et]
	return ts, ok, nil
}

func (m *memStore) AdvanceWatermark(_ context.Context, et models.EntityType, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.marks[et]; !ok || ts.After(cur) {
		m.marks[et] = ts
	}
	return nil
}

func (m *memStore) PendingFailures(_ context.Context, et models.EntityType) ([]repository.SyncFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SyncFailure
	for _, f := range m.failures {
		if f.EntityType == et {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) RecordFailures(_ context.Context, failures []repository.SyncFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range failures {
		key := string(f.EntityType) + "|" + f.Key
		if prev, ok := m.failures[key]; ok {
			f.Attempts = prev.Attempts + 1
		} else {
			f.Attempts = 1
		}
		m.failures[key] = f
	}
	return nil
}

func (m *memStore) ClearFailures(_ context.Context, et models.EntityType, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.failures, string(et)+"|"+k)
	}
	return nil
}

func (m *memStore) count(et models.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if et == models.EntityOdds || et == models.EntityStatistic {
		return len(m.appendOnly[et])
	}
	return len(m.rows[et])
}

func (m *memStore) failureKeys(et models.EntityType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, f := range m.failures {
		if f.EntityType == et {
			keys = append(keys, f.Key)
		}
	}
	sort.Strings(keys)
	return keys
}
