package syncer

import (
	"context"
	"encoding/json"
	"time"

	"fightsync/ingestion/internal/client"
	"fightsync/ingestion/internal/models"
)

// parentRef is a foreign key a record needs before it can be written
type parentRef struct {
	entity models.EntityType
	id     string
}

// stageDef describes how one entity type is fetched, decoded and checked
type stageDef struct {
	entity models.EntityType
	decode func(raw json.RawMessage, fetchedAt time.Time) ([]models.Record, error)
	// parents lists the rows that must already exist for rec
	parents func(rec models.Record) []parentRef
	// retryPath is the single-record resource re-requested for a failed
	// record. Stages without one retry the page the record came from.
	retryPath func(id string) string
	// tasks builds the listing work for a run; since is zero in full mode
	tasks func(ctx context.Context, st Store, since, now time.Time) ([]fetchTask, error)
	// tracksIDs is set for id-keyed tables whose known ids are loaded
	tracksIDs bool
	// replace collects every record and swaps the table in one go
	replace bool
}

func one[T models.Record](rec T, err error) ([]models.Record, error) {
	if err != nil {
		return nil, err
	}
	return []models.Record{rec}, nil
}

func listing(resource string) func(context.Context, Store, time.Time, time.Time) ([]fetchTask, error) {
	return func(context.Context, Store, time.Time, time.Time) ([]fetchTask, error) {
		return []fetchTask{{resource: resource, paginate: true}}, nil
	}
}

func optionalRef(et models.EntityType, id string, valid bool) []parentRef {
	if !valid || id == "" {
		return nil
	}
	return []parentRef{{et, id}}
}

func stageDefs() map[models.EntityType]*stageDef {
	defs := []*stageDef{
		{
			entity: models.EntityLeague,
			decode: func(raw json.RawMessage, _ time.Time) ([]models.Record, error) {
				return one(models.DecodeLeague(raw))
			},
			retryPath: client.LeaguePath,
			tasks:     listing(client.LeaguesPath),
			tracksIDs: true,
		},
		{
			entity: models.EntityAthlete,
			decode: func(raw json.RawMessage, _ time.Time) ([]models.Record, error) {
				return one(models.DecodeAthlete(raw))
			},
			parents: func(rec models.Record) []parentRef {
				a := rec.(*models.Athlete)
				return optionalRef(models.EntityLeague, a.LeagueID.String, a.LeagueID.Valid)
			},
			retryPath: client.AthletePath,
			tasks:     listing(client.AthletesPath),
			tracksIDs: true,
		},
		{
			entity: models.EntityEvent,
			decode: func(raw json.RawMessage, _ time.Time) ([]models.Record, error) {
				return one(models.DecodeEvent(raw))
			},
			parents: func(rec models.Record) []parentRef {
				e := rec.(*models.Event)
				return optionalRef(models.EntityLeague, e.LeagueID.String, e.LeagueID.Valid)
			},
			retryPath: client.EventPath,
			tasks:     listing(client.EventsPath),
			tracksIDs: true,
		},
		{
			entity: models.EntityFight,
			decode: func(raw json.RawMessage, _ time.Time) ([]models.Record, error) {
				return one(models.DecodeFight(raw))
			},
			parents: func(rec models.Record) []parentRef {
				f := rec.(*models.Fight)
				refs := []parentRef{{models.EntityEvent, f.EventID}}
				for _, id := range f.AthleteIDs() {
					refs = append(refs, parentRef{models.EntityAthlete, id})
				}
				return append(refs, optionalRef(models.EntityAthlete, f.WinnerID.String, f.WinnerID.Valid)...)
			},
			retryPath: client.FightPath,
			tasks: func(ctx context.Context, st Store, since, _ time.Time) ([]fetchTask, error) {
				refs, err := st.EventRefs(ctx, since)
				if err != nil {
					return nil, err
				}
				tasks := make([]fetchTask, 0, len(refs))
				for _, ref := range refs {
					tasks = append(tasks, fetchTask{resource: client.EventFightsPath(ref.ID), paginate: true})
				}
				return tasks, nil
			},
			tracksIDs: true,
		},
		{
			entity: models.EntityOdds,
			decode: func(raw json.RawMessage, fetchedAt time.Time) ([]models.Record, error) {
				return one(models.DecodeOdds(raw, fetchedAt))
			},
			parents: func(rec models.Record) []parentRef {
				return []parentRef{{models.EntityFight, rec.(*models.Odds).FightID}}
			},
			tasks: func(ctx context.Context, st Store, since, _ time.Time) ([]fetchTask, error) {
				refs, err := st.FightRefs(ctx, since)
				if err != nil {
					return nil, err
				}
				tasks := make([]fetchTask, 0, len(refs))
				for _, ref := range refs {
					tasks = append(tasks, fetchTask{resource: client.FightOddsPath(ref.ID), paginate: true})
				}
				return tasks, nil
			},
		},
		{
			entity: models.EntityStatistic,
			decode: func(raw json.RawMessage, fetchedAt time.Time) ([]models.Record, error) {
				return one(models.DecodeStatistic(raw, fetchedAt))
			},
			parents: func(rec models.Record) []parentRef {
				s := rec.(*models.Statistic)
				return []parentRef{
					{models.EntityEvent, s.EventID},
					{models.EntityFight, s.FightID},
					{models.EntityAthlete, s.AthleteID},
				}
			},
			// statistics only exist once a fight has happened
			tasks: func(ctx context.Context, st Store, since, now time.Time) ([]fetchTask, error) {
				refs, err := st.FightRefs(ctx, since)
				if err != nil {
					return nil, err
				}
				var tasks []fetchTask
				for _, ref := range refs {
					if ref.EventDate.After(now) {
						continue
					}
					tasks = append(tasks, fetchTask{resource: client.FightStatsPath(ref.ID), paginate: true})
				}
				return tasks, nil
			},
		},
		{
			entity: models.EntityRanking,
			decode: func(raw json.RawMessage, _ time.Time) ([]models.Record, error) {
				entries, err := models.DecodeRankings(raw)
				if err != nil {
					return nil, err
				}
				out := make([]models.Record, len(entries))
				for i, e := range entries {
					out[i] = e
				}
				return out, nil
			},
			tasks:   listing(client.RankingsPath),
			replace: true,
		},
	}

	out := make(map[models.EntityType]*stageDef, len(defs))
	for _, d := range defs {
		out[d.entity] = d
	}
	return out
}

// parentTypes lists the entity types a stage checks references against
func (d *stageDef) parentTypes() []models.EntityType {
	switch d.entity {
	case models.EntityAthlete, models.EntityEvent:
		return []models.EntityType{models.EntityLeague}
	case models.EntityFight:
		return []models.EntityType{models.EntityEvent, models.EntityAthlete}
	case models.EntityOdds:
		return []models.EntityType{models.EntityFight}
	case models.EntityStatistic:
		return []models.EntityType{models.EntityEvent, models.EntityFight, models.EntityAthlete}
	}
	return nil
}
