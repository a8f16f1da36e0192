package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Statistic holds one athlete's performance numbers for one fight. Like
// odds, corrections arrive as new rows with a later FetchedAt.
type Statistic struct {
	ID                  int64         `db:"id"`
	EventID             string        `db:"event_id"`
	FightID             string        `db:"fight_id"`
	AthleteID           string        `db:"athlete_id"`
	StrikesLanded       sql.NullInt32 `db:"strikes_landed"`
	StrikesAttempted    sql.NullInt32 `db:"strikes_attempted"`
	SigStrikesLanded    sql.NullInt32 `db:"sig_strikes_landed"`
	SigStrikesAttempted sql.NullInt32 `db:"sig_strikes_attempted"`
	TakedownsLanded     sql.NullInt32 `db:"takedowns_landed"`
	TakedownsAttempted  sql.NullInt32 `db:"takedowns_attempted"`
	SubmissionAttempts  sql.NullInt32 `db:"submission_attempts"`
	Knockdowns          sql.NullInt32 `db:"knockdowns"`
	ControlSeconds      sql.NullInt32 `db:"control_seconds"`
	FetchedAt           time.Time     `db:"fetched_at"`
	CreatedAt           time.Time     `db:"created_at"`
}

func (s *Statistic) Key() string          { return s.FightID + "/" + s.AthleteID }
func (s *Statistic) RecencyAt() time.Time { return s.FetchedAt }

// StatisticInput is the provider payload for a per-athlete fight line
type StatisticInput struct {
	EventID             ExternalID `json:"eventId"`
	FightID             ExternalID `json:"fightId"`
	AthleteID           ExternalID `json:"athleteId"`
	StrikesLanded       *int       `json:"strikesLanded"`
	StrikesAttempted    *int       `json:"strikesAttempted"`
	SigStrikesLanded    *int       `json:"sigStrikesLanded"`
	SigStrikesAttempted *int       `json:"sigStrikesAttempted"`
	TakedownsLanded     *int       `json:"takedownsLanded"`
	TakedownsAttempted  *int       `json:"takedownsAttempted"`
	SubmissionAttempts  *int       `json:"submissionAttempts"`
	Knockdowns          *int       `json:"knockdowns"`
	ControlTime         string     `json:"controlTime"`
	ControlSeconds      *int       `json:"controlSeconds"`
	LastUpdated         string     `json:"lastUpdated"`
}

// ToStatistic validates the input
func (si *StatisticInput) ToStatistic(fetchedAt time.Time) (*Statistic, error) {
	id := si.FightID
	switch {
	case si.FightID == "":
		return nil, missing(EntityStatistic, id, "fightId")
	case si.EventID == "":
		return nil, missing(EntityStatistic, id, "eventId")
	case si.AthleteID == "":
		return nil, missing(EntityStatistic, id, "athleteId")
	}

	counters := []struct {
		field string
		v     *int
	}{
		{"strikesLanded", si.StrikesLanded},
		{"strikesAttempted", si.StrikesAttempted},
		{"sigStrikesLanded", si.SigStrikesLanded},
		{"sigStrikesAttempted", si.SigStrikesAttempted},
		{"takedownsLanded", si.TakedownsLanded},
		{"takedownsAttempted", si.TakedownsAttempted},
		{"submissionAttempts", si.SubmissionAttempts},
		{"knockdowns", si.Knockdowns},
		{"controlSeconds", si.ControlSeconds},
	}
	for _, c := range counters {
		if c.v != nil && *c.v < 0 {
			return nil, invalid(EntityStatistic, id, c.field, "must not be negative")
		}
	}

	stat := &Statistic{
		EventID:             si.EventID.String(),
		FightID:             si.FightID.String(),
		AthleteID:           si.AthleteID.String(),
		StrikesLanded:       nullInt32(si.StrikesLanded),
		StrikesAttempted:    nullInt32(si.StrikesAttempted),
		SigStrikesLanded:    nullInt32(si.SigStrikesLanded),
		SigStrikesAttempted: nullInt32(si.SigStrikesAttempted),
		TakedownsLanded:     nullInt32(si.TakedownsLanded),
		TakedownsAttempted:  nullInt32(si.TakedownsAttempted),
		SubmissionAttempts:  nullInt32(si.SubmissionAttempts),
		Knockdowns:          nullInt32(si.Knockdowns),
		ControlSeconds:      nullInt32(si.ControlSeconds),
		FetchedAt:           fetchedAt.UTC(),
	}

	if !stat.ControlSeconds.Valid && si.ControlTime != "" {
		secs, err := parseClock(si.ControlTime)
		if err != nil {
			return nil, invalid(EntityStatistic, id, "controlTime", err.Error())
		}
		stat.ControlSeconds = sql.NullInt32{Int32: int32(secs), Valid: true}
	}

	if si.LastUpdated != "" {
		ts, err := parseTime(si.LastUpdated)
		if err != nil {
			return nil, invalid(EntityStatistic, id, "lastUpdated", err.Error())
		}
		stat.FetchedAt = ts
	}

	return stat, nil
}

// DecodeStatistic turns one raw provider record into a Statistic
func DecodeStatistic(raw json.RawMessage, fetchedAt time.Time) (*Statistic, error) {
	var in StatisticInput
	if err := decodeInput(EntityStatistic, raw, &in); err != nil {
		return nil, err
	}
	return in.ToStatistic(fetchedAt)
}
