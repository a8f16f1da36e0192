package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Fight is one bout on an event card. Result columns stay null until the
// bout has happened. WeightClass is the class the bout was contested at and
// is never rewritten from the athlete profile.
type Fight struct {
	ID           string         `db:"id"`
	EventID      string         `db:"event_id"`
	Fighter1ID   string         `db:"fighter1_id"`
	Fighter2ID   string         `db:"fighter2_id"`
	MatchNumber  sql.NullInt32  `db:"match_number"`
	CardSegment  sql.NullString `db:"card_segment"`
	WeightClass  sql.NullString `db:"weight_class"`
	IsTitleFight bool           `db:"is_title_fight"`

	ResultMethod sql.NullString `db:"result_method"`
	ResultRound  sql.NullInt32  `db:"result_round"`
	ResultTime   sql.NullString `db:"result_time"`
	WinnerID     sql.NullString `db:"winner_id"`

	ProviderUpdatedAt time.Time `db:"-"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (f *Fight) Key() string          { return f.ID }
func (f *Fight) RecencyAt() time.Time { return f.ProviderUpdatedAt }

// AthleteIDs returns both fighter ids
func (f *Fight) AthleteIDs() []string {
	return []string{f.Fighter1ID, f.Fighter2ID}
}

// FightResultInput is the nested result block of a fight payload
type FightResultInput struct {
	Method   string     `json:"method"`
	Round    *int       `json:"round"`
	Time     string     `json:"time"`
	WinnerID ExternalID `json:"winnerId"`
}

// FightInput is the provider payload for a fight
type FightInput struct {
	ID           ExternalID        `json:"id"`
	EventID      ExternalID        `json:"eventId"`
	Fighter1ID   ExternalID        `json:"fighter1Id"`
	Fighter2ID   ExternalID        `json:"fighter2Id"`
	MatchNumber  *int              `json:"matchNumber"`
	CardSegment  string            `json:"cardSegment"`
	WeightClass  string            `json:"weightClass"`
	IsTitleFight bool              `json:"isTitleFight"`
	Result       *FightResultInput `json:"result"`
	LastUpdated  string            `json:"lastUpdated"`
}

// ToFight validates the input and converts it to a Fight
func (fi *FightInput) ToFight() (*Fight, error) {
	switch {
	case fi.ID == "":
		return nil, missing(EntityFight, fi.ID, "id")
	case fi.EventID == "":
		return nil, missing(EntityFight, fi.ID, "eventId")
	case fi.Fighter1ID == "":
		return nil, missing(EntityFight, fi.ID, "fighter1Id")
	case fi.Fighter2ID == "":
		return nil, missing(EntityFight, fi.ID, "fighter2Id")
	case fi.Fighter1ID == fi.Fighter2ID:
		return nil, invalid(EntityFight, fi.ID, "fighter2Id", "both corners reference the same athlete")
	}

	fight := &Fight{
		ID:           fi.ID.String(),
		EventID:      fi.EventID.String(),
		Fighter1ID:   fi.Fighter1ID.String(),
		Fighter2ID:   fi.Fighter2ID.String(),
		MatchNumber:  nullInt32(fi.MatchNumber),
		IsTitleFight: fi.IsTitleFight,
	}

	if fi.MatchNumber != nil && *fi.MatchNumber < 1 {
		return nil, invalid(EntityFight, fi.ID, "matchNumber", "must be positive")
	}

	if fi.CardSegment != "" {
		seg, ok := NormalizeCardSegment(fi.CardSegment)
		if !ok {
			return nil, invalid(EntityFight, fi.ID, "cardSegment", "unknown card segment "+fi.CardSegment)
		}
		fight.CardSegment = sql.NullString{String: string(seg), Valid: true}
	}

	if fi.WeightClass != "" {
		wc, ok := NormalizeWeightClass(fi.WeightClass)
		if !ok {
			return nil, invalid(EntityFight, fi.ID, "weightClass", "unknown weight class "+fi.WeightClass)
		}
		fight.WeightClass = sql.NullString{String: wc, Valid: true}
	}

	if r := fi.Result; r != nil {
		if r.WinnerID != "" && r.WinnerID != fi.Fighter1ID && r.WinnerID != fi.Fighter2ID {
			return nil, invalid(EntityFight, fi.ID, "result.winnerId", "winner is not in this fight")
		}
		if r.Round != nil && *r.Round < 1 {
			return nil, invalid(EntityFight, fi.ID, "result.round", "must be positive")
		}
		fight.ResultMethod = nullString(NormalizeMethod(r.Method))
		fight.ResultRound = nullInt32(r.Round)
		fight.ResultTime = nullString(r.Time)
		fight.WinnerID = nullID(r.WinnerID)
	}

	if fi.LastUpdated != "" {
		ts, err := parseTime(fi.LastUpdated)
		if err != nil {
			return nil, invalid(EntityFight, fi.ID, "lastUpdated", err.Error())
		}
		fight.ProviderUpdatedAt = ts
	}

	return fight, nil
}

// DecodeFight turns one raw provider record into a Fight
func DecodeFight(raw json.RawMessage) (*Fight, error) {
	var in FightInput
	if err := decodeInput(EntityFight, raw, &in); err != nil {
		return nil, err
	}
	return in.ToFight()
}
