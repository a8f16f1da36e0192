package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Odds is one provider's line for a fight at a point in time. Rows are
// append-only; the current line is the one with the latest FetchedAt.
type Odds struct {
	ID            int64           `db:"id"`
	FightID       string          `db:"fight_id"`
	Provider      string          `db:"provider"`
	HomeAthleteID sql.NullString  `db:"home_athlete_id"`
	AwayAthleteID sql.NullString  `db:"away_athlete_id"`
	HomeOdds      sql.NullFloat64 `db:"home_odds"`
	AwayOdds      sql.NullFloat64 `db:"away_odds"`
	FetchedAt     time.Time       `db:"fetched_at"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Key identifies the series this row belongs to (fight + provider)
func (o *Odds) Key() string          { return o.FightID + "/" + o.Provider }
func (o *Odds) RecencyAt() time.Time { return o.FetchedAt }

// OddsInput is the provider payload for a single odds line
type OddsInput struct {
	FightID       ExternalID `json:"fightId"`
	Provider      string     `json:"provider"`
	Sportsbook    string     `json:"sportsbook"`
	HomeAthleteID ExternalID `json:"homeAthleteId"`
	AwayAthleteID ExternalID `json:"awayAthleteId"`
	HomeOdds      *float64   `json:"homeOdds"`
	AwayOdds      *float64   `json:"awayOdds"`
	LastUpdated   string     `json:"lastUpdated"`
}

// ToOdds validates the input. fetchedAt is used when the payload carries
// no lastUpdated stamp.
func (oi *OddsInput) ToOdds(fetchedAt time.Time) (*Odds, error) {
	if oi.FightID == "" {
		return nil, missing(EntityOdds, oi.FightID, "fightId")
	}
	provider := oi.Provider
	if provider == "" {
		provider = oi.Sportsbook
	}
	if provider == "" {
		return nil, missing(EntityOdds, oi.FightID, "provider")
	}
	if oi.HomeOdds == nil && oi.AwayOdds == nil {
		return nil, missing(EntityOdds, oi.FightID, "homeOdds")
	}

	odds := &Odds{
		FightID:       oi.FightID.String(),
		Provider:      provider,
		HomeAthleteID: nullID(oi.HomeAthleteID),
		AwayAthleteID: nullID(oi.AwayAthleteID),
		HomeOdds:      nullFloat64(oi.HomeOdds),
		AwayOdds:      nullFloat64(oi.AwayOdds),
		FetchedAt:     fetchedAt.UTC(),
	}

	if oi.LastUpdated != "" {
		ts, err := parseTime(oi.LastUpdated)
		if err != nil {
			return nil, invalid(EntityOdds, oi.FightID, "lastUpdated", err.Error())
		}
		odds.FetchedAt = ts
	}

	return odds, nil
}

// DecodeOdds turns one raw provider record into an Odds row
func DecodeOdds(raw json.RawMessage, fetchedAt time.Time) (*Odds, error) {
	var in OddsInput
	if err := decodeInput(EntityOdds, raw, &in); err != nil {
		return nil, err
	}
	return in.ToOdds(fetchedAt)
}
