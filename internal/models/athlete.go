package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Athlete is a fighter profile. Every profile column is mutable.
type Athlete struct {
	ID          string         `db:"id"`
	FullName    string         `db:"full_name"`
	WeightClass sql.NullString `db:"weight_class"`
	Nationality sql.NullString `db:"nationality"`
	DateOfBirth sql.NullTime   `db:"date_of_birth"`
	LeagueID    sql.NullString `db:"league_id"`

	// ProviderUpdatedAt is the provider's last-modified stamp, used only
	// for incremental filtering
	ProviderUpdatedAt time.Time `db:"-"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (a *Athlete) Key() string          { return a.ID }
func (a *Athlete) RecencyAt() time.Time { return a.ProviderUpdatedAt }

// AthleteInput is the provider payload for an athlete
type AthleteInput struct {
	ID          ExternalID `json:"id"`
	FullName    string     `json:"fullName"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	WeightClass string     `json:"weightClass"`
	Nationality string     `json:"nationality"`
	DateOfBirth string     `json:"dateOfBirth"`
	LeagueID    ExternalID `json:"leagueId"`
	LastUpdated string     `json:"lastUpdated"`
}

// ToAthlete validates the input and converts it to an Athlete
func (ai *AthleteInput) ToAthlete() (*Athlete, error) {
	if ai.ID == "" {
		return nil, missing(EntityAthlete, ai.ID, "id")
	}

	name := ai.FullName
	if name == "" && (ai.FirstName != "" || ai.LastName != "") {
		name = ai.FirstName
		if ai.LastName != "" {
			if name != "" {
				name += " "
			}
			name += ai.LastName
		}
	}
	if name == "" {
		return nil, missing(EntityAthlete, ai.ID, "fullName")
	}

	athlete := &Athlete{
		ID:          ai.ID.String(),
		FullName:    name,
		Nationality: nullString(ai.Nationality),
		LeagueID:    nullID(ai.LeagueID),
	}

	if ai.WeightClass != "" {
		wc, ok := NormalizeWeightClass(ai.WeightClass)
		if !ok {
			return nil, invalid(EntityAthlete, ai.ID, "weightClass", "unknown weight class "+ai.WeightClass)
		}
		athlete.WeightClass = sql.NullString{String: wc, Valid: true}
	}

	if ai.DateOfBirth != "" {
		dob, err := parseTime(ai.DateOfBirth)
		if err != nil {
			return nil, invalid(EntityAthlete, ai.ID, "dateOfBirth", err.Error())
		}
		athlete.DateOfBirth = sql.NullTime{Time: dob, Valid: true}
	}

	if ai.LastUpdated != "" {
		ts, err := parseTime(ai.LastUpdated)
		if err != nil {
			return nil, invalid(EntityAthlete, ai.ID, "lastUpdated", err.Error())
		}
		athlete.ProviderUpdatedAt = ts
	}

	return athlete, nil
}

// DecodeAthlete turns one raw provider record into an Athlete
func DecodeAthlete(raw json.RawMessage) (*Athlete, error) {
	var in AthleteInput
	if err := decodeInput(EntityAthlete, raw, &in); err != nil {
		return nil, err
	}
	return in.ToAthlete()
}
