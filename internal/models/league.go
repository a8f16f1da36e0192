package models

import (
	"encoding/json"
	"time"
)

// League is the root entity. Athletes and events reference it.
type League struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Sport     string    `db:"sport"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (l *League) Key() string          { return l.ID }
func (l *League) RecencyAt() time.Time { return time.Time{} }

// LeagueInput is the provider payload for a league
type LeagueInput struct {
	ID    ExternalID `json:"id"`
	Name  string     `json:"name"`
	Sport string     `json:"sport"`
}

// ToLeague validates the input and converts it to a League
func (li *LeagueInput) ToLeague() (*League, error) {
	if li.ID == "" {
		return nil, missing(EntityLeague, li.ID, "id")
	}
	if li.Name == "" {
		return nil, missing(EntityLeague, li.ID, "name")
	}
	sport := li.Sport
	if sport == "" {
		sport = "MMA"
	}
	return &League{ID: li.ID.String(), Name: li.Name, Sport: sport}, nil
}

// DecodeLeague turns one raw provider record into a League
func DecodeLeague(raw json.RawMessage) (*League, error) {
	var in LeagueInput
	if err := decodeInput(EntityLeague, raw, &in); err != nil {
		return nil, err
	}
	return in.ToLeague()
}
