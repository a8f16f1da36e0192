package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Event is a fight card. Once EventDate has passed the row is frozen.
type Event struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	EventDate time.Time      `db:"event_date"`
	Venue     sql.NullString `db:"venue"`
	Location  sql.NullString `db:"location"`
	Promotion sql.NullString `db:"promotion"`
	LeagueID  sql.NullString `db:"league_id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (e *Event) Key() string          { return e.ID }
func (e *Event) RecencyAt() time.Time { return e.EventDate }

// IsPast reports whether the event started before now
func (e *Event) IsPast(now time.Time) bool {
	return e.EventDate.Before(now)
}

// EventInput is the provider payload for an event
type EventInput struct {
	ID        ExternalID `json:"id"`
	Name      string     `json:"name"`
	Date      string     `json:"date"`
	Venue     string     `json:"venue"`
	City      string     `json:"city"`
	Country   string     `json:"country"`
	Location  string     `json:"location"`
	Promotion string     `json:"promotion"`
	LeagueID  ExternalID `json:"leagueId"`
}

// ToEvent validates the input and converts it to an Event
func (ei *EventInput) ToEvent() (*Event, error) {
	if ei.ID == "" {
		return nil, missing(EntityEvent, ei.ID, "id")
	}
	if ei.Name == "" {
		return nil, missing(EntityEvent, ei.ID, "name")
	}
	if ei.Date == "" {
		return nil, missing(EntityEvent, ei.ID, "date")
	}
	date, err := parseTime(ei.Date)
	if err != nil {
		return nil, invalid(EntityEvent, ei.ID, "date", err.Error())
	}

	location := ei.Location
	if location == "" {
		switch {
		case ei.City != "" && ei.Country != "":
			location = ei.City + ", " + ei.Country
		case ei.City != "":
			location = ei.City
		default:
			location = ei.Country
		}
	}

	return &Event{
		ID:        ei.ID.String(),
		Name:      ei.Name,
		EventDate: date,
		Venue:     nullString(ei.Venue),
		Location:  nullString(location),
		Promotion: nullString(ei.Promotion),
		LeagueID:  nullID(ei.LeagueID),
	}, nil
}

// DecodeEvent turns one raw provider record into an Event
func DecodeEvent(raw json.RawMessage) (*Event, error) {
	var in EventInput
	if err := decodeInput(EntityEvent, raw, &in); err != nil {
		return nil, err
	}
	return in.ToEvent()
}
