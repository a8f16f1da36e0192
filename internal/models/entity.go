package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EntityType names one synchronized table / sync stage
type EntityType string

const (
	EntityLeague    EntityType = "league"
	EntityAthlete   EntityType = "athlete"
	EntityEvent     EntityType = "event"
	EntityFight     EntityType = "fight"
	EntityOdds      EntityType = "odds"
	EntityStatistic EntityType = "statistic"
	EntityRanking   EntityType = "ranking"
)

// StageOrder is the fixed dependency order. Every foreign key referenced by
// a stage points at a table written by an earlier stage.
var StageOrder = []EntityType{
	EntityLeague,
	EntityAthlete,
	EntityEvent,
	EntityFight,
	EntityOdds,
	EntityStatistic,
	EntityRanking,
}

// ParseEntityType maps a stage name to its EntityType
func ParseEntityType(s string) (EntityType, error) {
	for _, et := range StageOrder {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Record is implemented by every decoded entity
type Record interface {
	// Key is the external identifier used for upserts and failure tracking
	Key() string
	// RecencyAt is the timestamp compared against an incremental watermark.
	// The zero time means the record carries no recency signal.
	RecencyAt() time.Time
}

// ExternalID is a provider-assigned identifier. Providers send either JSON
// strings or numbers; both are kept as their literal text.
type ExternalID string

// UnmarshalJSON accepts "123", 123 and null
func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string { return string(id) }
