package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RankingType separates divisional rankings from pound-for-pound lists
type RankingType string

const (
	RankingDivision      RankingType = "division"
	RankingPoundForPound RankingType = "pound-for-pound"
)

// RankingEntry is one row of the current rankings projection, keyed by
// (division, rank). The whole table is replaced on every ranking sync.
type RankingEntry struct {
	Division    string         `db:"division"`
	Rank        int            `db:"rank"`
	FighterName string         `db:"fighter_name"`
	FighterID   sql.NullString `db:"fighter_id"`
	IsChampion  bool           `db:"is_champion"`
	IsInterim   bool           `db:"is_interim"`
	RankingType RankingType    `db:"ranking_type"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *RankingEntry) Key() string          { return fmt.Sprintf("%s/%d", r.Division, r.Rank) }
func (r *RankingEntry) RecencyAt() time.Time { return time.Time{} }

// FighterKey identifies the fighter across snapshots: the provider id when
// known, otherwise the name
func (r *RankingEntry) FighterKey() string {
	if r.FighterID.Valid && r.FighterID.String != "" {
		return r.FighterID.String
	}
	return r.FighterName
}

// RankingSnapshot is an immutable copy of a RankingEntry taken before the
// current projection was replaced
type RankingSnapshot struct {
	ID           int64          `db:"id"`
	Division     string         `db:"division"`
	FighterKey   string         `db:"fighter_key"`
	FighterName  string         `db:"fighter_name"`
	FighterID    sql.NullString `db:"fighter_id"`
	Rank         int            `db:"rank"`
	IsChampion   bool           `db:"is_champion"`
	IsInterim    bool           `db:"is_interim"`
	RankingType  RankingType    `db:"ranking_type"`
	SnapshotDate time.Time      `db:"snapshot_date"`
}

// Movement is the direction a fighter moved between two ranking states
type Movement string

const (
	MovementNew  Movement = "NEW"
	MovementUp   Movement = "UP"
	MovementDown Movement = "DOWN"
	MovementSame Movement = "SAME"
)

// RankMovement pairs a current entry with its computed movement
type RankMovement struct {
	Division    string        `json:"division"`
	FighterKey  string        `json:"fighter_key"`
	FighterName string        `json:"fighter_name"`
	Rank        int           `json:"rank"`
	PriorRank   sql.NullInt32 `json:"-"`
	Movement    Movement      `json:"movement"`
	RankChange  int           `json:"rank_change"`
}

// CompareRanks computes movement from a prior rank to the current one.
// A lower rank number is better, so rank_change = prior - current and a
// positive change means the fighter moved UP.
func CompareRanks(current int, prior sql.NullInt32) (Movement, int) {
	if !prior.Valid {
		return MovementNew, 0
	}
	change := int(prior.Int32) - current
	switch {
	case change > 0:
		return MovementUp, change
	case change < 0:
		return MovementDown, change
	default:
		return MovementSame, 0
	}
}

// RankingFighterInput is one ranked fighter inside a division payload
type RankingFighterInput struct {
	Rank       *int       `json:"rank"`
	ID         ExternalID `json:"id"`
	FighterID  ExternalID `json:"fighterId"`
	Name       string     `json:"name"`
	IsChampion bool       `json:"isChampion"`
	IsInterim  bool       `json:"isInterim"`
}

// RankingInput is the provider payload for one division's rankings. Flat
// single-entry payloads put the fighter fields at the top level.
type RankingInput struct {
	Division string                `json:"division"`
	Type     string                `json:"type"`
	Fighters []RankingFighterInput `json:"fighters"`

	RankingFighterInput
}

// ToRankingEntries validates the input and expands it into entries
func (ri *RankingInput) ToRankingEntries() ([]*RankingEntry, error) {
	if ri.Division == "" {
		return nil, missing(EntityRanking, "", "division")
	}
	division, ok := NormalizeWeightClass(ri.Division)
	if !ok {
		return nil, invalid(EntityRanking, ExternalID(ri.Division), "division", "unknown division "+ri.Division)
	}

	rtype := RankingDivision
	switch {
	case ri.Type != "":
		switch canonicalKey(ri.Type) {
		case "division", "divisional":
			rtype = RankingDivision
		case "poundforpound", "p4p":
			rtype = RankingPoundForPound
		default:
			return nil, invalid(EntityRanking, ExternalID(division), "type", "unknown ranking type "+ri.Type)
		}
	case strings.Contains(division, "Pound-for-Pound"):
		rtype = RankingPoundForPound
	}

	fighters := ri.Fighters
	if len(fighters) == 0 && (ri.Rank != nil || ri.Name != "") {
		fighters = []RankingFighterInput{ri.RankingFighterInput}
	}
	if len(fighters) == 0 {
		return nil, missing(EntityRanking, ExternalID(division), "fighters")
	}

	entries := make([]*RankingEntry, 0, len(fighters))
	taken := make(map[int]bool, len(fighters))
	for i, f := range fighters {
		field := fmt.Sprintf("fighters[%d]", i)
		if f.Rank == nil {
			return nil, missing(EntityRanking, ExternalID(division), field+".rank")
		}
		if *f.Rank < 0 {
			return nil, invalid(EntityRanking, ExternalID(division), field+".rank", "must not be negative")
		}
		if taken[*f.Rank] {
			return nil, invalid(EntityRanking, ExternalID(division), field+".rank", fmt.Sprintf("rank %d already taken", *f.Rank))
		}
		taken[*f.Rank] = true
		if f.Name == "" {
			return nil, missing(EntityRanking, ExternalID(division), field+".name")
		}
		id := f.FighterID
		if id == "" {
			id = f.ID
		}
		entries = append(entries, &RankingEntry{
			Division:    division,
			Rank:        *f.Rank,
			FighterName: strings.TrimSpace(f.Name),
			FighterID:   nullID(id),
			IsChampion:  f.IsChampion || *f.Rank == 0,
			IsInterim:   f.IsInterim,
			RankingType: rtype,
		})
	}
	return entries, nil
}

// DecodeRankings turns one raw division payload into ranking entries
func DecodeRankings(raw json.RawMessage) ([]*RankingEntry, error) {
	var in RankingInput
	if err := decodeInput(EntityRanking, raw, &in); err != nil {
		return nil, err
	}
	return in.ToRankingEntries()
}
