package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DecodeError reports a provider record that could not be turned into an
// entity. ID is set whenever the payload carried a readable identifier.
type DecodeError struct {
	Entity EntityType
	ID     string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("decode %s %s: field %q: %s", e.Entity, e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("decode %s: field %q: %s", e.Entity, e.Field, e.Reason)
}

// idPeek reads only the identifier so failures elsewhere in the payload
// can still be attributed to a record
type idPeek struct {
	ID      json.RawMessage `json:"id"`
	FightID json.RawMessage `json:"fightId"`
}

// PeekID returns the "id" of a raw record, falling back to "fightId" for
// payloads without their own identifier. It returns "" when neither is
// readable.
func PeekID(raw json.RawMessage) string {
	var p idPeek
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	for _, candidate := range []json.RawMessage{p.ID, p.FightID} {
		if len(candidate) == 0 {
			continue
		}
		var id ExternalID
		if err := id.UnmarshalJSON(candidate); err == nil && id != "" {
			return id.String()
		}
	}
	return ""
}

// decodeInput unmarshals raw into dst. Unknown fields are ignored.
func decodeInput(entity EntityType, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		de := &DecodeError{Entity: entity, ID: PeekID(raw), Field: "", Reason: err.Error()}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			de.Field = typeErr.Field
			de.Reason = fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
		}
		return de
	}
	return nil
}

func missing(entity EntityType, id ExternalID, field string) *DecodeError {
	return &DecodeError{Entity: entity, ID: id.String(), Field: field, Reason: "required field is missing"}
}

func invalid(entity EntityType, id ExternalID, field, reason string) *DecodeError {
	return &DecodeError{Entity: entity, ID: id.String(), Field: field, Reason: reason}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the timestamp layouts seen from providers. Values
// without a zone are read as UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// parseClock converts "m:ss" (or plain seconds) into seconds
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if mins, secs, ok := strings.Cut(s, ":"); ok {
		m, err := strconv.Atoi(mins)
		if err != nil {
			return 0, fmt.Errorf("bad minutes in %q", s)
		}
		sec, err := strconv.Atoi(secs)
		if err != nil || sec >= 60 {
			return 0, fmt.Errorf("bad seconds in %q", s)
		}
		if m < 0 || sec < 0 {
			return 0, fmt.Errorf("negative clock %q", s)
		}
		return m*60 + sec, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unrecognized clock %q", s)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt32(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullID(id ExternalID) sql.NullString {
	return nullString(id.String())
}

// canonicalKey lowercases and strips separators so "Light-Heavyweight",
// "light heavyweight" and "LIGHT_HEAVYWEIGHT" compare equal
func canonicalKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	r := strings.NewReplacer(" ", "", "-", "", "_", "", ".", "", "/", "", "'", "", "’", "")
	return r.Replace(s)
}

var weightClasses = map[string]string{
	"strawweight":         "Strawweight",
	"flyweight":           "Flyweight",
	"bantamweight":        "Bantamweight",
	"featherweight":       "Featherweight",
	"lightweight":         "Lightweight",
	"welterweight":        "Welterweight",
	"middleweight":        "Middleweight",
	"lightheavyweight":    "Light Heavyweight",
	"heavyweight":         "Heavyweight",
	"catchweight":         "Catchweight",
	"openweight":          "Openweight",
	"womensstrawweight":   "Women's Strawweight",
	"womenstrawweight":    "Women's Strawweight",
	"wstrawweight":        "Women's Strawweight",
	"womensflyweight":     "Women's Flyweight",
	"womenflyweight":      "Women's Flyweight",
	"wflyweight":          "Women's Flyweight",
	"womensbantamweight":  "Women's Bantamweight",
	"womenbantamweight":   "Women's Bantamweight",
	"wbantamweight":       "Women's Bantamweight",
	"womensfeatherweight": "Women's Featherweight",
	"womenfeatherweight":  "Women's Featherweight",
	"wfeatherweight":      "Women's Featherweight",
	"poundforpound":       "Pound-for-Pound",
	"p4p":                 "Pound-for-Pound",
	"menspoundforpound":   "Pound-for-Pound",
	"womenspoundforpound": "Women's Pound-for-Pound",
	"womenpoundforpound":  "Women's Pound-for-Pound",
}

// NormalizeWeightClass maps provider spellings onto the canonical division
// names. The second return value is false for unknown spellings.
func NormalizeWeightClass(s string) (string, bool) {
	key := canonicalKey(s)
	key = strings.TrimSuffix(key, "division")
	key = strings.TrimSuffix(key, "bout")
	if v, ok := weightClasses[key]; ok {
		return v, true
	}
	return "", false
}

// CardSegment is the part of an event card a fight is placed on
type CardSegment string

const (
	SegmentMain        CardSegment = "main"
	SegmentPrelim      CardSegment = "prelim"
	SegmentEarlyPrelim CardSegment = "early-prelim"
)

// NormalizeCardSegment maps provider card labels to a CardSegment
func NormalizeCardSegment(s string) (CardSegment, bool) {
	switch canonicalKey(s) {
	case "main", "maincard", "mainevent", "card":
		return SegmentMain, true
	case "prelim", "prelims", "preliminary", "preliminarycard", "prelimcard":
		return SegmentPrelim, true
	case "earlyprelim", "earlyprelims", "earlypreliminary", "earlypreliminarycard":
		return SegmentEarlyPrelim, true
	}
	return "", false
}

// NormalizeMethod collapses result method spellings
func NormalizeMethod(s string) string {
	key := canonicalKey(s)
	switch {
	case key == "":
		return ""
	case strings.HasPrefix(key, "kotko"), key == "ko", key == "tko", strings.HasPrefix(key, "tkodoctor"):
		return "KO/TKO"
	case strings.HasPrefix(key, "sub"):
		return "Submission"
	case strings.HasPrefix(key, "udec"), strings.HasPrefix(key, "decisionunanimous"), key == "unanimousdecision":
		return "Decision - Unanimous"
	case strings.HasPrefix(key, "sdec"), strings.HasPrefix(key, "decisionsplit"), key == "splitdecision":
		return "Decision - Split"
	case strings.HasPrefix(key, "mdec"), strings.HasPrefix(key, "decisionmajority"), key == "majoritydecision":
		return "Decision - Majority"
	case strings.HasPrefix(key, "dq"), strings.HasPrefix(key, "disqualification"):
		return "DQ"
	case strings.HasPrefix(key, "nc"), strings.HasPrefix(key, "nocontest"):
		return "No Contest"
	case strings.HasPrefix(key, "draw"):
		return "Draw"
	}
	return strings.TrimSpace(s)
}
